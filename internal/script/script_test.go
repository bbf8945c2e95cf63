package script

import (
	"context"
	"strings"
	"testing"

	"github.com/greettech/recruitcall/internal/types"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"consumer placeholder", "Hi, may I speak with {{consumer_name}}?", "Hi, may I speak with Asha?"},
		{"candidate placeholder", "Hi, may I speak with {{candidate_name}}?", "Hi, may I speak with Asha?"},
		{"repeated", "{{candidate_name}}, right? {{candidate_name}}!", "Asha, right? Asha!"},
		{"no placeholder", "How are you?", "How are you?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.text, "Asha")
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if strings.Contains(got, "{{") {
				t.Errorf("residual placeholder in %q", got)
			}
		})
	}
}

func TestScriptNavigation(t *testing.T) {
	s := New([]types.ScriptStep{
		{Index: 1, Text: "one"},
		{Index: 2, Text: "two", Next: 5},
		{Index: 3, Text: "   "},
		{Index: 5, Text: "five", Next: 4}, // backward pointers are ignored
	})

	if s.Len() != 3 {
		t.Errorf("expected 3 steps, got %d", s.Len())
	}
	if s.Last() != 5 {
		t.Errorf("expected last 5, got %d", s.Last())
	}
	if _, ok := s.Step(3); ok {
		t.Errorf("expected blank step to be dropped")
	}

	tests := []struct {
		from, want int
	}{
		{1, 2},
		{2, 5},
		{5, 6},
		{9, 10},
	}
	for _, tt := range tests {
		if got := s.Next(tt.from); got != tt.want {
			t.Errorf("Next(%d): expected %d, got %d", tt.from, tt.want, got)
		}
	}
}

func TestStaticRepository(t *testing.T) {
	s, err := StaticRepository{Steps: DefaultSteps}.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != len(DefaultSteps) {
		t.Errorf("expected %d steps, got %d", len(DefaultSteps), s.Len())
	}
	steps := s.Steps()
	for i := 1; i < len(steps); i++ {
		if steps[i-1].Index >= steps[i].Index {
			t.Fatalf("steps not in ascending order")
		}
	}
}
