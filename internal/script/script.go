package script

import (
	"context"
	"sort"
	"strings"

	"github.com/greettech/recruitcall/internal/types"
)

// Placeholders substituted with the candidate's name
var namePlaceholders = []string{"{{candidate_name}}", "{{consumer_name}}"}

// ClosingLine is spoken when the script runs past its last step
const ClosingLine = "Thank you for speaking with us today."

// Repository loads the ordered conversation steps
type Repository interface {
	Load(ctx context.Context) (*Script, error)
}

// Script is an immutable, loaded set of steps indexed from 1
type Script struct {
	steps map[int]types.ScriptStep
	last  int
}

// New builds a Script from steps. Steps with empty text are dropped.
func New(steps []types.ScriptStep) *Script {
	s := &Script{steps: make(map[int]types.ScriptStep, len(steps))}
	for _, step := range steps {
		if step.Index < 1 || strings.TrimSpace(step.Text) == "" {
			continue
		}
		s.steps[step.Index] = step
		if step.Index > s.last {
			s.last = step.Index
		}
	}
	return s
}

// Step returns the step at index
func (s *Script) Step(index int) (types.ScriptStep, bool) {
	step, ok := s.steps[index]
	return step, ok
}

// Next returns the index that follows index: the explicit next pointer when
// set, otherwise index+1
func (s *Script) Next(index int) int {
	if step, ok := s.steps[index]; ok && step.Next > index {
		return step.Next
	}
	return index + 1
}

// Len returns the number of loaded steps
func (s *Script) Len() int { return len(s.steps) }

// Last returns the highest loaded step index
func (s *Script) Last() int { return s.last }

// Steps returns the loaded steps in ascending index order
func (s *Script) Steps() []types.ScriptStep {
	out := make([]types.ScriptStep, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Render substitutes the candidate name into text
func Render(text, candidateName string) string {
	for _, p := range namePlaceholders {
		text = strings.ReplaceAll(text, p, candidateName)
	}
	return text
}
