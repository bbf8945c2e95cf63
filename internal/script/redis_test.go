package script

import (
	"context"
	"os"
	"testing"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Runs against a real Redis when REDIS_TEST_ADDR is set
func TestRedisRepositoryRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush: %v", err)
	}

	steps := []types.ScriptStep{
		{Index: 1, Text: "Hi {{consumer_name}}"},
		{Index: 2, Text: "Second", Next: 4},
		{Index: 4, Text: "Fourth"},
	}
	if err := Seed(ctx, client, steps); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	s, err := NewRedisRepository(client, 14, zerolog.Nop()).Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("expected 3 steps, got %d", s.Len())
	}
	if s.Next(2) != 4 {
		t.Errorf("expected next pointer 4, got %d", s.Next(2))
	}
}
