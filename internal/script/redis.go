package script

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StepKey returns the Redis hash key holding step index
func StepKey(index int) string {
	return "step:" + strconv.Itoa(index)
}

// RedisRepository reads steps from Redis hashes step:<n> {text, next}
type RedisRepository struct {
	client   redis.UniversalClient
	maxSteps int
	logger   zerolog.Logger
}

// NewRedisRepository creates a repository that reads step:1..step:maxSteps
func NewRedisRepository(client redis.UniversalClient, maxSteps int, logger zerolog.Logger) *RedisRepository {
	return &RedisRepository{
		client:   client,
		maxSteps: maxSteps,
		logger:   logger.With().Str("component", "script").Logger(),
	}
}

// Load reads all steps in one pipeline round trip
func (r *RedisRepository) Load(ctx context.Context) (*Script, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, r.maxSteps)
	for i := 1; i <= r.maxSteps; i++ {
		cmds[i-1] = pipe.HGetAll(ctx, StepKey(i))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load script steps: %w", err)
	}

	steps := make([]types.ScriptStep, 0, r.maxSteps)
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", StepKey(i+1), err)
		}
		if len(fields) == 0 {
			continue
		}
		step := types.ScriptStep{Index: i + 1, Text: fields["text"]}
		if next := strings.TrimSpace(fields["next"]); next != "" {
			n, err := strconv.Atoi(next)
			if err != nil {
				r.logger.Warn().Str("key", StepKey(i+1)).Str("next", next).Msg("ignoring non-numeric next pointer")
			} else {
				step.Next = n
			}
		}
		steps = append(steps, step)
	}

	script := New(steps)
	if script.Len() == 0 {
		return nil, fmt.Errorf("script is empty: no step:<n> hashes found")
	}
	r.logger.Info().Int("steps", script.Len()).Msg("script loaded")
	return script, nil
}

// Seed writes steps as step:<n> hashes in one pipeline
func Seed(ctx context.Context, client redis.UniversalClient, steps []types.ScriptStep) error {
	pipe := client.Pipeline()
	for _, step := range steps {
		next := ""
		if step.Next > 0 {
			next = strconv.Itoa(step.Next)
		}
		pipe.HSet(ctx, StepKey(step.Index), map[string]interface{}{
			"text": step.Text,
			"next": next,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed script: %w", err)
	}
	return nil
}
