package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/greettech/recruitcall/internal/config"
	"github.com/greettech/recruitcall/internal/script"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	file := flag.String("file", "", "JSON file with [{index, text, next}] steps (default: built-in script)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	steps := script.DefaultSteps
	if *file != "" {
		steps, err = readSteps(*file)
		if err != nil {
			log.Fatal().Err(err).Str("file", *file).Msg("failed to read steps")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := script.Seed(ctx, client, steps); err != nil {
		log.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("failed to seed script")
	}

	// read back through the repository so a bad seed fails here
	loaded, err := script.NewRedisRepository(client, cfg.ScriptMaxSteps, log.Logger).Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("seeded script does not load")
	}

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Int("written", len(steps)).
		Int("loaded", loaded.Len()).
		Msg("script seeded")
}

func readSteps(path string) ([]types.ScriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []types.ScriptStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps in %s", path)
	}
	return steps, nil
}
