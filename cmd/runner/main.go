package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fenwick/pipelinerunner/internal/config"
	"github.com/fenwick/pipelinerunner/internal/handlers/echo"
	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/modelevents"
	"github.com/fenwick/pipelinerunner/internal/notify"
	"github.com/fenwick/pipelinerunner/internal/pipeline"
	"github.com/fenwick/pipelinerunner/internal/stage"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
	"github.com/fenwick/pipelinerunner/internal/supervisor"
	"github.com/fenwick/pipelinerunner/internal/tracing"
)

func main() {
	cfg := config.Load(nil)

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("component", "runner")

	jobID, seedPath, definitionPath := parseFlags(cfg)

	ctx := context.Background()
	shutdownTracing := tracing.Init(ctx, log, tracing.Options{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "pipelinerunner",
	})
	defer func() { _ = shutdownTracing(ctx) }()

	redisNotifier, err := notify.New(cfg.RedisAddr, cfg.RedisChannel, log)
	if err != nil {
		log.Warn("redis notifier unavailable, continuing without it", "error", err)
		redisNotifier = nil
	}
	if redisNotifier != nil {
		defer redisNotifier.Close()
	}

	writer := statuswriter.New(log, redisNotifier)
	bus := modelevents.NewBus()
	scheduler := stage.New(writer, bus, log)

	def, err := pipeline.Load(definitionPath)
	if err != nil {
		log.Error("failed to load pipeline definition", "path", definitionPath, "error", err)
		os.Exit(1)
	}

	registry := pipeline.NewRegistry()
	if err := registry.Register(echo.New()); err != nil {
		log.Error("failed to register default handlers", "error", err)
		os.Exit(1)
	}

	sv, err := supervisor.New(writer, scheduler, registry, def, cfg.CurrentDir, cfg.CompleteDir, cfg.RejectedDir, log)
	if err != nil {
		log.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	seed, err := loadSeed(seedPath)
	if err != nil {
		log.Error("failed to load seed", "path", seedPath, "error", err)
		os.Exit(1)
	}

	code := sv.Run(ctx, supervisor.RunInput{JobID: jobID, Seed: seed})
	os.Exit(code)
}

func loadSeed(path string) (any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed any
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, err
	}
	return seed, nil
}
