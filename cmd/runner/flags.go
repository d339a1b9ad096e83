package main

import (
	"flag"

	"github.com/google/uuid"

	"github.com/fenwick/pipelinerunner/internal/config"
)

// parseFlags reads the CLI flags for a single supervisor run. --job-id
// defaults to a fresh UUID so `go run ./cmd/runner` works without any flags
// against an empty job directory.
func parseFlags(cfg config.Config) (jobID, seedPath, definitionPath string) {
	jobIDFlag := flag.String("job-id", "", "job id to run (defaults to a new UUID)")
	seedFlag := flag.String("seed", "", "path to a JSON file used as the job seed (defaults to {})")
	defFlag := flag.String("definition", cfg.DefinitionPath, "path to the pipeline definition YAML file")
	flag.Parse()

	jobID = *jobIDFlag
	if jobID == "" {
		jobID = uuid.NewString()
	}
	return jobID, *seedFlag, *defFlag
}
