package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/flowkit/wfengine/internal/domain"
	"github.com/flowkit/wfengine/internal/engine"
	"github.com/flowkit/wfengine/internal/infrastructure/config"
	"github.com/flowkit/wfengine/internal/infrastructure/logger"
	"github.com/flowkit/wfengine/internal/infrastructure/statestore"
	"github.com/flowkit/wfengine/internal/node"
	"github.com/flowkit/wfengine/internal/parser"
	"github.com/flowkit/wfengine/pkg/reference"
)

func main() {
	var (
		workflowPath = flag.String("workflow", "", "path to a workflow document (JSON); reads stdin if omitted")
		openAIAPIKey = flag.String("openai-api-key", os.Getenv("OPENAI_API_KEY"), "default API key for the llm-completion node")
	)
	flag.Parse()

	cfg := config.Load()
	logger.Setup(cfg.LogLevel)

	doc, err := loadDocument(*workflowPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load workflow document")
	}

	registry := node.NewRegistry()
	if err := reference.RegisterDefaults(registry, *openAIAPIKey); err != nil {
		log.Fatal().Err(err).Msg("failed to register reference nodes")
	}

	p := parser.New(registry)
	workflow, result, err := p.Parse(doc)
	if err != nil {
		for _, issue := range result.Issues {
			log.Error().Str("path", issue.Path).Str("code", issue.Code).Str("severity", string(issue.Severity)).
				Msg(issue.Message)
		}
		log.Fatal().Err(err).Msg("workflow failed validation")
	}

	sink := statestore.NewMemoryStateStore()
	if cfg.DatabaseDSN != "" {
		pg := statestore.NewPostgresStateStore(cfg.DatabaseDSN)
		ctx := context.Background()
		if err := pg.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize state store schema")
		}
		defer pg.Close()
		runEngine(workflow, registry, cfg, pg)
		return
	}

	runEngine(workflow, registry, cfg, sink)
}

func runEngine(workflow *domain.ParsedWorkflow, registry *node.Registry, cfg *config.Config, sink engine.ResultSink) {
	eng := engine.New(registry,
		engine.WithMaxLoopIterations(cfg.MaxLoopIterations),
		engine.WithDefaultTimeout(cfg.DefaultTimeout),
		engine.WithMaxStateSizeBytes(cfg.MaxStateSizeBytes),
		engine.WithMaxNodeExecutions(cfg.MaxNodeExecutions),
		engine.WithStateRetention(cfg.StateRetention),
		engine.WithResultSink(sink),
	)

	result := eng.ExecuteSync(context.Background(), workflow, nil)
	log.Info().Msg(engine.FormatMetrics(result))

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to marshal execution result")
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))

	if result.Status == domain.ExecutionStatusFailed {
		os.Exit(1)
	}
}

func loadDocument(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = readAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func readAll(f *os.File) ([]byte, error) {
	return io.ReadAll(f)
}
