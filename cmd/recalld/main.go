package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/capability/ollama"
	"github.com/aschepis/backscratcher/recall/capability/openai"
	"github.com/aschepis/backscratcher/recall/config"
	"github.com/aschepis/backscratcher/recall/extract"
	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/integrate"
	recalllogger "github.com/aschepis/backscratcher/recall/logger"
	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/migrations"
	"github.com/aschepis/backscratcher/recall/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logFile = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty  = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath  = flag.String("db", "", "Path to SQLite database file (overrides config)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	logger, err := recalllogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	configPath := config.GetServerConfigPath()
	appConfig, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		appConfig.Database = *dbPath
	}

	logger.Info().
		Str("db", appConfig.Database).
		Str("embedding_provider", appConfig.EmbeddingProvider).
		Msg("recalld starting")

	// ---------------------------
	// 1. Open SQLite + document store
	// ---------------------------

	db, err := sql.Open("sqlite3", appConfig.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, appConfig.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := memory.NewStore(db, logger)

	// ---------------------------
	// 2. Model capabilities
	// ---------------------------

	var oaiClient *openai.Client
	if appConfig.OpenAI.APIKey != "" {
		oaiClient = openai.NewClient(appConfig.OpenAI.APIKey, appConfig.OpenAI.BaseURL,
			openai.WithChatModel(appConfig.OpenAI.ChatModel),
			openai.WithEmbeddingModel(appConfig.OpenAI.EmbeddingModel),
		)
	}

	var embedder capability.Embedder
	switch appConfig.EmbeddingProvider {
	case "ollama":
		embedder, err = ollama.NewEmbedder(appConfig.Ollama.Host, ollama.Model(appConfig.Ollama.EmbedModel))
		if err != nil {
			return fmt.Errorf("failed to create ollama embedder: %w", err)
		}
	case "openai":
		if oaiClient == nil {
			return fmt.Errorf("embedding_provider is openai but openai.api_key is not set")
		}
		embedder = oaiClient
	default:
		return fmt.Errorf("unknown embedding provider %q", appConfig.EmbeddingProvider)
	}

	cached, err := capability.NewCachedEmbedder(embedder, appConfig.EmbeddingCache)
	if err != nil {
		return fmt.Errorf("failed to create embedding cache: %w", err)
	}
	defer cached.Close()

	if oaiClient == nil {
		return fmt.Errorf("missing openai.api_key (or OPENAI_API_KEY): extraction requires a chat model")
	}
	var generator capability.Generator = oaiClient

	// ---------------------------
	// 3. Pipeline wiring
	// ---------------------------

	keyword := index.NewKeywordIndex(db, logger)
	vector, err := index.NewPersistentVectorIndex(appConfig.VectorPath, cached, logger)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	writer := index.NewWriter(store, keyword, vector, logger)
	extractor := extract.NewExtractor(generator, logger)
	integrator := integrate.NewIntegrator(store, cached, appConfig.Integrate, logger)

	pipeline, err := runtime.NewPipeline(store, extractor, integrator, writer, appConfig.Pipeline, logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	// ---------------------------
	// 4. Run until signalled
	// ---------------------------

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()
	go pipeline.Start(pipelineCtx)
	logger.Info().Msg("Background pipeline started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancelPipeline()

	logger.Info().Msg("recalld shutdown complete")
	return nil
}
