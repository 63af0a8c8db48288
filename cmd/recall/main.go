// Command recall is the local client for the memory daemon's database:
// store messages, run searches and agentic recall, inspect profiles and
// pipeline status, and drive the pipeline by hand when recalld is not
// running.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/capability/ollama"
	"github.com/aschepis/backscratcher/recall/capability/openai"
	"github.com/aschepis/backscratcher/recall/config"
	"github.com/aschepis/backscratcher/recall/extract"
	"github.com/aschepis/backscratcher/recall/index"
	"github.com/aschepis/backscratcher/recall/integrate"
	"github.com/aschepis/backscratcher/recall/memory"
	"github.com/aschepis/backscratcher/recall/migrations"
	"github.com/aschepis/backscratcher/recall/runtime"
	"github.com/aschepis/backscratcher/recall/search"
	"github.com/aschepis/backscratcher/recall/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recall <command> [flags] [args]

Commands:
  store    -user <id> [-group <id>] [-id <msg-id>] <message text>
  search   -user <id> [-group <id> -shared] [-source episode|fact|profile] [-mode rrf|bm25-lightweight|rerank] [-limit n] <query>
  recall   -user <id> [-group <id> -shared] [-mode rrf|rerank] [-limit n] <query>
  profile  -user <id>
  delete   -by <requester> (-cell <id> | -user <id> | -group <id>)
  status   <message-id>
  tick     process due messages once (when recalld is not running)
`)
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return errors.New("missing command")
	}

	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "store":
		return runStore(args)
	case "search":
		return runSearch(args)
	case "recall":
		return runRecall(args)
	case "profile":
		return runProfile(args)
	case "delete":
		return runDelete(args)
	case "status":
		return runStatus(args)
	case "tick":
		return runTick(args)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app holds everything a subcommand can need. Model capabilities are built
// lazily so commands that never call a model work without credentials.
type app struct {
	cfg    *config.ServerConfig
	db     *sql.DB
	store  *memory.Store
	logger zerolog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.LoadServerConfig(config.GetServerConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	db, err := sql.Open("sqlite3", cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.RunMigrations(db, cfg.MigrationsPath, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &app{
		cfg:    cfg,
		db:     db,
		store:  memory.NewStore(db, logger),
		logger: logger,
	}, nil
}

func (a *app) close() {
	_ = a.db.Close()
}

// capabilities builds the configured embedder (cached) and the OpenAI client
// used for generation and reranking.
func (a *app) capabilities() (*capability.CachedEmbedder, *openai.Client, error) {
	var oaiClient *openai.Client
	if a.cfg.OpenAI.APIKey != "" {
		oaiClient = openai.NewClient(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BaseURL,
			openai.WithChatModel(a.cfg.OpenAI.ChatModel),
			openai.WithEmbeddingModel(a.cfg.OpenAI.EmbeddingModel),
		)
	}

	var embedder capability.Embedder
	switch a.cfg.EmbeddingProvider {
	case "ollama":
		var err error
		embedder, err = ollama.NewEmbedder(a.cfg.Ollama.Host, ollama.Model(a.cfg.Ollama.EmbedModel))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ollama embedder: %w", err)
		}
	case "openai":
		if oaiClient == nil {
			return nil, nil, fmt.Errorf("embedding_provider is openai but openai.api_key is not set")
		}
		embedder = oaiClient
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", a.cfg.EmbeddingProvider)
	}

	cached, err := capability.NewCachedEmbedder(embedder, a.cfg.EmbeddingCache)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return cached, oaiClient, nil
}

// retrieval wires the search stack over the shared database and the
// persistent vector store.
func (a *app) retrieval() (*service.Service, *capability.CachedEmbedder, error) {
	cached, oaiClient, err := a.capabilities()
	if err != nil {
		return nil, nil, err
	}
	keyword := index.NewKeywordIndex(a.db, a.logger)
	vector, err := index.NewPersistentVectorIndex(a.cfg.VectorPath, cached, a.logger)
	if err != nil {
		cached.Close()
		return nil, nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	var reranker capability.Reranker
	var generator capability.Generator
	if oaiClient != nil {
		reranker = oaiClient
		generator = oaiClient
	}
	orch := search.NewOrchestrator(a.store, keyword, vector, reranker, a.cfg.Search, a.logger)
	recaller := search.NewRecaller(orch, generator, a.cfg.Recall, a.logger)
	writer := index.NewWriter(a.store, keyword, vector, a.logger)
	return service.New(a.store, orch, recaller, writer, a.logger), cached, nil
}

func runStore(args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	user := fs.String("user", "", "Sender user id (required)")
	group := fs.String("group", "", "Group id for shared conversations")
	msgID := fs.String("id", "", "Message id (defaults to a random UUID)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	if *user == "" || content == "" {
		return errors.New("store requires -user and the message text")
	}
	if *msgID == "" {
		*msgID = uuid.NewString()
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	svc := service.New(a.store, nil, nil, nil, a.logger)
	receipt, err := svc.StoreMessage(context.Background(), memory.Message{
		ID:         *msgID,
		CreateTime: time.Now(),
		Sender:     *user,
		Content:    content,
		GroupID:    *group,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", receipt.Status, receipt.MessageID)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	user := fs.String("user", "", "User id (required)")
	group := fs.String("group", "", "Group id")
	shared := fs.Bool("shared", false, "Search group-shared memory instead of personal")
	source := fs.String("source", "", "Data source: episode, fact, or profile")
	mode := fs.String("mode", "", "Retrieval mode: rrf, bm25-lightweight, or rerank")
	limit := fs.Int("limit", 10, "Maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if *user == "" || query == "" {
		return errors.New("search requires -user and a query")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	svc, cached, err := a.retrieval()
	if err != nil {
		return err
	}
	defer cached.Close()

	req := service.SearchRequest{
		Query:      query,
		UserID:     *user,
		GroupID:    *group,
		DataSource: service.DataSource(*source),
		Mode:       *mode,
		Limit:      *limit,
	}
	if *shared {
		req.MemoryScope = service.MemoryScopeShared
	}
	set, err := svc.Search(context.Background(), req)
	if err != nil {
		return err
	}
	printResults(set.Results)
	for _, d := range set.Degraded {
		fmt.Fprintf(os.Stderr, "degraded: %s\n", d)
	}
	return nil
}

func runRecall(args []string) error {
	fs := flag.NewFlagSet("recall", flag.ExitOnError)
	user := fs.String("user", "", "User id (required)")
	group := fs.String("group", "", "Group id")
	shared := fs.Bool("shared", false, "Recall from group-shared memory")
	mode := fs.String("mode", "", "Retrieval mode: rrf or rerank")
	limit := fs.Int("limit", 10, "Maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if *user == "" || query == "" {
		return errors.New("recall requires -user and a query")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	svc, cached, err := a.retrieval()
	if err != nil {
		return err
	}
	defer cached.Close()

	req := service.RecallRequest{
		Query:   query,
		UserID:  *user,
		GroupID: *group,
		Mode:    *mode,
		Limit:   *limit,
	}
	if *shared {
		req.MemoryScope = service.MemoryScopeShared
	}
	res, err := svc.Recall(context.Background(), req)
	if err != nil {
		return err
	}

	for i, round := range res.Trace.Rounds {
		fmt.Fprintf(os.Stderr, "round %d: %q -> %d new\n", i+1, round.Query, round.NewResults)
	}
	fmt.Fprintf(os.Stderr, "stopped by: %s\n", res.Trace.StoppedBy)
	printResults(res.Results)
	return nil
}

func runProfile(args []string) error {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	user := fs.String("user", "", "User id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("profile requires -user")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	svc := service.New(a.store, nil, nil, nil, a.logger)
	entries, err := svc.Profile(context.Background(), *user)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%.2f\t%s\n", e.Key, e.Value, e.Confidence, e.ObservedAt.Format(time.RFC3339))
	}
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	by := fs.String("by", "", "Who requested the deletion (required, recorded for audit)")
	cell := fs.String("cell", "", "Delete a single memory cell by id")
	user := fs.String("user", "", "Delete all personal cells of a user")
	group := fs.String("group", "", "Delete all shared cells of a group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *by == "" {
		return errors.New("delete requires -by")
	}
	targets := 0
	for _, t := range []string{*cell, *user, *group} {
		if t != "" {
			targets++
		}
	}
	if targets != 1 {
		return errors.New("delete requires exactly one of -cell, -user, or -group")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Deletion only removes index entries; it never embeds, so no model
	// capabilities are needed.
	keyword := index.NewKeywordIndex(a.db, a.logger)
	vector, err := index.NewPersistentVectorIndex(a.cfg.VectorPath, nil, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	writer := index.NewWriter(a.store, keyword, vector, a.logger)
	svc := service.New(a.store, nil, nil, writer, a.logger)

	ctx := context.Background()
	switch {
	case *cell != "":
		if err := svc.DeleteMemCell(ctx, *cell, *by); err != nil {
			return err
		}
		fmt.Printf("deleted\t%s\n", *cell)
	case *user != "":
		n, err := svc.DeleteMemCellsByUser(ctx, *user, *by)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d cells for user %s\n", n, *user)
	default:
		n, err := svc.DeleteMemCellsByGroup(ctx, *group, *by)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d cells for group %s\n", n, *group)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("status requires exactly one message id")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	svc := service.New(a.store, nil, nil, nil, a.logger)
	state, err := svc.Status(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("status=%s attempts=%d indexed=%t\n", state.Status, state.Attempts, state.Indexed)
	if state.LastError != "" {
		fmt.Printf("last error: %s\n", state.LastError)
	}
	return nil
}

func runTick(args []string) error {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	cached, oaiClient, err := a.capabilities()
	if err != nil {
		return err
	}
	defer cached.Close()
	if oaiClient == nil {
		return errors.New("missing openai.api_key (or OPENAI_API_KEY): extraction requires a chat model")
	}

	keyword := index.NewKeywordIndex(a.db, a.logger)
	vector, err := index.NewPersistentVectorIndex(a.cfg.VectorPath, cached, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	writer := index.NewWriter(a.store, keyword, vector, a.logger)
	extractor := extract.NewExtractor(oaiClient, a.logger)
	integrator := integrate.NewIntegrator(a.store, cached, a.cfg.Integrate, a.logger)
	pipeline, err := runtime.NewPipeline(a.store, extractor, integrator, writer, a.cfg.Pipeline, a.logger)
	if err != nil {
		return err
	}

	pipeline.Tick(context.Background())
	fmt.Println("tick complete")
	return nil
}

func printResults(results []search.Result) {
	for i, r := range results {
		fmt.Printf("%2d. [%.4f] (%s) %s\n", i+1, r.Score, r.Kind, r.Content)
		if len(r.MessageIDs) > 0 {
			fmt.Printf("      from: %s\n", strings.Join(r.MessageIDs, ", "))
		}
	}
}
