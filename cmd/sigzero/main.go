package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"signalzero/internal/config"
	"signalzero/internal/embedding"
	"signalzero/internal/logging"
	"signalzero/internal/loop"
	"signalzero/internal/model"
	"signalzero/internal/prompt"
	"signalzero/internal/server"
	"signalzero/internal/store"
	"signalzero/internal/symsync"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sigzero",
	Short: "SignalZero - bounded recursive reasoning engine",
	Long: `SignalZero runs user queries through a bounded recursive phase loop:
each phase calls the model once, applies the structured commands it emits
against a shared symbol catalog, and routes to the next phase until the
session terminates.

The catalog, embedding index, and session ledgers live in local SQLite.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Run one query through the phase loop and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull symbols from the external managed store",
	RunE:  runSync,
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "List symbols in the local catalog",
	RunE:  runSymbols,
}

var (
	sessionID    string
	symbolDomain string
	symbolTag    string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sigzero.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")

	queryCmd.Flags().StringVar(&sessionID, "session", "", "Session id (generated when empty)")
	syncCmd.Flags().StringVar(&symbolDomain, "domain", "", "Restrict sync to a symbol domain")
	syncCmd.Flags().StringVar(&symbolTag, "tag", "", "Restrict sync to a symbol tag")
	symbolsCmd.Flags().StringVar(&symbolDomain, "domain", "", "Filter by symbol domain")
	symbolsCmd.Flags().StringVar(&symbolTag, "tag", "", "Filter by symbol tag")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(symbolsCmd)
}

// engine bundles everything a command needs after bootstrap.
type engine struct {
	cfg    *config.Config
	store  *store.LocalStore
	router *loop.Router
	sync   *symsync.Client
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// bootstrap loads configuration and wires the full engine: embedding
// index, catalog store, seeds, phase templates, and the model client.
func bootstrap(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	eng, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	index := embedding.NewIndex(eng)

	st, err := store.NewLocalStore(cfg.Store.DatabasePath, index)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol store: %w", err)
	}

	if err := st.LoadSeeds(ctx, store.SeedPaths{
		Symbols:  cfg.Seeds.SymbolCatalogPath,
		Kits:     cfg.Seeds.KitCatalogPath,
		Personas: cfg.Seeds.AgentCatalogPath,
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load seed catalogs: %w", err)
	}

	texts, err := st.EmbeddingTexts()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to snapshot catalog for indexing: %w", err)
	}
	if err := index.Rebuild(ctx, texts); err != nil {
		logger.Warn("embedding index rebuild failed, similarity search degraded", zap.Error(err))
	}

	phases, err := prompt.LoadPhases(cfg.Prompts.PhaseDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load phase catalog: %w", err)
	}
	preamble, err := prompt.LoadShared(cfg.Prompts.SharedDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load shared prompts: %w", err)
	}

	client, err := model.NewClient(cfg.Model, cfg.GetModelTimeout())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	var syncClient *symsync.Client
	if cfg.Sync.BaseURL != "" {
		syncClient = symsync.NewClient(cfg.Sync.BaseURL, cfg.GetSyncTimeout())
	}

	logger.Info("engine ready",
		zap.Int("phases", len(phases)),
		zap.String("model", client.Name()),
		zap.String("embedding", eng.Name()),
		zap.String("db", cfg.Store.DatabasePath))

	return &engine{
		cfg:    cfg,
		store:  st,
		router: loop.NewRouter(cfg, prompt.NewCatalog(phases), st, client, preamble),
		sync:   syncClient,
	}, nil
}

func embeddingConfig(cfg *config.Config) embedding.Config {
	return embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	srv := server.New(eng.cfg, eng.store, eng.router, eng.sync)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	logger.Info("serving", zap.String("addr", eng.cfg.Server.Addr))
	return g.Wait()
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	query := ""
	for i, arg := range args {
		if i > 0 {
			query += " "
		}
		query += arg
	}

	ledger, err := eng.router.Run(ctx, sessionID, query)
	if err != nil {
		return err
	}

	fmt.Println(ledger.Reply)
	logger.Info("session complete",
		zap.String("session", ledger.SessionID),
		zap.String("reason", ledger.Reason),
		zap.Int("phases", len(ledger.Phases)),
		zap.Strings("symbols_used", ledger.SymbolsUsed))
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if eng.sync == nil {
		return fmt.Errorf("no external symbol store configured (set sync.base_url or SYMBOL_STORE_URL)")
	}

	result, err := symsync.Sync(ctx, eng.sync, eng.store, symsync.QueryOptions{
		Domain: symbolDomain,
		Tag:    symbolTag,
		Limit:  eng.cfg.Sync.PageLimit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("synced %d symbols over %d pages (%d new, %d updated)\n",
		result.Fetched, result.Pages, result.New, result.Updated)
	return nil
}

func runSymbols(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	symbols, err := eng.store.ListSymbols(store.ListOptions{
		Domain: symbolDomain,
		Tag:    symbolTag,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(symbols, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
