// quarry server — indexes the configured workspace and serves the
// read-only code-analysis API over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/api"
	"github.com/quarrylab/quarry/pkg/cleanup"
	"github.com/quarrylab/quarry/pkg/config"
	"github.com/quarrylab/quarry/pkg/database"
	"github.com/quarrylab/quarry/pkg/events"
	"github.com/quarrylab/quarry/pkg/index"
	"github.com/quarrylab/quarry/pkg/lang"
	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/pipeline"
	"github.com/quarrylab/quarry/pkg/prompt"
	"github.com/quarrylab/quarry/pkg/service"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/pkg/tools"
	"github.com/quarrylab/quarry/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// langRegistry resolves the enabled languages: an explicit config list wins,
// otherwise marker files in the workspace root decide.
func langRegistry(cfg *config.Config) *lang.Registry {
	if len(cfg.Workspace.Languages) > 0 {
		ids := make([]lang.ID, 0, len(cfg.Workspace.Languages))
		for _, name := range cfg.Workspace.Languages {
			id := lang.ID(name)
			if !lang.Known(id) {
				slog.Warn("Ignoring unknown language in config", "language", name)
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			return lang.NewRegistry(ids...)
		}
	}

	detected := lang.DetectRepoLanguages(cfg.Workspace.Root)
	if len(detected) > 0 {
		slog.Info("Detected workspace languages", "languages", detected)
		return lang.NewRegistry(detected...)
	}
	slog.Info("No language markers found, enabling all supported languages")
	return lang.NewRegistry()
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; a missing file is fine in
	// environments that inject real env vars.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting quarry",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Workspace, language registry and storage adapters
	langs := langRegistry(cfg)

	workspace, err := storage.NewLocalWorkspace(cfg.Workspace.Root, langs)
	if err != nil {
		slog.Error("Failed to open workspace", "root", cfg.Workspace.Root, "error", err)
		os.Exit(1)
	}

	symbols := storage.NewPostgresSymbolIndex(dbClient.DB())
	sessions := storage.NewPostgresSessionStore(dbClient.DB())
	eventStore := storage.NewPostgresEventStore(dbClient.DB())
	explanations := storage.NewPostgresExplanationCache(dbClient.DB())
	git := storage.NewExecGit(cfg.Workspace.Root)

	vectors, err := storage.NewChromemIndex(cfg.Index.PersistDir, cfg.LLM.EmbeddingDims)
	if err != nil {
		slog.Error("Failed to open vector index", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := vectors.Close(); err != nil {
			slog.Error("Error persisting vector index", "error", err)
		}
	}()

	// 4. LLM client and embedder
	llmConfig := llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         os.Getenv(cfg.LLM.APIKeyEnv),
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbeddingDims:  cfg.LLM.EmbeddingDims,
	}
	llmClient, err := llm.NewOpenAIClient(llmConfig)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	embedder, err := llm.NewOpenAIEmbedder(llmConfig)
	if err != nil {
		slog.Error("Failed to initialize embedder", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	// 5. Index reconciliation. On a warm index this is a cheap
	// fingerprint walk; a cold or forced run embeds everything.
	scanner := index.New(workspace, symbols, vectors, embedder, langs)
	empty, err := scanner.Empty(ctx)
	if err != nil {
		slog.Error("Failed to inspect symbol index", "error", err)
		os.Exit(1)
	}
	if empty || cfg.Index.ReindexOnStart {
		report, err := scanner.Run(ctx)
		if err != nil {
			slog.Error("Workspace indexing failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Workspace indexed",
			"scanned", report.Scanned,
			"indexed", report.Indexed,
			"skipped", report.Skipped,
			"removed", report.Removed,
			"symbols", report.Symbols,
			"duration", report.Duration)
	}

	// 6. Accounting, tools, prompts and the stage pipeline
	tracker := accounting.NewTracker(cfg.Bounds)
	estimator := accounting.NewEstimator()

	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterAll(toolRegistry, tools.Deps{
		Workspace: workspace,
		Symbols:   symbols,
		Vectors:   vectors,
		Embedder:  embedder,
		Git:       git,
		Estimator: estimator,
		Bounds:    cfg.Bounds,
	}); err != nil {
		slog.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}
	toolRegistry.Freeze()

	prompts, err := prompt.NewDefaultRegistry()
	if err != nil {
		slog.Error("Failed to build prompt registry", "error", err)
		os.Exit(1)
	}

	deps := pipeline.Deps{
		LLM:          llm.NewMetered(llmClient, tracker),
		Prompts:      prompts,
		Tools:        toolRegistry,
		Accountant:   tracker,
		Bounds:       cfg.Bounds,
		Estimator:    estimator,
		Sessions:     sessions,
		Explanations: explanations,
	}
	runtime := pipeline.NewRuntime(pipeline.DefaultStages(deps), deps)
	slog.Info("Pipeline initialized")

	// 7. Event streaming infrastructure
	publisher := events.NewPublisher(dbClient.DB())
	connManager := events.NewConnectionManager(events.NewStoreCatchup(eventStore))

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)

	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 8. Retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, explanations, eventStore, sessions)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 9. Service façade and HTTP server
	svc := service.New(runtime, publisher, sessions, tracker)
	server := api.NewServer(svc, dbClient.DB(), eventStore, connManager, cfg.Server.AllowedWSOrigins)

	httpServer := &http.Server{
		Addr:    ":" + getEnv("HTTP_PORT", strconv.Itoa(cfg.Server.Port)),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("quarry started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop admitting HTTP work first, then tear
	// down the streaming and background services.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
