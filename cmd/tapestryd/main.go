// tapestryd runs the archive ingestion facade's HTTP surface alongside
// the persisted-batch runner and the superseded-memory cleanup loop.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/batch/memories"
	"github.com/codeready-toolchain/tapestry/pkg/batch/refinement"
	"github.com/codeready-toolchain/tapestry/pkg/cleanup"
	"github.com/codeready-toolchain/tapestry/pkg/config"
	"github.com/codeready-toolchain/tapestry/pkg/database"
	"github.com/codeready-toolchain/tapestry/pkg/facade"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob/openaibatch"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob/syncjob"
	"github.com/codeready-toolchain/tapestry/pkg/pipe"
	"github.com/codeready-toolchain/tapestry/pkg/queue"
	"github.com/codeready-toolchain/tapestry/pkg/store"
	"github.com/codeready-toolchain/tapestry/pkg/store/entstore"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "debug")
	gin.SetMode(ginMode)

	log.Printf("Starting tapestryd")
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("connected to PostgreSQL database")

	st := entstore.New(dbClient.Client, dbClient.DB())

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		log.Fatalf("Failed to build LLM job client: %v", err)
	}

	windowCfg, err := batch.NewWindowConfig(defaultOr(cfg.Defaults.WindowDays, 30), defaultOr(cfg.Defaults.OverlapDays, 5))
	if err != nil {
		log.Fatalf("Invalid window configuration: %v", err)
	}
	discovery := resolveDiscoveryParams(cfg)

	// Concrete provider pipes (ChatGPT, Instagram, ...) are out of this
	// module's scope (archive parsing, spec.md §1's explicit non-goal);
	// a deployment registers them here before Start.
	pipes := pipe.NewRegistry()

	// At most one ingestion pipeline runs at a time process-wide, enforced
	// via a Postgres advisory lock rather than in-process state so it
	// still holds across multiple tapestryd replicas sharing one database.
	runPolicy := batch.NewAdvisoryLockRunPolicy(database.NewAdvisoryLock(dbClient.DB()), "tapestry-ingest")

	f := facade.New(st, pipes, nil, llmClient, windowCfg, func() string { return uuid.NewString() }, runPolicy)

	factories := map[string]queue.ManagerFactory{
		memories.Category: func(batchID string) (queue.Manager, error) {
			return queue.AdaptBatchManager(memories.NewManager(st, llmClient, batchID, windowCfg, threadText(st), func() string { return uuid.NewString() })), nil
		},
		refinement.Category: func(batchID string) (queue.Manager, error) {
			return queue.AdaptBatchManager(refinement.NewManager(st, llmClient, batchID, discovery, func() string { return uuid.NewString() })), nil
		},
	}

	runner := queue.NewRunner(st, cfg.Runner, factories)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start batch runner: %v", err)
	}
	defer runner.Stop()

	cleanupSvc := cleanup.NewService(cfg.Retention, st)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// Memory generation batches are seeded by a facade ingest call;
	// refinement batches have no equivalent caller, so this periodic
	// sweep is refinement's only trigger.
	refinementTrigger := refinement.NewTrigger(refinement.NewFactory(st, func() string { return uuid.NewString() }), runner, cfg.Runner.RefinementInterval)
	refinementTrigger.Start(ctx)
	defer refinementTrigger.Stop()

	log.Println("batch runner, cleanup service and refinement trigger started")

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		runnerHealth := runner.Health()

		status := http.StatusOK
		if err != nil || !runnerHealth.IsHealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":   statusString(status),
			"database": dbHealth,
			"runner":   runnerHealth,
		})
	})

	router.POST("/archives/:id/ingest", func(c *gin.Context) {
		var req struct {
			Provider string   `json:"provider" binding:"required"`
			FileURIs []string `json:"file_uris" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := f.RunArchivePipeline(c.Request.Context(), c.Param("id"), req.Provider, req.FileURIs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
}

func statusString(httpStatus int) string {
	if httpStatus == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}

// buildLLMClient selects the async Batches API client or the eager
// sync fallback for the default configured pipe, per PipeConfig.Type.
func buildLLMClient(cfg *config.Config) (llmjob.JobClient, error) {
	name := cfg.Defaults.LLMProvider
	pc, err := cfg.GetPipe(name)
	if err != nil {
		return nil, err
	}

	apiKey := ""
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}

	switch pc.Type {
	case "openai_batch":
		return openaibatch.New(pc.BaseURL, apiKey, pc.Model, pc.EmbeddingModel), nil
	default:
		completer := syncjob.NewHTTPCompleter(pc.BaseURL, apiKey, pc.Model)
		embedder := syncjob.NewHTTPEmbedder(pc.BaseURL, apiKey, pc.EmbeddingModel)
		return syncjob.New(completer, embedder), nil
	}
}

func resolveDiscoveryParams(cfg *config.Config) refinement.DiscoveryParams {
	d := refinement.DefaultDiscoveryParams()
	if cfg.Defaults.Discovery == nil {
		return d
	}
	if v := cfg.Defaults.Discovery.DateProximityDays; v > 0 {
		d.DateProximityDays = v
	}
	if v := cfg.Defaults.Discovery.SimilarityThreshold; v > 0 {
		d.SimilarityThreshold = v
	}
	if v := cfg.Defaults.Discovery.MaxCandidatesPerSeed; v > 0 {
		d.MaxCandidatesPerSeed = v
	}
	return d
}

func defaultOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// threadText adapts store.Store.GetThread to the memories manager's
// prompt-building hook. A lookup failure yields an empty preview
// rather than aborting the whole batch transition.
func threadText(st store.Store) memories.ThreadTextFunc {
	return func(ctx context.Context, threadID string) (string, string) {
		t, err := st.GetThread(ctx, threadID)
		if err != nil {
			slog.Warn("thread lookup failed while building memory prompt", "thread_id", threadID, "error", err)
			return "", ""
		}
		return t.Preview, t.AssetURI
	}
}
