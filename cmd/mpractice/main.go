package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/config"
	"github.com/xxxsen/mpractice/internal/db"
	"github.com/xxxsen/mpractice/internal/embedcache"
	"github.com/xxxsen/mpractice/internal/filestore"
	"github.com/xxxsen/mpractice/internal/handler"
	"github.com/xxxsen/mpractice/internal/job"
	"github.com/xxxsen/mpractice/internal/metrics"
	"github.com/xxxsen/mpractice/internal/middleware"
	"github.com/xxxsen/mpractice/internal/model"
	"github.com/xxxsen/mpractice/internal/repo"
	"github.com/xxxsen/mpractice/internal/rerank"
	"github.com/xxxsen/mpractice/internal/retrieval"
	"github.com/xxxsen/mpractice/internal/schedule"
	"github.com/xxxsen/mpractice/internal/service"
)

const apiPrefix = "/api/v1"

func main() {
	var configPath string
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "mpractice",
		Short: "mpractice practice server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run mpractice server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, conn, err := bootstrap(cmd.Context(), configPath, envFile)
			if err != nil {
				return err
			}
			defer conn.Close()
			return runServer(cfg, conn)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	runCmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file with secrets referenced by the config")

	var ownerID, documentID string
	reingestCmd := &cobra.Command{
		Use:   "reingest",
		Short: "ingest a stored document again with its saved setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" || documentID == "" {
				return fmt.Errorf("--owner and --document are required")
			}
			cfg, conn, err := bootstrap(cmd.Context(), configPath, envFile)
			if err != nil {
				return err
			}
			defer conn.Close()
			a, err := buildApp(cfg, conn, nil)
			if err != nil {
				return err
			}
			doc, err := a.ingestion.Reingest(cmd.Context(), ownerID, documentID)
			if err != nil {
				return err
			}
			a.ingestion.Wait()
			logutil.GetLogger(cmd.Context()).Info("reingest finished",
				zap.String("source_document", documentID), zap.String("document_id", doc.ID))
			return nil
		},
	}
	reingestCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	reingestCmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file with secrets referenced by the config")
	reingestCmd.Flags().StringVar(&ownerID, "owner", "", "owner of the document")
	reingestCmd.Flags().StringVar(&documentID, "document", "", "document to ingest again")

	rootCmd.AddCommand(runCmd, reingestCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

// bootstrap loads config, starts logging and opens the migrated database.
func bootstrap(ctx context.Context, configPath, envFile string) (*config.Config, *sql.DB, error) {
	if configPath == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	if err := loadEnv(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(ctx).Info("config loaded", zap.String("config", configPath))

	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return cfg, conn, nil
}

// loadEnv reads an explicit env file, or ./.env when present.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

type app struct {
	ingestion *service.IngestionService
	titles    *service.TitleService
	turns     *service.TurnService
	fewShots  *service.FewShotService
	catalog   *service.Catalog
	docs      *repo.DocumentRepo
	cache     *repo.EmbeddingCacheRepo
}

func buildApp(cfg *config.Config, conn *sql.DB, m *metrics.Metrics) (*app, error) {
	docRepo := repo.NewDocumentRepo(conn)
	pageRepo := repo.NewPageRepo(conn)
	settingRepo := repo.NewSettingRepo(conn)
	chunkRepo := repo.NewChunkRepo(conn)
	sessionRepo := repo.NewSessionRepo(conn)
	responseRepo := repo.NewResponseRepo(conn)
	usageRepo := repo.NewUsageRepo(conn)
	fewShotRepo := repo.NewFewShotRepo(conn)
	cacheRepo := repo.NewEmbeddingCacheRepo(conn)

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return nil, fmt.Errorf("init file store: %w", err)
	}

	providers, err := service.BuildProviders(cfg.AI)
	if err != nil {
		return nil, err
	}
	catalog, err := service.NewCatalog(cfg.AI.Models, providers)
	if err != nil {
		return nil, fmt.Errorf("init model catalog: %w", err)
	}

	embedder, err := buildEmbedder(cfg.AI, cacheRepo, m)
	if err != nil {
		return nil, err
	}
	reranker := buildReranker(cfg.AI.Reranker, catalog, providers, m)
	engine := retrieval.NewEngine(chunkRepo, settingRepo, embedder, reranker, retrieval.Config{
		Defaults: model.SearchSetting{
			TopK:     cfg.Retrieval.TopK,
			MinScore: cfg.Retrieval.MinScore,
			Metric:   model.MetricCosine,
		},
		MaxContextChars: cfg.Retrieval.MaxContextChars,
	})

	usage := service.NewUsageRecorder(usageRepo, m)
	ingestion := service.NewIngestionService(docRepo, pageRepo, settingRepo, chunkRepo, store, embedder, usage, m, service.IngestionConfig{
		Defaults:          cfg.Ingestion,
		EmbeddingProvider: cfg.AI.Embedding.Provider,
		EmbeddingModel:    cfg.AI.Embedding.Model,
		EmbeddingPrice:    cfg.AI.Embedding.PricePer1K,
		MaxUploadBytes:    int64(cfg.Ingestion.MaxUploadMB) << 20,
	})
	titles := service.NewTitleService(sessionRepo, buildTitleGenerator(cfg.AI.Title, catalog), usage,
		time.Duration(cfg.AI.Title.TimeoutSeconds)*time.Second)
	runner := service.NewRunner(responseRepo, usage, titles, m)
	turns := service.NewTurnService(sessionRepo, responseRepo, docRepo, fewShotRepo, catalog, engine,
		runner, service.NewFanOut(runner, cfg.Turn.QueueSize), time.Duration(cfg.Turn.TimeoutSeconds)*time.Second)

	return &app{
		ingestion: ingestion,
		titles:    titles,
		turns:     turns,
		fewShots:  service.NewFewShotService(fewShotRepo),
		catalog:   catalog,
		docs:      docRepo,
		cache:     cacheRepo,
	}, nil
}

func runServer(cfg *config.Config, conn *sql.DB) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logutil.GetLogger(ctx)
	log.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.Int("models", len(cfg.AI.Models)),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	a, err := buildApp(cfg, conn, m)
	if err != nil {
		return err
	}

	scheduler := schedule.NewCronScheduler(m.JobRun)
	if err := scheduler.AddJob(job.NewStaleIngestionJob(a.docs,
		time.Duration(cfg.Jobs.StaleIngestionMinutes)*time.Minute, m.IngestionFinished), cfg.Jobs.StaleIngestionSpec); err != nil {
		return fmt.Errorf("schedule stale ingestion sweep: %w", err)
	}
	if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(a.cache, cfg.Jobs.EmbeddingCacheMaxAgeDays), cfg.Jobs.EmbeddingCacheSpec); err != nil {
		return fmt.Errorf("schedule embedding cache cleanup: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Documents:     handler.NewDocumentHandler(a.ingestion, int64(cfg.Ingestion.MaxUploadMB)<<20),
		Practice:      handler.NewPracticeHandler(a.turns, a.catalog.Names),
		FewShots:      handler.NewFewShotHandler(a.fewShots),
		JWTSecret:     []byte(cfg.JWTSecret),
		TurnRateLimit: time.Duration(cfg.Turn.RateLimitSeconds) * time.Second,
	}
	if m != nil {
		deps.Metrics = m.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		apiPrefix,
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{apiPrefix + "/turns/stream"})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	log.Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server stopping, waiting for background work")
	a.ingestion.Wait()
	a.titles.Wait()
	return nil
}

func buildEmbedder(cfg config.AIConfig, cache embedcache.IStore, m *metrics.Metrics) (*ai.BatchEmbedder, error) {
	pc, ok := cfg.FindProvider(cfg.Embedding.Provider)
	if !ok {
		return nil, fmt.Errorf("embedding provider %q is not configured", cfg.Embedding.Provider)
	}
	client, err := ai.EmbedClients().Get(ai.ProviderSpec{Type: pc.Type, Args: pc.Data}, cfg.Embedding.Model, model.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("init embedding client: %w", err)
	}
	client = embedcache.WrapDB(client, cache)
	client = embedcache.WrapLRU(client, cfg.Embedding.CacheSize, time.Duration(cfg.Embedding.CacheTTLMinutes)*time.Minute)
	return ai.NewBatchEmbedder(client,
		ai.WithBatchSize(cfg.Embedding.BatchSize),
		ai.WithRateLimit(cfg.Embedding.RequestsPerSecond),
		ai.WithDimension(model.EmbeddingDim),
		ai.WithBatchHook(func(modelName string, _ int) {
			m.EmbeddingBatch(modelName)
		}),
	), nil
}

// buildReranker wires the cross-encoder when an endpoint is set and the LLM
// judge always. Judge models come from the catalog first, then from the
// dedicated judge provider account.
func buildReranker(cfg config.RerankerConfig, catalog *service.Catalog, providers map[string]ai.IProvider, m *metrics.Metrics) *rerank.Reranker {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	judgeProvider := providers[strings.ToLower(cfg.JudgeProvider)]
	resolve := func(name string) (ai.IChatModel, error) {
		if chat, err := catalog.ChatModel(name); err == nil {
			return chat, nil
		}
		if judgeProvider == nil {
			return nil, fmt.Errorf("no provider for judge model %s", name)
		}
		return ai.NewChatModel(judgeProvider, name), nil
	}
	opts := []rerank.Option{
		rerank.WithJudge(rerank.NewJudge(resolve)),
		rerank.WithFailureHook(m.RerankFailure),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, rerank.WithCrossEncoder(rerank.NewCrossEncoder(cfg.Endpoint, cfg.APIKey, timeout)))
	}
	return rerank.New(opts...)
}

func buildTitleGenerator(cfg config.TitleConfig, catalog *service.Catalog) ai.IGenerator {
	var chain []ai.NamedGenerator
	for _, name := range cfg.Models {
		chat, err := catalog.ChatModel(name)
		if err != nil {
			logutil.GetLogger(context.Background()).Warn("title model skipped", zap.String("model", name), zap.Error(err))
			continue
		}
		chain = append(chain, ai.NamedGenerator{Name: name, Generator: ai.NewGenerator(chat)})
	}
	if gen := ai.NewFallbackGenerator(chain); gen != nil {
		return gen
	}
	return nil
}
