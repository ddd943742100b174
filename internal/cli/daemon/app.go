package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/api/handlers"
	"github.com/cloo-solutions/siriusdms/internal/cache"
	"github.com/cloo-solutions/siriusdms/internal/config"
	"github.com/cloo-solutions/siriusdms/internal/database"
	"github.com/cloo-solutions/siriusdms/internal/embedding"
	"github.com/cloo-solutions/siriusdms/internal/extract"
	"github.com/cloo-solutions/siriusdms/internal/inference"
	"github.com/cloo-solutions/siriusdms/internal/jobs"
	"github.com/cloo-solutions/siriusdms/internal/metrics"
	"github.com/cloo-solutions/siriusdms/internal/model"
	"github.com/cloo-solutions/siriusdms/internal/queue"
	"github.com/cloo-solutions/siriusdms/internal/repository"
	"github.com/cloo-solutions/siriusdms/internal/server"
	"github.com/cloo-solutions/siriusdms/internal/service"
	"github.com/cloo-solutions/siriusdms/internal/storage"
	"github.com/cloo-solutions/siriusdms/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	streamMaxLen       = 100_000
	workerPollInterval = time.Second
)

// App holds every long-lived component of the process.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Model      *model.Manager
	Embedder   *embedding.Engine
	Store      *service.VectorStore
	Classifier *service.Classifier
	Extractor  *extract.Extractor
	Objects    service.ObjectGetter
	Links      service.DownloadLinker
	Cache      *cache.DocumentCache

	Query      *service.QueryService
	Ingestion  *service.IngestionService
	Dispatcher *service.Dispatcher
	Local      *jobs.LocalRunner
	Consumer   *queue.Consumer

	closers []func()
}

// AppOptions selects optional startup steps.
type AppOptions struct {
	// Migrations is a golang-migrate source URL; empty skips migrations.
	Migrations string
	// NoQueue dispatches every task to the in-process runner.
	NoQueue bool
}

// NewApp connects to every backing service and wires the pipeline. ctx
// bounds the lifetime of in-process ingestion runs.
func NewApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	app := &App{Config: cfg, Metrics: metrics.New()}

	app.closers = append(app.closers, telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.SentryTracesSampleRate,
		Debug:            cfg.Debug,
	}))

	if opts.Migrations != "" {
		if _, err := database.MigrateUp(cfg.DatabaseURL, opts.Migrations); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	app.Pool = pool
	app.closers = append(app.closers, pool.Close)
	log.Println("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	app.Redis = redis.NewClient(redisOpts)
	app.closers = append(app.closers, func() { _ = app.Redis.Close() })
	if err := app.Redis.Ping(ctx).Err(); err != nil {
		// the dispatcher falls back to in-process runs while redis is down
		log.Printf("redis unreachable at startup: %v", err)
	}

	objects, links, err := newObjectStorage(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Objects = objects
	app.Links = links

	app.Model = newModelManager(cfg)
	app.closers = append(app.closers, func() {
		if err := app.Model.Close(); err != nil {
			log.Printf("model close: %v", err)
		}
	})

	app.Embedder = embedding.NewEngine(app.Model, embedding.Config{
		Dimension: cfg.EmbeddingDimension,
		MaxTokens: cfg.EmbeddingMaxTokens,
		BatchCap:  cfg.EmbeddingBatchCap,
	}, app.Metrics)

	chunkRepo := repository.NewChunkRepository(pool, cfg.EmbeddingDimension)
	app.Store = service.NewVectorStore(chunkRepo, repository.NewTxRunner(pool), cfg.EmbeddingDimension)
	if err := app.Store.CheckDimension(ctx); err != nil {
		app.Close()
		return nil, err
	}

	app.Classifier = service.NewClassifier(app.Model, service.ClassifierConfig{
		Chars:   cfg.ClassificationChars,
		Timeout: cfg.GenerationTimeout,
	}, app.Metrics)
	app.Extractor = extract.New()
	app.Cache = cache.NewDocumentCache(app.Redis, cfg.DocumentCacheTTL)

	app.Query = service.NewQueryService(app.Embedder, app.Store, app.Model, service.AnswerPolicy{
		TopK:                    cfg.TopK,
		ContextChunks:           cfg.ContextChunks,
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		Timeout:                 cfg.GenerationTimeout,
	}, app.Metrics).WithAvailability(app.Cache)
	if app.Links != nil {
		app.Query = app.Query.WithDownloadLinks(app.Links)
	}

	tasks := repository.NewIngestionTaskRepository(pool)
	documents := repository.NewDocumentRepository(pool)
	app.Ingestion = service.NewIngestionService(service.IngestionDeps{
		Tasks:      tasks,
		Documents:  documents,
		Locker:     repository.NewAdvisoryLocker(pool),
		Objects:    app.Objects,
		Extractor:  app.Extractor,
		Classifier: app.Classifier,
		Embedder:   app.Embedder,
		Store:      app.Store,
		Cache:      app.Cache,
	}, service.ChunkConfig{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}, app.Metrics)

	app.Local = jobs.NewLocalRunner(ctx, app.Ingestion, cfg.LocalWorkers)
	var publisher service.IngestPublisher
	if !opts.NoQueue {
		publisher = queue.NewPublisher(app.Redis, cfg.IngestionStream, streamMaxLen)
	}
	app.Dispatcher = service.NewDispatcher(tasks, documents, publisher, app.Local, app.Metrics)
	app.Consumer = queue.NewConsumer(app.Redis, cfg.IngestionStream, cfg.ConsumerGroup, cfg.ConsumerName)

	return app, nil
}

// WarmUp loads the model in the background so the first request does not
// pay for it.
func (a *App) WarmUp(ctx context.Context) {
	go func() {
		if err := a.Model.EnsureLoaded(ctx); err != nil {
			log.Printf("model warm-up failed (answers degrade until it loads): %v", err)
			return
		}
		log.Printf("model %s loaded on %s", a.Config.ModelName, a.Model.Device())
	}()
}

// Router builds the HTTP surface over the app's services.
func (a *App) Router() http.Handler {
	return server.NewRouter(server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(a.Dispatcher, service.NewPurger(a.Store, a.Cache)),
		QueryHandler:    handlers.NewQueryHandler(a.Query, a.Classifier),
		Metrics:         a.Metrics.Handler(),
		HealthChecks: map[string]server.HealthCheck{
			"postgres": func(ctx context.Context) error { return a.Pool.Ping(ctx) },
			"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		},
		ModelAvailable: a.Model.Available,
	})
}

// StartWorker joins the consumer group and polls the ingestion stream until
// the returned worker is stopped or ctx is done.
func (a *App) StartWorker(ctx context.Context) *jobs.Worker {
	if err := a.Consumer.EnsureGroup(ctx); err != nil {
		log.Printf("ingestion worker: consumer group not ready, will retry on poll: %v", err)
	}
	processor := jobs.NewIngestionWorker(a.Consumer, a.Ingestion, jobs.IngestionWorkerConfig{})
	worker := jobs.NewWorker(processor, workerPollInterval)
	go worker.Start(ctx)
	log.Printf("ingestion worker started (stream=%s group=%s consumer=%s)",
		a.Config.IngestionStream, a.Config.ConsumerGroup, a.Config.ConsumerName)
	return worker
}

// Close waits for in-process runs and releases resources in reverse order.
func (a *App) Close() {
	if a.Local != nil {
		a.Local.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newModelManager(cfg *config.Config) *model.Manager {
	return model.NewManager(model.Config{
		ModelName:      cfg.ModelName,
		ModelPath:      cfg.ModelPath,
		DeviceOverride: cfg.ModelDevice,
		LoadIn8Bit:     cfg.ModelLoadIn8Bit,
		LoadIn4Bit:     cfg.ModelLoadIn4Bit,
		RetryInterval:  cfg.ModelRetryInterval,
	}, inference.NewClient(inference.Config{
		BaseURL: cfg.InferenceURL,
		APIKey:  cfg.InferenceAPIKey,
	}), model.NewSystemProbe())
}

func newObjectStorage(ctx context.Context, cfg *config.Config) (service.ObjectGetter, service.DownloadLinker, error) {
	if !cfg.HasS3() {
		log.Println("object storage not configured: ingestion downloads will fail")
		return unconfiguredStorage{}, nil, nil
	}

	client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
	}
	log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)
	return client, client, nil
}

type unconfiguredStorage struct{}

func (unconfiguredStorage) GetObject(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("object storage not configured: SIRIUS_S3_ENDPOINT required (key %s)", key)
}
