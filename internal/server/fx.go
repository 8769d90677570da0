// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/signup-sentinel/internal/api"
	"github.com/JakeFAU/signup-sentinel/internal/audit"
	"github.com/JakeFAU/signup-sentinel/internal/audit/sinks"
	"github.com/JakeFAU/signup-sentinel/internal/campaign"
	"github.com/JakeFAU/signup-sentinel/internal/clock/system"
	"github.com/JakeFAU/signup-sentinel/internal/compliance"
	"github.com/JakeFAU/signup-sentinel/internal/config"
	"github.com/JakeFAU/signup-sentinel/internal/discovery"
	"github.com/JakeFAU/signup-sentinel/internal/dispatcher"
	"github.com/JakeFAU/signup-sentinel/internal/escalation"
	"github.com/JakeFAU/signup-sentinel/internal/extraction"
	"github.com/JakeFAU/signup-sentinel/internal/extraction/anthropic"
	"github.com/JakeFAU/signup-sentinel/internal/extraction/trap"
	"github.com/JakeFAU/signup-sentinel/internal/fetcher"
	"github.com/JakeFAU/signup-sentinel/internal/fetcher/audited"
	collyfetcher "github.com/JakeFAU/signup-sentinel/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/signup-sentinel/internal/fetcher/headless"
	"github.com/JakeFAU/signup-sentinel/internal/hash/sha256"
	"github.com/JakeFAU/signup-sentinel/internal/headless/detector"
	"github.com/JakeFAU/signup-sentinel/internal/id/uuid"
	"github.com/JakeFAU/signup-sentinel/internal/logging"
	"github.com/JakeFAU/signup-sentinel/internal/metrics"
	"github.com/JakeFAU/signup-sentinel/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/signup-sentinel/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/signup-sentinel/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/signup-sentinel/internal/queue/memory"
	"github.com/JakeFAU/signup-sentinel/internal/robots"
	gcsstorage "github.com/JakeFAU/signup-sentinel/internal/storage/gcs"
	localstorage "github.com/JakeFAU/signup-sentinel/internal/storage/local"
	memoryStorage "github.com/JakeFAU/signup-sentinel/internal/storage/memory"
	pgstore "github.com/JakeFAU/signup-sentinel/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/signup-sentinel/internal/storage/sqlite"
	"github.com/JakeFAU/signup-sentinel/internal/worker"
)

// Records is the persistence surface shared by the memory and Postgres
// backends.
type Records interface {
	discovery.AuditStore
	discovery.RequirementsStore
	discovery.TicketStore
	discovery.CampaignStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	runner    *campaign.Runner
	refresher *robots.Refresher
	limits    *ratelimit.Table
	auditHub  *audit.Hub
	queue     *queueMemory.Queue
	records   Records

	pgStore   *pgstore.Store
	sqlite    *sqlitestore.AuditStore
	pubsub    *gcppublisher.Publisher
	storage   *storage.Client
	headless  *headlessfetcher.Fetcher
	publisher discovery.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.Blob),
		zap.Bool("public_data_mode", cfg.Compliance.PublicDataMode),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		logging.Secret("anthropic_api_key", cfg.Anthropic.APIKey),
	)

	if err = app.setup(ctx); err != nil {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Warn("partial shutdown failed", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) setup(ctx context.Context) error {
	clock := system.New()
	ids := uuid.New()

	if err := a.setupRecords(ctx); err != nil {
		return err
	}
	if err := a.setupAudit(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}

	fetch, err := a.setupFetcher(ids, clock)
	if err != nil {
		return err
	}
	engine := a.setupExtraction(ids, clock)

	escalator := escalation.New(a.records, ids, clock,
		escalation.WithPublisher(a.publisher, ""),
		escalation.WithLogger(a.logger),
	)

	runnerOpts := []campaign.Option{
		campaign.WithSnapshots(blobs, sha256.New()),
		campaign.WithLogger(a.logger),
	}
	if a.headless != nil {
		runnerOpts = append(runnerOpts, campaign.WithPromoter(detector.NewHeuristic(a.cfg.Headless.PromotionBytes)))
	}
	a.runner = campaign.NewRunner(fetch, engine, a.records, escalator, clock, a.cfg.Campaign.Runner, runnerOpts...)

	a.queue = queueMemory.NewQueue(a.cfg.Campaign.QueueDepth)
	workers := make([]dispatcher.Worker, 0, a.cfg.Campaign.Concurrency)
	for i := 0; i < a.cfg.Campaign.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.records,
			a.runner,
			a.publisher,
			clock,
			worker.Config{Topic: worker.DefaultTopic},
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.records, clock, workers)

	ready := map[string]api.ReadinessCheck{}
	if a.pgStore != nil {
		ready["postgres"] = a.pgStore.Ping
	}
	a.apiServer = api.NewServer(api.Deps{
		Submitter:    a.dispatch,
		Campaigns:    a.records,
		Audit:        a.records,
		Requirements: a.records,
		Tickets:      a.records,
		Resolver:     escalator,
		IDs:          ids,
		Ready:        ready,
	}, a.cfg, a.logger)
	return nil
}

func (a *App) setupRecords(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory record store")
		a.records = memoryStorage.NewStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	if a.cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	a.records = store
	a.logger.Info("using postgres record store")
	return nil
}

func (a *App) setupAudit(ctx context.Context) error {
	sinkList := []audit.Sink{sinks.NewStoreSink(a.records, a.logger.Named("audit_store"))}
	if a.cfg.SQLite.Path != "" {
		mirror, err := sqlitestore.Open(ctx, a.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite audit mirror init failed: %w", err)
		}
		a.sqlite = mirror
		sinkList = append(sinkList, sinks.NewStoreSink(mirror, a.logger.Named("audit_sqlite")))
		a.logger.Info("sqlite audit mirror enabled", zap.String("path", a.cfg.SQLite.Path))
	}
	if a.cfg.Audit.LogRecords {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("audit_log")))
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus audit sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := audit.Config{
		BufferSize:     a.cfg.Audit.BufferSize,
		MaxBatchEvents: a.cfg.Audit.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Audit.MaxBatchWait,
		SinkTimeout:    a.cfg.Audit.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("audit_hub"),
	}
	a.auditHub = audit.NewHub(hubCfg, sinkList...)
	a.logger.Info("audit hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (discovery.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case config.BlobGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BlobLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory snapshot store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicID:   a.cfg.PubSub.TopicID,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return nil
}

func (a *App) setupFetcher(ids discovery.IDGenerator, clock discovery.Clock) (*audited.Fetcher, error) {
	userAgent := a.cfg.Compliance.UserAgent
	cache := robots.NewCache(a.cfg.Robots.CacheTTL, nil)
	a.refresher = robots.NewRefresher(cache, nil, robots.RefresherConfig{
		UserAgent: userAgent,
		Timeout:   a.cfg.Robots.Timeout,
		SweepRate: a.cfg.Robots.SweepRate,
	}, a.auditHub, ids, clock, a.logger)
	a.limits = ratelimit.New()
	gate := compliance.NewGate(cache, a.limits, a.logger)

	router := fetcher.Router{
		HTTP: collyfetcher.New(collyfetcher.Config{
			UserAgent:   userAgent,
			Timeout:     a.cfg.Fetcher.Timeout,
			MaxBodySize: a.cfg.Fetcher.MaxBodySize,
		}),
		Headless: headlessfetcher.NewNoop(),
	}
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         userAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
			EgressIP:          a.cfg.Headless.EgressIP,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = hf
		router.Headless = hf
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	return audited.New(
		gate,
		compliance.NewStaticSource(a.cfg.Compliance),
		router,
		a.auditHub,
		ids,
		clock,
		audited.WithRobotsWarmer(a.refresher),
		audited.WithLogger(a.logger),
	), nil
}

func (a *App) setupExtraction(ids discovery.IDGenerator, clock discovery.Clock) *extraction.Engine {
	if a.cfg.Anthropic.APIKey == "" {
		a.logger.Warn("no Anthropic API key configured, extraction calls will fail and escalate")
	}
	extractor := anthropic.New(anthropic.Config{
		APIKey:       a.cfg.Anthropic.APIKey,
		BaseURL:      a.cfg.Anthropic.BaseURL,
		Model:        a.cfg.Anthropic.Model,
		MaxTokens:    a.cfg.Anthropic.MaxTokens,
		MaxHTMLBytes: a.cfg.Anthropic.MaxHTMLBytes,
		MaxRetries:   a.cfg.Anthropic.MaxRetries,
	}, a.logger)
	return extraction.NewEngine(extractor, a.auditHub, ids, clock,
		extraction.WithDetectors(
			trap.NewDecoyNames(a.cfg.Extraction.DecoyTerms),
			trap.NewHiddenInputs(),
			trap.NewPromptInjection(a.cfg.Extraction.InjectionPhrases),
			trap.DuplicateFields{},
		),
		extraction.WithLogger(a.logger),
	)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunCampaign executes one campaign synchronously, outside the queue.
func (a *App) RunCampaign(ctx context.Context, req campaign.Request) campaign.Outcome {
	return a.runner.Run(ctx, req)
}

// Run starts the workers, the robots refresher and the HTTP server, and
// blocks until ctx is canceled and the workers have drained. Callers still
// own Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Campaign.Concurrency))
		a.dispatch.Run(ctx)
	}()
	go a.refresher.Run(ctx, a.cfg.Robots.RefreshInterval)
	go a.sweepRateLimits(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown timeout")
	}
	return nil
}

// sweepRateLimits drops per-host buckets idle for longer than the widest
// configured window; such buckets are full and equivalent to a fresh one.
func (a *App) sweepRateLimits(ctx context.Context) {
	idle := a.cfg.Compliance.DefaultRateLimit.Window
	for _, limit := range a.cfg.Compliance.RateLimits {
		idle = max(idle, limit.Window)
	}
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.limits.Sweep(idle); removed > 0 {
				a.logger.Debug("rate limit table swept", zap.Int("removed", removed), zap.Int("remaining", a.limits.Len()))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.auditHub != nil {
		if err := a.auditHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit hub close: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
		a.sqlite = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}
