// Package hyoka is the public API for recording LLM application traces and
// evaluating feedback functions over them.
//
// A Session owns the store, the feedback registry and the deferred evaluator.
// There is no global state; construct one Session and pass it around:
//
//	sess, err := hyoka.New(ctx,
//	    hyoka.WithSQLitePath("evals.sqlite"),
//	    hyoka.WithFunction("relevance", myRelevance, "prompt", "response"),
//	)
//	if err != nil { ... }
//	defer sess.Shutdown(context.Background())
//
//	f, err := sess.DefineFeedback(ctx, hyoka.Fn("relevance"),
//	    hyoka.OnInput("prompt"), hyoka.OnOutput("response"))
//	out, err := sess.Record(ctx, rec, []*hyoka.Feedback{f}, hyoka.ModeDeferred)
//	sess.StartEvaluator(ctx)
//
// The import graph is one way: hyoka (root) imports internal/*, and
// internal/* never imports hyoka.
package hyoka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hyoka/api"
	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/benchmark"
	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/provider/heuristic"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/server"
	"github.com/ashita-ai/hyoka/internal/service/recording"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// Session is the hyoka lifecycle. Construct with New, release with Shutdown.
// All methods are safe for concurrent use.
type Session struct {
	cfg          config.Config
	db           *storage.DB
	registry     *feedback.Registry
	pacer        *ratelimit.MemoryLimiter
	recorder     *recording.Service
	evaluator    *evaluator.Evaluator
	stream       remote.Stream
	consumer     remote.Stream // opened by RemoteWorker; nil until then
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	mu  sync.Mutex
	srv *server.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// New connects to the store, applies migrations and wires the evaluator and
// the remote bridge. Configuration comes from HYOKA_* environment variables
// (and a .env file, if present), overridden by opts. New does not start the
// evaluator; call StartEvaluator.
func New(ctx context.Context, opts ...Option) (*Session, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !o.noEnvFile {
		// Non-fatal; production won't have one.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DBBackend = string(storage.BackendPostgres)
		cfg.DatabaseURL = o.databaseURL
		cfg.NotifyURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.DBBackend = string(storage.BackendSQLite)
		cfg.SQLitePath = o.sqlitePath
		if cfg.RemoteStream == "notify" {
			cfg.RemoteStream = "none"
		}
	}
	if o.tablePrefix != "" {
		cfg.TablePrefix = o.tablePrefix
	}
	if o.stream != nil {
		// Replaced by the supplied stream.
		cfg.RemoteStream = "none"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hyoka starting", "version", version, "backend", cfg.DBBackend, "remote_stream", cfg.RemoteStream)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.Open(ctx, storage.Options{
		Backend:   storage.Backend(cfg.DBBackend),
		DSN:       cfg.DatabaseURL,
		NotifyDSN: cfg.NotifyURL,
		Path:      cfg.SQLitePath,
		Prefix:    cfg.TablePrefix,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	stream := o.stream
	if stream == nil {
		stream, err = OpenStream(cfg, db, false)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	pacer := ratelimit.NewMemoryLimiter(cfg.ProviderRPS, max(1, int(cfg.ProviderRPS)))
	for family, r := range o.rates {
		pacer.SetRate(family, r.rps, r.burst)
	}
	regOpts := append([]feedback.RegistryOption{
		feedback.WithRemoteProvider(heuristic.New()),
		benchmark.Functions(),
		feedback.WithPacer(pacer),
	}, o.registry...)
	registry := feedback.NewRegistry(regOpts...)

	evalCfg := EvaluatorConfig(cfg)
	bridge := remote.NewBridge(db, stream, 0, logger)

	return &Session{
		cfg:          cfg,
		db:           db,
		registry:     registry,
		pacer:        pacer,
		recorder:     recording.New(db, registry, bridge, evalCfg, logger),
		evaluator:    evaluator.New(db, registry, evalCfg, logger),
		stream:       stream,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// EvaluatorConfig maps configuration onto deferred evaluator settings. The
// deferred evaluator also retries and reclaims local rows that were first
// evaluated inline by Record.
func EvaluatorConfig(cfg config.Config) evaluator.Config {
	return evaluator.Config{
		RunLocation:         model.RunDeferred,
		Adopt:               []model.RunLocation{model.RunLocal},
		Concurrency:         cfg.EvalConcurrency,
		PollInterval:        cfg.EvalPollInterval,
		BacklogPollInterval: cfg.EvalBacklogPollInterval,
		StaleAfter:          cfg.EvalStaleAfter,
		Timeout:             cfg.EvalTimeout,
		MaxAttempts:         cfg.EvalMaxAttempts,
		RetryBase:           cfg.EvalRetryBase,
		Shuffle:             cfg.EvalShuffle,
		DrainTimeout:        cfg.EvalDrainTimeout,
	}
}

// OpenStream opens the remote stream selected by cfg.RemoteStream, or returns
// nil for "none". consumer opens the Kafka consumer group; the application
// side only publishes.
func OpenStream(cfg config.Config, db *storage.DB, consumer bool) (remote.Stream, error) {
	switch cfg.RemoteStream {
	case "kafka":
		kc := remote.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.RemoteTopic}
		if consumer {
			kc.GroupID = cfg.RemoteGroup
		}
		s, err := remote.NewKafkaStream(kc)
		if err != nil {
			return nil, fmt.Errorf("remote stream: %w", err)
		}
		return s, nil
	case "notify":
		s, err := remote.NewNotifyStream(db)
		if err != nil {
			return nil, fmt.Errorf("remote stream: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// Store returns the underlying store, for dataset and maintenance operations
// not surfaced on the Session.
func (s *Session) Store() *storage.DB { return s.db }

// RegisterApp stores app and returns its id, derived from name and version
// when app.AppID is empty.
func (s *Session) RegisterApp(ctx context.Context, app App) (string, error) {
	return s.db.InsertApp(ctx, app)
}

// DeleteApp removes an app with its records and their feedback results.
func (s *Session) DeleteApp(ctx context.Context, appID string) error {
	return s.db.DeleteApp(ctx, appID)
}

// DefineFeedback builds, validates and stores a feedback definition.
// Definitions are content addressed: defining the same one twice returns an
// equal Feedback and stores a single row.
func (s *Session) DefineFeedback(ctx context.Context, impl Implementation, opts ...FeedbackOption) (*Feedback, error) {
	fb, err := feedback.New(s.registry, impl, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.recorder.Define(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

// Record stores rec and dispatches feedbacks according to mode. See
// recording.Service.Record for the per-mode rules; an empty mode means
// WITH_APP_THREAD.
func (s *Session) Record(ctx context.Context, rec Record, feedbacks []*Feedback, mode FeedbackMode) (Recorded, error) {
	return s.recorder.Record(ctx, rec, feedbacks, mode)
}

// RunFeedback evaluates fb against rec without persisting anything.
func (s *Session) RunFeedback(ctx context.Context, fb *Feedback, rec *Record, app *App) FeedbackResult {
	return fb.Run(ctx, rec, app)
}

// StartEvaluator starts the deferred evaluator. It is idempotent, and the
// evaluator keeps running after ctx ends until StopEvaluator or Shutdown.
func (s *Session) StartEvaluator(ctx context.Context) {
	s.evaluator.Start(context.WithoutCancel(ctx))
}

// StopEvaluator stops the deferred evaluator, waiting up to the drain timeout
// for in-flight work. It is idempotent.
func (s *Session) StopEvaluator(ctx context.Context) {
	s.evaluator.Stop(ctx)
}

// EvaluatorRunning reports whether the deferred evaluator is running.
func (s *Session) EvaluatorRunning() bool { return s.evaluator.Running() }

// RunEvaluatorOnce runs one evaluator pass and waits for it, returning how
// many rows were processed.
func (s *Session) RunEvaluatorOnce(ctx context.Context) (int, error) {
	return s.evaluator.RunOnce(ctx)
}

// GetFeedback returns feedback results matching filter.
func (s *Session) GetFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackResult, error) {
	return s.db.GetFeedback(ctx, filter)
}

// GetFeedbackCountByStatus counts feedback results matching filter by status.
func (s *Session) GetFeedbackCountByStatus(ctx context.Context, filter FeedbackFilter) (map[FeedbackStatus]int, error) {
	return s.db.GetFeedbackCountByStatus(ctx, filter)
}

// GetRecordsAndFeedback returns one row per record of appIDs (all apps when
// empty) with its DONE scores keyed by feedback name.
func (s *Session) GetRecordsAndFeedback(ctx context.Context, appIDs []string, offset, limit int) (RecordsAndFeedback, error) {
	return s.db.GetRecordsAndFeedback(ctx, appIDs, offset, limit)
}

// Leaderboard returns the mean of every feedback column per app.
func (s *Session) Leaderboard(ctx context.Context, appIDs []string) ([]LeaderboardRow, error) {
	return s.db.Leaderboard(ctx, appIDs)
}

// BenchmarkResult is the outcome of Session.Benchmark.
type BenchmarkResult = benchmark.Result

// Benchmark scores fn against the ground truth of datasetID and reports mean
// absolute error, root mean squared error and the mean score. When appID is
// set, the scores are also recorded under that app with the "mae" feedback
// evaluated inline, so the benchmark appears in the leaderboard.
func (s *Session) Benchmark(ctx context.Context, fn Func, datasetID, appID string) (BenchmarkResult, error) {
	gts, err := s.db.GetGroundTruthsByDataset(ctx, datasetID)
	if err != nil {
		return BenchmarkResult{}, err
	}
	res, err := benchmark.Run(ctx, fn, gts,
		[]benchmark.Metric{benchmark.MAE, benchmark.RMSE, benchmark.MeanScore},
		s.cfg.EvalConcurrency, s.logger)
	if err != nil {
		return BenchmarkResult{}, err
	}
	if appID == "" {
		return res, nil
	}
	if _, err := s.db.InsertApp(ctx, model.App{AppID: appID, AppName: appID, AppVersion: datasetID}); err != nil {
		return BenchmarkResult{}, err
	}
	mae, err := benchmark.AbsoluteErrorFeedback(s.registry, feedback.Aggregate(feedback.AggMean))
	if err != nil {
		return BenchmarkResult{}, err
	}
	for _, rec := range benchmark.Records(appID, res) {
		if _, err := s.recorder.Record(ctx, rec, []*feedback.Feedback{mae}, model.ModeWithApp); err != nil {
			return BenchmarkResult{}, err
		}
	}
	return res, nil
}

// RemoteWorker builds a worker that evaluates RunRemote rows with the
// Session's registry. It consumes the configured stream, joining the Kafka
// consumer group when the stream is Kafka, and sweeps for missed rows every
// HYOKA_REMOTE_SWEEP_INTERVAL. The caller runs it; Shutdown closes its stream.
func (s *Session) RemoteWorker() (*remote.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumer := s.stream
	if s.cfg.RemoteStream == "kafka" {
		var err error
		if consumer, err = OpenStream(s.cfg, s.db, true); err != nil {
			return nil, err
		}
		s.consumer = consumer
	}
	evalCfg := EvaluatorConfig(s.cfg)
	evalCfg.RunLocation = model.RunRemote
	evalCfg.Adopt = nil
	ev := evaluator.New(s.db, s.registry, evalCfg, s.logger.With("run_location", model.RunRemote))
	return remote.NewWorker(ev, consumer, remote.WorkerConfig{SweepInterval: s.cfg.RemoteSweepInterval}, s.logger), nil
}

// ResetDatabase drops every prefixed table and migrates again.
func (s *Session) ResetDatabase(ctx context.Context) error {
	return s.db.ResetDatabase(ctx)
}

// Serve runs the operator HTTP API until ctx is cancelled or the server
// fails. remoteWorker may be nil. On return, Shutdown has been called.
func (s *Session) Serve(ctx context.Context, remoteWorker *remote.Worker) error {
	var jwtMgr *auth.JWTManager
	if s.cfg.JWTSecret != "" {
		var err error
		if jwtMgr, err = auth.NewJWTManager(s.cfg.JWTSecret, s.cfg.JWTExpiration); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		s.logger.Warn("HYOKA_JWT_SECRET is empty, operator api is unauthenticated")
	}

	srv := server.New(server.ServerConfig{
		DB:                  s.db,
		Recorder:            s.recorder,
		Evaluator:           s.evaluator,
		Remote:              remoteWorker,
		JWTMgr:              jwtMgr,
		Logger:              s.logger,
		Port:                s.cfg.Port,
		ReadTimeout:         s.cfg.ReadTimeout,
		WriteTimeout:        s.cfg.WriteTimeout,
		Version:             s.version,
		MaxRequestBodyBytes: s.cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.EvalDrainTimeout+5*time.Second)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown stops the HTTP server if serving, drains the evaluators, then
// closes the stream, the store and the OTEL providers. It is idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("hyoka shutting down")
		var errs []error

		s.mu.Lock()
		srv, consumer := s.srv, s.consumer
		s.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		s.evaluator.Stop(ctx)
		if err := s.recorder.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, st := range []remote.Stream{consumer, s.stream} {
			if st == nil {
				continue
			}
			if err := st.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close stream: %w", err))
			}
		}
		_ = s.pacer.Close()
		if err := s.otelShutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		s.db.Close(context.Background())

		s.logger.Info("hyoka stopped")
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}
