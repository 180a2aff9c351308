package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ivlab/internal/audit"
	"ivlab/internal/auth"
	"ivlab/internal/config"
	"ivlab/internal/eventing"
	eventingmemory "ivlab/internal/eventing/infrastructure/memory"
	eventingrepo "ivlab/internal/eventing/infrastructure/postgres"
	"ivlab/internal/instrument/virtual"
	"ivlab/internal/logging"
	"ivlab/internal/measurement/application"
	"ivlab/internal/measurement/application/events"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/measurement/infrastructure/memory"
	measurementrepo "ivlab/internal/measurement/infrastructure/postgres"
	measurementhttp "ivlab/internal/measurement/interfaces/http"
	measurementmqtt "ivlab/internal/measurement/interfaces/mqtt"
	mppt "ivlab/internal/mppt/domain"
	"ivlab/internal/observability/metrics"
	"ivlab/internal/storage/migrations"
	"ivlab/internal/telemetry"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	configPath       = "config.yaml"
	dispatchInterval = 5 * time.Second
	dispatchBatch    = 100
	shutdownTimeout  = 30 * time.Second
)

type repositories struct {
	masterdata measurement.MasterdataRepository
	runs       measurement.RunRepository
	events     measurement.EventRepository
	samples    measurement.SampleRepository
	outbox     interface {
		eventing.OutboxWriter
		eventing.OutboxStore
	}
	processed eventing.ProcessedStore
	dlq       eventing.DLQStore
	audit     audit.Logger
}

func main() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "ivlab")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg, logger)
	if err != nil {
		logger.Fatal("database init error", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
	}
	metrics.Init(db, logger)
	repos := buildRepositories(db, logger)

	reload := func(ctx context.Context) error {
		if cfg.SetupFile == "" {
			return nil
		}
		station, err := config.LoadStationFile(cfg.SetupFile)
		if err != nil {
			return err
		}
		if err := station.Seed(ctx, repos.masterdata); err != nil {
			return err
		}
		logger.Info("station file loaded", zap.String("path", cfg.SetupFile), zap.Int("setups", len(station.Setups)))
		return nil
	}
	if err := reload(ctx); err != nil {
		logger.Fatal("station file error", zap.Error(err))
	}

	baseBus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry(events.All()...)
	dispatcher := eventing.NewDispatcher(baseBus, repos.outbox, registry, repos.dlq, logger)
	publisher, err := eventing.NewPublisher(baseBus,
		eventing.WithOutbox(repos.outbox, dispatcher),
		eventing.WithDirectTypes(
			eventing.EventTypeOf[events.SampleIngested](),
			eventing.EventTypeOf[events.EventClosed](),
		),
	)
	if err != nil {
		logger.Fatal("publisher init error", zap.Error(err))
	}
	go dispatcher.Run(ctx, dispatchInterval, dispatchBatch)
	eventing.Subscribe(baseBus, eventing.EventTypeOf[events.RunClosed](), "runs.log", func(ctx context.Context, event any) error {
		closed, ok := event.(events.RunClosed)
		if !ok {
			return nil
		}
		logger.Info("run closed", zap.String("run_id", closed.RunID), zap.String("status", closed.Status), zap.Int("events", closed.Events))
		return nil
	}, repos.processed)

	attributor, err := application.NewAttributor(repos.events, repos.samples, publisher,
		application.WithBatchSize(cfg.Executor.BatchSize),
		application.WithAttributorLogger(logger),
	)
	if err != nil {
		logger.Fatal("attributor init error", zap.Error(err))
	}
	executor, err := application.NewExecutor(attributor,
		application.WithExecutorLogger(logger),
		application.WithTick(cfg.Executor.Tick),
		application.WithSampleInterval(cfg.Executor.SampleInterval),
		application.WithPollInterval(cfg.Executor.PollInterval),
		application.WithMeasureTimeout(cfg.Executor.MeasureTimeout),
	)
	if err != nil {
		logger.Fatal("executor init error", zap.Error(err))
	}
	defaultMPPT, err := mppt.ParseDescriptor(cfg.Executor.DefaultMPPT)
	if err != nil {
		logger.Fatal("default mppt descriptor error", zap.Error(err))
	}
	planner, err := application.NewPlanner(repos.masterdata,
		application.WithDefaultMPPT(defaultMPPT),
		application.WithDefaultPolicy(application.ErrorPolicy(cfg.ErrorPolicy)),
	)
	if err != nil {
		logger.Fatal("planner init error", zap.Error(err))
	}
	orchestrator, err := application.NewOrchestrator(repos.runs, repos.masterdata, repos.events, executor, virtual.NewPool(),
		application.WithOrchestratorLogger(logger),
		application.WithPublisher(publisher),
	)
	if err != nil {
		logger.Fatal("orchestrator init error", zap.Error(err))
	}
	service, err := application.NewRunService(planner, orchestrator, logger)
	if err != nil {
		logger.Fatal("run service init error", zap.Error(err))
	}
	query, err := application.NewRunQuery(repos.runs, repos.events, repos.samples)
	if err != nil {
		logger.Fatal("run query init error", zap.Error(err))
	}

	var sinks []telemetry.Sink
	var mqttClient interface{ Disconnect(uint) }
	if cfg.MQTT.Broker != "" {
		client, err := telemetry.Connect(telemetry.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			logger.Fatal("mqtt connect error", zap.Error(err))
		}
		mqttClient = client
		sink, err := telemetry.NewMQTTSink(client, cfg.MQTT.QoS)
		if err != nil {
			logger.Fatal("mqtt sink error", zap.Error(err))
		}
		sinks = append(sinks, sink)
		consumer, err := measurementmqtt.NewConsumer(client, service, sink, cfg.MQTT.QoS, logger)
		if err != nil {
			logger.Fatal("mqtt consumer init error", zap.Error(err))
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Fatal("mqtt consumer start error", zap.Error(err))
		}
		defer consumer.Stop()
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping error", zap.Error(err))
		}
		defer client.Close()
		sink, err := telemetry.NewRedisSink(client, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			logger.Fatal("redis sink error", zap.Error(err))
		}
		sinks = append(sinks, sink)
	}
	if cfg.Notify.WebhookURL != "" {
		sink, err := telemetry.NewWebhookSink(cfg.Notify.WebhookURL)
		if err != nil {
			logger.Fatal("webhook sink error", zap.Error(err))
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		forwarder, err := telemetry.NewForwarder(sinks, telemetry.WithLogger(logger))
		if err != nil {
			logger.Fatal("telemetry forwarder init error", zap.Error(err))
		}
		forwarder.Register(baseBus, repos.processed)
	}

	handler, err := measurementhttp.NewHandler(service, query,
		measurementhttp.WithReloader(reload),
		measurementhttp.WithAudit(repos.audit),
		measurementhttp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("http handler init error", zap.Error(err))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", handler)

	var root http.Handler = mux
	if !cfg.Auth.Disabled {
		policy := auth.NewPolicy("/healthz", "/metrics")
		root = auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy).Wrap(mux)
	} else {
		logger.Warn("http auth disabled")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(root, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown error", zap.Error(err))
	}
	if err := dispatcher.Drain(shutdownCtx, dispatchBatch); err != nil {
		logger.Warn("final outbox dispatch error", zap.Error(err))
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
}

func openDatabase(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		logger.Info("no DATABASE_URL set, using in-memory repositories")
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if cfg.Database.Migrate {
		if err := migrations.Run(db, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func buildRepositories(db *sql.DB, logger *zap.Logger) repositories {
	if db == nil {
		return repositories{
			masterdata: memory.NewMasterdataRepository(),
			runs:       memory.NewRunRepository(),
			events:     memory.NewEventRepository(),
			samples:    memory.NewSampleRepository(),
			outbox:     eventingmemory.NewOutboxStore(),
			processed:  eventingmemory.NewProcessedStore(),
			audit:      audit.NewZapLogger(logger),
		}
	}
	return repositories{
		masterdata: measurementrepo.NewMasterdataRepository(db),
		runs:       measurementrepo.NewRunRepository(db),
		events:     measurementrepo.NewEventRepository(db),
		samples:    measurementrepo.NewSampleRepository(db),
		outbox:     eventingrepo.NewOutboxStore(db),
		processed:  eventingrepo.NewProcessedStore(db),
		dlq:        eventingrepo.NewDLQStore(db),
		audit:      audit.NewRepository(db),
	}
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
