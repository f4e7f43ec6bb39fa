// Command intentflow runs the workflow execution worker.
//
// The worker hosts the engine's background loops: the outbox relay that
// drains durable events to Pulse streams, the resume poller that continues
// suspended executions at segment boundaries, and the recovery sweeper that
// rescues executions whose worker died mid-segment. Execution state lives in
// Redis, the event outbox in MongoDB, and tool calls go through a JSON-RPC
// tool gateway.
//
// # Configuration
//
// The -config flag names a YAML file. Environment variables override it:
//
//	INTENTFLOW_SERVICE_ID       - worker identity in event stamps (default: "intentflow-worker")
//	INTENTFLOW_NAMESPACE        - Redis key namespace (default: "intentflow")
//	INTENTFLOW_HTTP_ADDR        - health endpoint listen address (default: ":8081")
//	INTENTFLOW_REDIS_ADDR       - Redis address (default: "localhost:6379")
//	INTENTFLOW_REDIS_PASSWORD   - Redis password (optional)
//	INTENTFLOW_REDIS_DB         - Redis database number (default: 0)
//	INTENTFLOW_MONGO_URI        - MongoDB connection URI (default: "mongodb://localhost:27017")
//	INTENTFLOW_MONGO_DATABASE   - outbox database name (default: "intentflow")
//	INTENTFLOW_MONGO_COLLECTION - outbox collection name (default: "saga_outbox")
//	INTENTFLOW_GATEWAY_ENDPOINT - tool gateway endpoint (default: "http://127.0.0.1:8080/rpc")
//	INTENTFLOW_GATEWAY_TIMEOUT  - tool gateway HTTP timeout (default: "30s")
//
// # Example
//
//	INTENTFLOW_REDIS_ADDR=redis:6379 INTENTFLOW_MONGO_URI=mongodb://mongo:27017 \
//	  ./intentflow -config worker.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	kvredis "github.com/intentflow/intentflow/features/kv/redis"
	outboxmongo "github.com/intentflow/intentflow/features/outbox/mongo"
	clientsmongo "github.com/intentflow/intentflow/features/outbox/mongo/clients/mongo"
	resumeredis "github.com/intentflow/intentflow/features/resume/redis"
	"github.com/intentflow/intentflow/features/stream/pulse"
	clientspulse "github.com/intentflow/intentflow/features/stream/pulse/clients/pulse"
	"github.com/intentflow/intentflow/runtime/checkpoint"
	"github.com/intentflow/intentflow/runtime/engine"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/kv"
	"github.com/intentflow/intentflow/runtime/outbox"
	"github.com/intentflow/intentflow/runtime/recovery"
	"github.com/intentflow/intentflow/runtime/telemetry"
	"github.com/intentflow/intentflow/runtime/tools"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML config file")
		dbgF    = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF || os.Getenv("INTENTFLOW_DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "service", V: cfg.ServiceID}, log.KV{K: "namespace", V: cfg.Namespace})

	// Connect to Redis.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Connect to MongoDB.
	mdb, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := mdb.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
		lamport = events.NewClock(cfg.ServiceID, 0)
		keys    = kv.NewKeys(cfg.Namespace)
	)

	// Checkpoint store on Redis with the resume queue as scheduler. The
	// scheduler's notify hook targets the poller, which does not exist yet;
	// the indirection resolves once the poller is built below, before any
	// worker runs.
	kvStore, err := kvredis.New(kvredis.Options{Client: rdb})
	if err != nil {
		return fmt.Errorf("create kv store: %w", err)
	}
	var resumePoller *resumeredis.Poller
	scheduler, err := resumeredis.NewScheduler(resumeredis.SchedulerOptions{
		Client: rdb,
		Keys:   keys,
		Notify: func() {
			if resumePoller != nil {
				resumePoller.Notify()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create resume scheduler: %w", err)
	}
	store, err := checkpoint.New(checkpoint.Options{
		Store:     kvStore,
		Keys:      keys,
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}

	// Outbox log on MongoDB, drained by the relay into Pulse streams.
	outboxClient, err := clientsmongo.New(clientsmongo.Options{
		Client:     mdb,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		return fmt.Errorf("create outbox client: %w", err)
	}
	outboxLog, err := outboxmongo.NewLog(outboxmongo.Options{Client: outboxClient})
	if err != nil {
		return fmt.Errorf("create outbox log: %w", err)
	}
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	defer func() {
		if err := pulseClient.Close(context.Background()); err != nil {
			log.Errorf(ctx, err, "close pulse client")
		}
	}()
	publisher, err := pulse.NewPublisher(pulse.PublisherOptions{Client: pulseClient})
	if err != nil {
		return fmt.Errorf("create pulse publisher: %w", err)
	}
	relay, err := outbox.NewRelay(outbox.RelayOptions{
		Log:          outboxLog,
		Publisher:    publisher,
		Store:        store,
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("create outbox relay: %w", err)
	}
	emitter, err := outbox.NewEmitter(outbox.EmitterOptions{
		Log:     outboxLog,
		Lamport: lamport,
		Expiry:  cfg.Outbox.EventTTL,
		Notify:  relay.Notify,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create outbox emitter: %w", err)
	}

	// Tool catalog and engine.
	registry := tools.NewRegistry()
	for _, tc := range cfg.Tools {
		if err := registry.Register(tc.descriptor()); err != nil {
			return fmt.Errorf("register tool %s: %w", tc.Name, err)
		}
	}
	eng, err := engine.New(engine.Options{
		Store:     store,
		Registry:  registry,
		Invoker:   newGatewayInvoker(cfg.Gateway.Endpoint, cfg.Gateway.Timeout),
		Publisher: emitter,
		Lamport:   lamport,
		ServiceID: cfg.ServiceID,
		Budgets:   cfg.Budgets.budgets(),
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// Background workers: resume poller and recovery sweeper.
	resumePoller, err = resumeredis.NewPoller(resumeredis.PollerOptions{
		Client: rdb,
		Keys:   keys,
		Handler: func(ctx context.Context, executionID string, payload checkpoint.ResumePayload) error {
			_, err := eng.Resume(ctx, executionID, payload)
			return err
		},
		PollInterval: cfg.Resume.PollInterval,
		BatchSize:    cfg.Resume.BatchSize,
		RetryDelay:   cfg.Resume.RetryDelay,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("create resume poller: %w", err)
	}
	sweeper, err := recovery.NewSweeper(recovery.Options{
		Store:               store,
		Publisher:           &recoveryResumer{next: emitter, store: store, log: logger},
		PollInterval:        cfg.Sweeper.PollInterval,
		StuckAfter:          cfg.Sweeper.StuckAfter,
		MaxPerTick:          cfg.Sweeper.MaxPerTick,
		ConfidenceFloor:     cfg.Sweeper.ConfidenceFloor,
		MaxRecoveryAttempts: cfg.Sweeper.MaxRecoveryAttempts,
		Lamport:             lamport,
		ServiceID:           cfg.ServiceID,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return fmt.Errorf("create recovery sweeper: %w", err)
	}

	// Health endpoint.
	check := health.Handler(health.NewChecker(kvStore, outboxClient, pulseClient, scheduler))
	mux := http.NewServeMux()
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	// Create channel used by both the signal handler and worker goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the worker
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			errc <- fmt.Errorf("outbox relay: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := resumePoller.Run(ctx); err != nil {
			errc <- fmt.Errorf("resume poller: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			errc <- fmt.Errorf("recovery sweeper: %w", err)
		}
	}()
	go func() {
		log.Printf(ctx, "health endpoint listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("health endpoint: %w", err)
		}
	}()

	log.Printf(ctx, "worker started (redis=%s mongo=%s gateway=%s tools=%d)",
		cfg.Redis.Addr, cfg.Mongo.URI, cfg.Gateway.Endpoint, len(cfg.Tools))

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "health endpoint shutdown")
	}

	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// recoveryResumer forwards every event to the wrapped publisher and
// additionally turns WORKFLOW_RESUME into a scheduled resume so rescued
// executions restart in this worker instead of waiting on an external
// consumer of the event stream.
type recoveryResumer struct {
	next  events.Publisher
	store *checkpoint.Store
	log   telemetry.Logger
}

// Publish implements events.Publisher.
func (r *recoveryResumer) Publish(ctx context.Context, ev events.Event) error {
	if err := r.next.Publish(ctx, ev); err != nil {
		return err
	}
	if ev.Type != events.WorkflowResume {
		return nil
	}
	ts, err := r.store.GetTaskState(ctx, ev.ExecutionID)
	if err != nil {
		r.log.Warn(ctx, "resume lookup failed, leaving event for stream consumers",
			"execution_id", ev.ExecutionID, "error", err)
		return nil
	}
	es := ts.Context.ExecutionState
	if es == nil || es.Plan == nil {
		r.log.Warn(ctx, "task has no execution snapshot, leaving event for stream consumers",
			"execution_id", ev.ExecutionID)
		return nil
	}
	payload := checkpoint.ResumePayload{
		PlanID:         es.Plan.ID,
		StartStepIndex: ts.CurrentStepIndex,
		SegmentNumber:  ts.SegmentNumber + 1,
		TraceID:        ev.TraceID,
	}
	if es.Intent != nil {
		payload.IntentID = es.Intent.ID
	}
	if err := r.store.ScheduleResume(ctx, ev.ExecutionID, 0, payload); err != nil {
		r.log.Warn(ctx, "recovery resume scheduling failed",
			"execution_id", ev.ExecutionID, "error", err)
	}
	return nil
}
