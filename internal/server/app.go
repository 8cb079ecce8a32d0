package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-pacer/internal/api"
	"github.com/openjobspec/ojs-pacer/internal/core"
	"github.com/openjobspec/ojs-pacer/internal/index"
	"github.com/openjobspec/ojs-pacer/internal/kv"
	"github.com/openjobspec/ojs-pacer/internal/metrics"
	natsbackend "github.com/openjobspec/ojs-pacer/internal/nats"
	"github.com/openjobspec/ojs-pacer/internal/progress"
	"github.com/openjobspec/ojs-pacer/internal/scheduler"
	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/transport"
	"github.com/openjobspec/ojs-pacer/internal/worker"
)

// App is one pacer process: the components its role needs, wired to the
// configured store and transport.
type App struct {
	cfg    Config
	logger *slog.Logger

	conn   *natsbackend.Conn
	store  kv.Backend
	repo   *state.Repository
	mem    *transport.Memory
	pub    transport.Publisher
	sub    transport.Subscriber
	idx    *index.Store
	broker *natsbackend.EventBroker

	hub      *progress.Hub
	notifier *progress.Notifier
	jobs     *scheduler.Jobs
	sched    *scheduler.Scheduler
	consumer *worker.Consumer
	updates  *api.UpdatesHandler
}

// New connects the backends and builds the components for cfg.Role.
func New(ctx context.Context, cfg Config) (*App, error) {
	a := &App{cfg: cfg, logger: slog.Default()}
	if err := a.connect(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.build()
	metrics.Init(core.Version, cfg.Store, cfg.Transport, cfg.Role)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Store == BackendNATS || cfg.Transport == BackendNATS {
		conn, err := natsbackend.Connect(ctx, cfg.NatsURL)
		if err != nil {
			return err
		}
		a.conn = conn
		a.logger.Info("connected to NATS", "url", cfg.NatsURL)
	}

	switch cfg.Store {
	case BackendMemory:
		a.store = kv.NewMemory()
	case BackendRedis:
		store, err := kv.DialRedis(ctx, cfg.RedisURL, kv.WithKeyPrefix(cfg.RedisPrefix))
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Info("connected to Redis", "url", cfg.RedisURL)
	case BackendNATS:
		store, err := a.conn.State(ctx)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	a.repo = state.New(a.store)

	switch cfg.Transport {
	case BackendMemory:
		a.mem = transport.NewMemory(cfg.MemoryCapacity)
		a.pub, a.sub = a.mem, a.mem
	case BackendNATS:
		a.pub = natsbackend.NewPublisher(a.conn.JS)
		a.sub = natsbackend.NewSubscriber(a.conn.JS, cfg.AckWait)
		a.broker = natsbackend.NewEventBroker(a.conn.NC)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	if cfg.IndexPath != "" && (cfg.Runs(RoleWorker) || cfg.Runs(RoleAPI)) {
		idx, err := index.Open(cfg.IndexPath)
		if err != nil {
			return err
		}
		a.idx = idx
	}
	return nil
}

func (a *App) build() {
	cfg := a.cfg
	a.hub = progress.NewHub()

	// In-process events go straight to the hub. Over NATS, every process
	// publishes and the gateway relays the stream back into its hub.
	sinks := []progress.Sink{progress.LogSink(a.logger)}
	if a.broker != nil {
		sinks = append(sinks, a.broker)
	} else {
		sinks = append(sinks, a.hub)
	}
	a.notifier = progress.NewNotifier(cfg.NotifierBuffer, sinks,
		progress.WithLogger(a.logger),
		progress.WithDropHook(metrics.EventsDropped.Inc),
	)

	a.jobs = scheduler.NewJobs(a.repo,
		scheduler.WithNotifier(a.notifier),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
	)

	if cfg.Runs(RoleScheduler) {
		a.sched = scheduler.New(a.repo, a.pub, cfg.Scheduler)
	}

	if cfg.Runs(RoleWorker) {
		workerID := cfg.WorkerID
		if workerID == "" {
			workerID = worker.NewWorkerID()
		}
		var indexer worker.Indexer
		opts := []worker.Option{
			worker.WithNotifier(a.notifier),
			worker.WithWorkerID(workerID),
			worker.WithConfig(cfg.Worker),
		}
		if a.idx != nil {
			indexer = a.idx
			opts = append(opts, worker.WithIndexer(a.idx))
		}
		a.consumer = worker.NewConsumer(a.repo, a.sub, worker.NewEnricher(workerID, indexer), opts...)
	}

	if cfg.Runs(RoleAPI) {
		a.updates = api.NewUpdatesHandler(a.jobs, a.hub)
	}
}

// Run starts the background loops of the role and blocks until ctx is done
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.sched != nil {
		if err := a.sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer a.sched.Stop()
	}

	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(ctx) })
	}

	if a.broker != nil && a.cfg.Runs(RoleAPI) {
		g.Go(func() error { return a.broker.Relay(ctx, a.hub.Send) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	a.logger.Info("pacer running", "role", a.cfg.Role, "store", a.cfg.Store, "transport", a.cfg.Transport)
	return g.Wait()
}

// Close releases every component, flushing pending events first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.updates != nil {
		a.updates.Close()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.mem != nil {
		errs = append(errs, a.mem.Close())
	}
	if a.idx != nil {
		errs = append(errs, a.idx.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	return errors.Join(errs...)
}

func (a *App) healthChecks() map[string]api.Pinger {
	checks := map[string]api.Pinger{"store": a.store}
	if a.conn != nil {
		checks["nats"] = a.conn
	}
	if a.idx != nil {
		checks["index"] = a.idx
	}
	return checks
}

func (a *App) deadLetters(ctx context.Context, limit int) ([]transport.DeadLetter, error) {
	if a.mem != nil {
		dead := a.mem.DeadLetters()
		if len(dead) > limit {
			dead = dead[:limit]
		}
		return dead, nil
	}
	return natsbackend.DeadLetters(ctx, a.conn.JS, limit)
}
