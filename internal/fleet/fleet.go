// Package fleet wires every component onto one bus and owns the start and
// stop order.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleet-dispatcher/internal/api"
	"fleet-dispatcher/internal/balancer"
	"fleet-dispatcher/internal/bus"
	"fleet-dispatcher/internal/cluster"
	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/database"
	"fleet-dispatcher/internal/monitor"
	"fleet-dispatcher/internal/monitoring"
	"fleet-dispatcher/internal/observer"
	"fleet-dispatcher/internal/queue"
	"fleet-dispatcher/internal/resource"
	"fleet-dispatcher/internal/scheduler"
	"fleet-dispatcher/internal/source"
	"fleet-dispatcher/internal/storage"
	"fleet-dispatcher/internal/tracing"
	"fleet-dispatcher/internal/worker"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Options override the pieces tests need to control. Zero values select the
// simulated defaults.
type Options struct {
	// Executor builds the executor for a newly provisioned worker.
	Executor func(workerID string) worker.Executor
	// Sampler builds the telemetry sampler for a newly provisioned worker.
	Sampler func(workerID string) worker.Sampler
	// Source replaces the configured initial task source.
	Source scheduler.TaskSource
}

type Fleet struct {
	config  *config.Config
	logger  *zap.Logger
	options Options

	Bus       *bus.Bus
	Queue     *queue.TaskQueue
	Scheduler *scheduler.Scheduler
	Balancer  *balancer.Balancer
	Resources *resource.Manager
	Cluster   *cluster.Manager
	Monitor   *monitor.Monitor
	Observer  *observer.Observer
	Results   storage.ResultStore
	Recorder  *storage.Recorder
	Generator *source.Generator
	Metrics   *monitoring.Metrics
	Tracer    *tracing.TracingManager
	Health    *monitoring.HealthChecker

	server *api.Server
	redis  *redis.Client
	db     *database.DB

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancelBus context.CancelFunc
	cancelGen context.CancelFunc
	cancelRun context.CancelFunc
	cancelMgr context.CancelFunc
	cancelAgt context.CancelFunc
	busWG     sync.WaitGroup
	genWG     sync.WaitGroup
	runWG     sync.WaitGroup
	mgrWG     sync.WaitGroup
}

// New builds every component and subscribes it to the bus. Nothing runs
// until Start.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Fleet, error) {
	f := &Fleet{
		config:  cfg,
		logger:  logger,
		options: opts,
		Metrics: monitoring.NewMetrics(logger),
		Health:  monitoring.NewHealthChecker(logger),
	}

	endpoint := ""
	if cfg.Tracing.Enabled {
		endpoint = cfg.Tracing.JaegerEndpoint
	}
	f.Tracer = tracing.NewTracingManager(cfg.Tracing.ServiceName, endpoint, logger)

	if err := f.buildStorage(); err != nil {
		return nil, err
	}

	f.Bus = bus.New(logger)
	f.Queue = queue.NewTaskQueue(queue.WithShutdownPolicy(queue.ParseShutdownPolicy(cfg.Queue.ShutdownPolicy)))
	f.Scheduler = scheduler.New(cfg.Scheduler, f.Queue, f.Bus, f.taskSource(), f.Tracer, f.Metrics, logger)
	f.Balancer = balancer.New(cfg.Balancer, f.Bus, f.Tracer, f.Metrics, logger)
	f.Resources = resource.NewManager(cfg.Resource, f.Bus, f.Queue, f.Metrics, logger)
	f.Cluster = cluster.NewManager(cfg.Cluster, f.Bus, f.newAgent, f.Metrics, logger)
	f.Monitor = monitor.New(cfg.Monitor, cfg.Worker.HeartbeatInterval, logger)
	f.Observer = observer.New(observer.DefaultLogLimit, f.Metrics, logger)
	f.Recorder = storage.NewRecorder(f.Results, logger)

	if cfg.Generator.Enabled {
		f.Generator = source.NewGenerator(cfg.Generator, cfg.Worker.Nodes, f.Scheduler, time.Now().UnixNano(), logger)
	}

	f.Balancer.Subscribe(f.Bus)
	f.Resources.Subscribe(f.Bus)
	f.Cluster.Subscribe(f.Bus)
	f.Monitor.Subscribe(f.Bus)
	f.Observer.Subscribe(f.Bus)
	f.Recorder.Subscribe(f.Bus)

	if cfg.API.Enabled {
		handler := api.NewHandler(f.Scheduler, f.Observer, f.Queue, f.Results, f.Health, logger)
		router := api.NewRouter(cfg.API, handler, f.Metrics, f.Tracer, logger)
		f.server = api.NewServer(cfg.API, router, logger)
	}

	return f, nil
}

func (f *Fleet) buildStorage() error {
	if f.config.Storage.Backend == "redis" {
		f.redis = storage.NewRedisClient(f.config.Redis)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.redis.Ping(ctx).Err(); err != nil {
			f.redis.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	store, err := storage.New(f.config.Storage, f.redis, f.logger)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}
	f.Results = store
	if rs, ok := store.(*storage.RedisStore); ok {
		f.Health.AddCheck("redis", rs)
	}
	return nil
}

// taskSource resolves the initial task source. A database that cannot be
// reached is logged and the fleet starts without initial tasks.
func (f *Fleet) taskSource() scheduler.TaskSource {
	if f.options.Source != nil {
		return f.options.Source
	}

	switch f.config.Scheduler.TaskSource {
	case "file":
		return source.NewFileSource(f.config.Scheduler.TaskFile, f.logger)
	case "postgres":
		db, err := database.NewConnection(f.config.Database, f.logger)
		if err != nil {
			f.logger.Error("Failed to connect to task database", zap.Error(err))
			return nil
		}
		f.db = db
		f.Health.AddCheck("postgres", monitoring.HealthCheckFunc(db.HealthCheck))
		repo := database.NewTaskRepository(db, f.config.Database.TaskTable, f.logger)
		return source.NewPostgresSource(repo)
	default:
		return nil
	}
}

// newAgent is the cluster manager's AgentFactory.
func (f *Fleet) newAgent(id, nodeID string) *worker.Agent {
	var executor worker.Executor
	if f.options.Executor != nil {
		executor = f.options.Executor(id)
	} else {
		executor = worker.NewSimulatedExecutor(f.config.Worker.Execution, time.Now().UnixNano())
	}

	var sampler worker.Sampler
	if f.options.Sampler != nil {
		sampler = f.options.Sampler(id)
	} else {
		sampler = worker.NewRandomSampler(time.Now().UnixNano())
	}

	agent := worker.NewAgent(id, nodeID, f.config.Worker, f.Bus, executor, sampler, f.Tracer, f.logger)
	agent.Subscribe(f.Bus)
	return agent
}

// Start launches the bus, the bootstrap workers, the managers, the scheduler
// and, when enabled, the generator and the HTTP servers.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return errors.New("fleet already started")
	}
	f.started = true

	var busCtx, agentCtx, mgrCtx, runCtx context.Context
	busCtx, f.cancelBus = context.WithCancel(context.Background())
	agentCtx, f.cancelAgt = context.WithCancel(context.Background())
	mgrCtx, f.cancelMgr = context.WithCancel(ctx)
	runCtx, f.cancelRun = context.WithCancel(ctx)

	f.goRun(&f.busWG, func() { f.Bus.Run(busCtx) })

	f.Cluster.Start(agentCtx)
	nodes := f.config.Worker.Nodes
	for i := 0; i < f.config.Worker.InitialWorkers; i++ {
		id := fmt.Sprintf("worker_initial_%d", i)
		if _, err := f.Cluster.Provision(id, nodes[i%len(nodes)]); err != nil {
			return fmt.Errorf("failed to provision %s: %w", id, err)
		}
	}

	f.goRun(&f.mgrWG, func() { f.Balancer.Run(mgrCtx) })
	f.goRun(&f.mgrWG, func() { f.Resources.Run(mgrCtx) })
	f.goRun(&f.mgrWG, func() { f.Monitor.Run(mgrCtx) })

	f.goRun(&f.runWG, func() { f.Scheduler.Run(runCtx) })

	if f.Generator != nil {
		var genCtx context.Context
		genCtx, f.cancelGen = context.WithCancel(ctx)
		f.goRun(&f.genWG, func() { f.Generator.Run(genCtx) })
	}

	if f.config.Metrics.Enabled {
		go func() {
			if err := f.Metrics.StartServer(f.config.GetMetricsAddr(), f.config.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				f.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}
	if f.server != nil {
		f.server.Start()
	}

	f.logger.Info("Fleet started",
		zap.Int("workers", f.Cluster.Size()),
		zap.Strings("nodes", nodes))
	return nil
}

func (f *Fleet) goRun(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

// Stop shuts the fleet down: generator, queue, scheduler, managers, workers
// (in-flight tasks finish and report), bus drain, then the HTTP servers.
// When ctx expires before the workers finish, in-flight tasks are aborted.
func (f *Fleet) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.started || f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.logger.Info("Shutdown sequence initiated")
	var errs []error

	if f.cancelGen != nil {
		f.cancelGen()
		f.genWG.Wait()
	}

	f.Queue.Shutdown()
	f.cancelRun()
	f.runWG.Wait()

	f.cancelMgr()
	f.mgrWG.Wait()

	if err := f.Cluster.Shutdown(ctx); err != nil {
		errs = append(errs, err)
		f.logger.Warn("Graceful worker shutdown incomplete, aborting in-flight tasks", zap.Error(err))
	}
	f.cancelAgt()

	f.cancelBus()
	f.busWG.Wait()
	f.Recorder.Flush()

	if f.server != nil {
		if err := f.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.Metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
	}
	if err := f.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if f.redis != nil {
		if err := f.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if f.db != nil {
		if err := f.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	f.logger.Info("System has been shut down")
	return errors.Join(errs...)
}
