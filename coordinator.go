package cat

import (
	"context"
)

// Coordinator wires the transaction machinery together: the handler
// registry, the bounded cache, the sharded log pipeline, the dispatcher
// and the recovery scheduler. One Coordinator serves one application.
type Coordinator struct {
	cfg         *Config
	repo        Repository
	registry    *InvocationRegistry
	cache       *TransactionCache
	pipeline    *LogPipeline
	executor    *Executor
	pool        *workerPool
	dispatcher  *Dispatcher
	degradation *DegradationController
	recovery    *RecoveryService
	scheduler   *Scheduler
}

// New builds and starts a Coordinator backed by the given repository.
// The repository is initialized with the configured namespace before any
// component touches it.
func New(repo Repository, opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.normalize()

	if err := repo.Init(cfg.Namespace, cfg.AppName, cfg); err != nil {
		return nil, err
	}

	log := cfg.Logger
	c := &Coordinator{
		cfg:      cfg,
		repo:     repo,
		registry: NewInvocationRegistry(),
	}
	c.cache = NewTransactionCache(repo, cfg.CacheMax)
	c.pipeline = NewLogPipeline(repo, log, cfg.ConsumerThreads, cfg.BufferSize)
	c.executor = NewExecutor(c.registry, c.cache, c.pipeline, cfg, log)
	c.pool = newWorkerPool(cfg.AsyncThreads, cfg.BufferSize)
	c.degradation = NewDegradationController(repo, cfg, log)
	c.dispatcher = NewDispatcher(c.executor, c.degradation, c.pool, cfg, log)
	c.recovery = NewRecoveryService(repo, c.registry, c.cache, log)
	c.scheduler = NewScheduler(repo, c.recovery, cfg, log)

	if cfg.Started {
		c.scheduler.Start()
		c.degradation.Start()
	}

	log.Info("transaction coordinator started",
		"app", cfg.AppName, "namespace", cfg.Namespace, "scheme", repo.Scheme())
	return c, nil
}

// Registry exposes the invocation registry so applications can bind
// confirm, cancel and notice handlers before executing calls.
func (c *Coordinator) Registry() *InvocationRegistry {
	return c.registry
}

// Execute runs a call under compensating-transaction control. Role and
// phase are derived from the transaction context carried in ctx; absent
// a context the call starts a new transaction.
func (c *Coordinator) Execute(ctx context.Context, call *Call) (any, error) {
	return c.dispatcher.Invoke(ctx, call)
}

// EnlistParticipant appends a remote participant to the active
// transaction carried in ctx. Transport bindings call it after a
// successful provider call during the Try phase, so the starter's
// confirm and cancel fan out to the provider as well.
func (c *Coordinator) EnlistParticipant(ctx context.Context, p *Participant) error {
	return c.executor.EnlistParticipant(ctx, p)
}

// Sweep forces one recovery pass outside the scheduler's cadence.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.scheduler.Sweep(ctx)
}

// Close drains in-flight work and stops the background loops. The
// worker pool closes first so queued confirms still reach the pipeline.
func (c *Coordinator) Close() error {
	c.pool.close()
	if c.cfg.Started {
		c.scheduler.Close()
		c.degradation.Close()
	}
	c.pipeline.Close()
	return nil
}
