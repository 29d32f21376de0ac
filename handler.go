package cat

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// workerPool bounds the goroutines that drive confirm/cancel/notice off
// the caller's success path, so the original caller is not blocked
// waiting for every participant's compensation.
type workerPool struct {
	tasks chan func()

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(workers, depth int) *workerPool {
	if workers <= 0 {
		workers = defaultConfig().AsyncThreads
	}
	if depth <= 0 {
		depth = defaultConfig().BufferSize
	}
	p := &workerPool{tasks: make(chan func(), depth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit queues a task, blocking when the pool is saturated. After close
// the task is dropped; the recovery sweep covers anything lost during
// shutdown.
func (p *workerPool) submit(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.tasks <- task
}

func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Dispatcher is the transport-facing entry point. It routes an
// intercepted call to the starter, participant, local or notice flow
// based on the call's pattern and the inbound propagation context, the
// same way the coordinator decides on every hop of a distributed call
// graph.
type Dispatcher struct {
	exec        *Executor
	degradation *DegradationController
	pool        *workerPool
	cfg         *Config
	log         hclog.Logger
}

// NewDispatcher wires the dispatch layer.
func NewDispatcher(exec *Executor, degradation *DegradationController, pool *workerPool, cfg *Config, log hclog.Logger) *Dispatcher {
	return &Dispatcher{
		exec:        exec,
		degradation: degradation,
		pool:        pool,
		cfg:         cfg,
		log:         log.Named("dispatcher"),
	}
}

// Invoke executes a call under its compensation pattern. The inbound
// transaction context, if any, is taken from ctx (placed there by the
// transport binding via WithTransactionContext after Acquire).
func (d *Dispatcher) Invoke(ctx context.Context, call *Call) (any, error) {
	if !d.cfg.Started {
		return call.Exec(ctx)
	}
	tc, _ := TransactionContextFrom(ctx)

	if call.Pattern == PatternNotice {
		if d.degradation.Degraded(call.TargetClass, call.TargetMethod) {
			// Availability over consistency: under sustained failure the
			// notice runs untracked.
			d.log.Info("notice degraded, executing pass-through",
				"class", call.TargetClass, "method", call.TargetMethod)
			return call.Exec(ctx)
		}
		if tc == nil {
			return d.startNotice(ctx, call)
		}
		switch tc.Role {
		case RoleTransport:
			tc.Role = RoleStart
			return d.consumeNotice(ctx, tc, call)
		case RoleLocal:
			return d.local(ctx, tc, call)
		case RoleStart, RoleInline:
			return d.participant(ctx, tc, call)
		default:
			return d.consumeNotice(ctx, tc, call)
		}
	}

	if tc == nil {
		return d.start(ctx, call)
	}
	switch tc.Role {
	case RoleTransport:
		tc.Role = RoleStart
		return call.Exec(ctx)
	case RoleLocal:
		return d.local(ctx, tc, call)
	case RoleStart, RoleInline:
		return d.participant(ctx, tc, call)
	default:
		return call.Exec(ctx)
	}
}

// start runs the top-level Try for TCC, SAGA and CC calls. On success the
// confirm phase is driven asynchronously; on failure the record is
// deleted and the original error propagates to the caller.
func (d *Dispatcher) start(ctx context.Context, call *Call) (any, error) {
	tx, callCtx, err := d.exec.PreTry(ctx, call)
	if err != nil {
		return nil, err
	}

	began := time.Now()
	ret, execErr := call.Exec(callCtx)
	if execErr != nil {
		if delErr := d.exec.Delete(tx); delErr != nil {
			d.log.Error("failed to delete transaction after try failure",
				"trans_id", tx.TransID, "error", delErr)
		}
		return nil, execErr
	}

	if err := d.exec.MarkTried(tx); err != nil {
		return nil, err
	}
	d.pool.submit(func() {
		if _, err := d.exec.Confirm(context.Background(), tx); err != nil {
			d.log.Error("async confirm failed", "trans_id", tx.TransID, "error", err)
		}
	})

	if timeoutErr := budgetExceeded(tx, time.Since(began)); timeoutErr != nil {
		return ret, timeoutErr
	}
	return ret, nil
}

// participant handles a call carrying a propagated context on a provider
// node, routed by the context's action.
func (d *Dispatcher) participant(ctx context.Context, tc *TransactionContext, call *Call) (any, error) {
	switch tc.Action {
	case ActionTrying:
		tx, callCtx, err := d.exec.PreTryParticipant(ctx, tc, call)
		if err != nil {
			return nil, err
		}
		began := time.Now()
		ret, execErr := call.Exec(callCtx)
		if execErr != nil {
			if delErr := d.exec.Delete(tx); delErr != nil {
				d.log.Error("failed to delete participant transaction",
					"trans_id", tx.TransID, "error", delErr)
			}
			return nil, execErr
		}
		if err := d.exec.MarkTried(tx); err != nil {
			return nil, err
		}
		if timeoutErr := budgetExceeded(tx, time.Since(began)); timeoutErr != nil {
			return ret, timeoutErr
		}
		return ret, nil

	case ActionConfirming:
		tx, err := d.exec.cache.Get(ctx, tc.TransID)
		if err != nil {
			return nil, err
		}
		return d.exec.Confirm(ctx, tx)

	case ActionCanceling:
		tx, err := d.exec.cache.Get(ctx, tc.TransID)
		if err != nil {
			return nil, err
		}
		return d.exec.Cancel(ctx, tx)

	case ActionNoticing:
		return d.consumeNotice(ctx, tc, call)

	default:
		return call.Exec(ctx)
	}
}

// local registers the nested call's compensations on the already-known
// transaction and proceeds in place. Only the Try phase enlists.
func (d *Dispatcher) local(ctx context.Context, tc *TransactionContext, call *Call) (any, error) {
	if tc.Action == ActionTrying && call.Pattern != PatternNotice {
		var confirm, cancel *Invocation
		var err error
		if call.ConfirmMethod != "" {
			confirm, err = NewInvocation(call.TargetClass, call.ConfirmMethod, call.Args)
			if err != nil {
				return nil, err
			}
		}
		if call.CancelMethod != "" {
			cancel, err = NewInvocation(call.TargetClass, call.CancelMethod, call.Args)
			if err != nil {
				return nil, err
			}
		}
		p := NewParticipant(tc.TransID, confirm, cancel)
		if err := d.exec.RegisterByNested(ctx, tc.TransID, p); err != nil {
			return nil, err
		}
	}
	return call.Exec(ctx)
}

// startNotice runs the top-level Notice flow. The record is deleted
// asynchronously on success; any failure, including a blown timeout
// budget, queues a redelivery of the same participant.
func (d *Dispatcher) startNotice(ctx context.Context, call *Call) (any, error) {
	tx, callCtx, err := d.exec.PreNotice(ctx, call)
	if err != nil {
		return nil, err
	}

	began := time.Now()
	ret, execErr := call.Exec(callCtx)
	if execErr != nil {
		d.redeliver(tx)
		return nil, execErr
	}

	if err := d.exec.MarkTried(tx); err != nil {
		return nil, err
	}
	if timeoutErr := budgetExceeded(tx, time.Since(began)); timeoutErr != nil {
		d.redeliver(tx)
		return ret, timeoutErr
	}

	d.pool.submit(func() {
		if err := d.exec.Finish(tx); err != nil {
			d.log.Error("failed to settle notice transaction",
				"trans_id", tx.TransID, "error", err)
		}
	})
	return ret, nil
}

func (d *Dispatcher) redeliver(tx *Transaction) {
	d.pool.submit(func() {
		if _, err := d.exec.Notice(context.Background(), tx); err != nil {
			d.log.Error("notice redelivery failed", "trans_id", tx.TransID, "error", err)
		}
	})
}

// consumeNotice executes a provider-side notice delivery. The attempt is
// cached but never persisted; redelivery is driven from the starter's
// record.
func (d *Dispatcher) consumeNotice(ctx context.Context, tc *TransactionContext, call *Call) (any, error) {
	tx, callCtx, err := d.exec.PreNoticeParticipant(ctx, tc, call)
	if err != nil {
		return nil, err
	}
	began := time.Now()
	ret, execErr := call.Exec(callCtx)
	if execErr != nil {
		return nil, execErr
	}
	if timeoutErr := budgetExceeded(tx, time.Since(began)); timeoutErr != nil {
		return ret, timeoutErr
	}
	return ret, nil
}

// budgetExceeded surfaces the advisory timeout. The business result is
// returned alongside the error: the call did succeed, only its SLA was
// violated.
func budgetExceeded(tx *Transaction, elapsed time.Duration) error {
	if tx.Timeout > 0 && elapsed > tx.Timeout {
		return &TimeoutError{Method: tx.TargetMethod, Budget: tx.Timeout, Elapsed: elapsed}
	}
	return nil
}
