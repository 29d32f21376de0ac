package cat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Call describes one intercepted business method. The transport binding
// builds it at the call site; Exec is the wrapped business call itself.
type Call struct {
	TargetClass  string
	TargetMethod string
	Pattern      Pattern

	// ConfirmMethod and CancelMethod name the compensating callbacks
	// registered for TargetClass. Empty means the starter enlists no
	// invocation for that side.
	ConfirmMethod string
	CancelMethod  string

	// Args are captured at enlistment time and replayed to the
	// registered callbacks.
	Args any

	// RetryMax overrides the configured recovery ceiling when positive.
	RetryMax int

	// Timeout is the advisory wall-clock budget for Exec.
	Timeout time.Duration

	// Exec runs the wrapped business method.
	Exec func(ctx context.Context) (any, error)
}

// Executor orchestrates the Try/Confirm/Cancel/Notice state machine. It
// owns no goroutines; persistence goes through the log pipeline and
// callbacks through the invocation registry, both injected at startup.
type Executor struct {
	registry *InvocationRegistry
	cache    *TransactionCache
	pipeline *LogPipeline
	cfg      *Config
	log      hclog.Logger
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(registry *InvocationRegistry, cache *TransactionCache, pipeline *LogPipeline, cfg *Config, log hclog.Logger) *Executor {
	return &Executor{
		registry: registry,
		cache:    cache,
		pipeline: pipeline,
		cfg:      cfg,
		log:      log.Named("executor"),
	}
}

// buildTransaction translates a call into a transaction with the starter's
// own participant enlisted. A notice call enlists a notice invocation that
// re-executes the target method; other patterns enlist the configured
// confirm/cancel callbacks.
func (e *Executor) buildTransaction(call *Call, role Role, transID string) (*Transaction, error) {
	var tx *Transaction
	if transID != "" {
		tx = NewParticipantTransaction(transID, call.Pattern)
		tx.Role = role
	} else {
		tx = NewTransaction(call.Pattern, role)
	}
	tx.TargetClass = call.TargetClass
	tx.TargetMethod = call.TargetMethod
	tx.Timeout = call.Timeout
	tx.RetryMax = call.RetryMax
	if tx.RetryMax <= 0 {
		tx.RetryMax = e.cfg.RetryMax
	}

	if call.Pattern == PatternNotice {
		notice, err := NewInvocation(call.TargetClass, call.TargetMethod, call.Args)
		if err != nil {
			return nil, err
		}
		if err := tx.RegisterParticipant(NewNoticeParticipant(tx.TransID, notice)); err != nil {
			return nil, err
		}
		tx.Status = ActionNoticing
		return tx, nil
	}

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
	if confirm != nil || cancel != nil {
		if err := tx.RegisterParticipant(NewParticipant(tx.TransID, confirm, cancel)); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// PreTry allocates the starter-side transaction, queues its persistence
// and returns a context carrying both the active transaction and the
// outbound propagation context.
func (e *Executor) PreTry(ctx context.Context, call *Call) (*Transaction, context.Context, error) {
	e.log.Debug("transaction starter", "method", call.TargetMethod)
	tx, err := e.buildTransaction(call, RoleStart, "")
	if err != nil {
		return nil, ctx, err
	}
	if err := e.pipeline.Save(tx); err != nil {
		return nil, ctx, err
	}
	ctx = WithTransaction(ctx, tx)
	ctx = WithTransactionContext(ctx, &TransactionContext{
		TransID: tx.TransID,
		Action:  ActionTrying,
		Role:    RoleStart,
	})
	return tx, ctx, nil
}

// PreTryParticipant allocates the provider-side transaction for a
// propagated context, admits it to the cache and queues its persistence.
// The context role is rewritten to LOCAL so nested calls on this node are
// not mistaken for new top-level transactions.
func (e *Executor) PreTryParticipant(ctx context.Context, tc *TransactionContext, call *Call) (*Transaction, context.Context, error) {
	e.log.Debug("participant transaction start", "trans_id", tc.TransID)
	tx, err := e.buildTransaction(call, RoleProvider, tc.TransID)
	if err != nil {
		return nil, ctx, err
	}
	e.cache.Put(tx)
	if err := e.pipeline.Save(tx); err != nil {
		return nil, ctx, err
	}
	tc.Role = RoleLocal
	ctx = WithTransaction(ctx, tx)
	ctx = WithTransactionContext(ctx, tc)
	return tx, ctx, nil
}

// PreNotice allocates the starter-side notice transaction. The outbound
// context carries the NOTICEING action.
func (e *Executor) PreNotice(ctx context.Context, call *Call) (*Transaction, context.Context, error) {
	e.log.Debug("notice transaction starter", "method", call.TargetMethod)
	tx, err := e.buildTransaction(call, RoleStart, "")
	if err != nil {
		return nil, ctx, err
	}
	if err := e.pipeline.Save(tx); err != nil {
		return nil, ctx, err
	}
	ctx = WithTransaction(ctx, tx)
	ctx = WithTransactionContext(ctx, &TransactionContext{
		TransID: tx.TransID,
		Action:  ActionNoticing,
		Role:    RoleStart,
	})
	return tx, ctx, nil
}

// PreNoticeParticipant admits a provider-side notice transaction to the
// cache. Provider notice attempts are not persisted; redelivery is driven
// from the starter's record.
func (e *Executor) PreNoticeParticipant(ctx context.Context, tc *TransactionContext, call *Call) (*Transaction, context.Context, error) {
	e.log.Debug("notice participant start", "trans_id", tc.TransID)
	tx, err := e.buildTransaction(call, RoleProvider, tc.TransID)
	if err != nil {
		return nil, ctx, err
	}
	e.cache.Put(tx)
	tc.Role = RoleLocal
	ctx = WithTransaction(ctx, tx)
	ctx = WithTransactionContext(ctx, tc)
	return tx, ctx, nil
}

// MarkTried advances a transaction out of PRE_TRY after the business call
// returned successfully and queues the status update.
func (e *Executor) MarkTried(tx *Transaction) error {
	if tx.Pattern == PatternNotice {
		tx.Status = ActionNoticing
	} else {
		tx.Status = ActionTrying
	}
	return e.pipeline.UpdateStatus(tx)
}

// Delete queues removal of a transaction record.
func (e *Executor) Delete(tx *Transaction) error {
	return e.pipeline.Delete(tx)
}

// EnlistParticipant appends a participant to the active transaction in
// ctx and queues the participant update, so partial enlistment survives a
// crash before Confirm/Cancel begins. Invoked by the transport boundary
// after a successful remote call during the Try phase.
func (e *Executor) EnlistParticipant(ctx context.Context, p *Participant) error {
	if p == nil {
		return nil
	}
	tx, ok := TransactionFrom(ctx)
	if !ok {
		return nil
	}
	if err := tx.RegisterParticipant(p); err != nil {
		return err
	}
	return e.pipeline.UpdateParticipants(tx)
}

// RegisterByNested appends a participant to a cached transaction when a
// nested in-process call completes during the Try phase.
func (e *Executor) RegisterByNested(ctx context.Context, transID string, p *Participant) error {
	if p == nil || p.Confirm == nil || p.Cancel == nil {
		return nil
	}
	tx, err := e.cache.Get(ctx, transID)
	if err != nil {
		return err
	}
	if err := tx.RegisterParticipant(p); err != nil {
		return err
	}
	return e.pipeline.UpdateParticipants(tx)
}

// Confirm drives the confirm invocation across every enlisted participant.
// All participants are attempted regardless of earlier failures; on full
// success the record is deleted, otherwise only the failed subset is
// persisted and a PartialCompensationError is returned. The first
// collected result is returned for the caller's wire contract.
func (e *Executor) Confirm(ctx context.Context, tx *Transaction) (any, error) {
	return e.runPhase(ctx, tx, ActionConfirming)
}

// Cancel drives the cancel invocation across every enlisted participant.
// A CC-pattern transaction still in TRYING is never compensated: the
// record is deleted instead, since Saga-style compensations are not
// generated for steps that never completed.
func (e *Executor) Cancel(ctx context.Context, tx *Transaction) (any, error) {
	return e.runPhase(ctx, tx, ActionCanceling)
}

// Notice redelivers the notice invocation across enlisted participants,
// applying the advisory timeout budget to each delivery.
func (e *Executor) Notice(ctx context.Context, tx *Transaction) (any, error) {
	return e.runPhase(ctx, tx, ActionNoticing)
}

func (e *Executor) runPhase(ctx context.Context, tx *Transaction, action Action) (any, error) {
	if tx == nil {
		return nil, nil
	}
	// Nothing enlisted means nothing to drive; the record is settled.
	if len(tx.Participants) == 0 {
		e.cache.Remove(tx.TransID)
		return nil, e.pipeline.Delete(tx)
	}
	if action == ActionCanceling && tx.Pattern == PatternCC && tx.Status == ActionTrying {
		e.cache.Remove(tx.TransID)
		return nil, e.pipeline.Delete(tx)
	}

	tx.Status = action
	if err := e.pipeline.UpdateStatus(tx); err != nil {
		return nil, err
	}

	var results []any
	var failed []*Participant
	for _, p := range tx.Participants {
		inv := invocationFor(p, action)
		// Handlers that forward the callback over RPC read the phase
		// context from ctx and transmit it to the remote side.
		invokeCtx := WithTransactionContext(ctx, &TransactionContext{
			TransID: p.TransID,
			Action:  action,
			Role:    RoleStart,
		})
		start := time.Now()
		result, err := e.registry.Invoke(invokeCtx, inv)
		if err == nil && action == ActionNoticing && tx.Timeout > 0 {
			if elapsed := time.Since(start); elapsed > tx.Timeout {
				err = &TimeoutError{Method: tx.TargetMethod, Budget: tx.Timeout, Elapsed: elapsed}
			}
		}
		if err != nil {
			e.log.Error("participant invocation failed",
				"action", action.String(),
				"trans_id", p.TransID,
				"error", err)
			failed = append(failed, p)
			continue
		}
		results = append(results, result)
	}

	if err := e.finishPhase(tx, action, failed); err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results[0], nil
	}
	return nil, nil
}

// finishPhase settles a phase attempt: full success deletes the record,
// partial failure keeps only the failed subset for recovery.
func (e *Executor) finishPhase(tx *Transaction, action Action, failed []*Participant) error {
	e.cache.Remove(tx.TransID)
	if len(failed) == 0 {
		return e.pipeline.Delete(tx)
	}
	tx.Participants = failed
	if err := e.pipeline.UpdateParticipants(tx); err != nil {
		return err
	}
	return &PartialCompensationError{Action: action, Failed: failed}
}

// Finish removes a fully settled transaction from cache and storage.
func (e *Executor) Finish(tx *Transaction) error {
	if tx == nil {
		return nil
	}
	e.cache.Remove(tx.TransID)
	return e.pipeline.Delete(tx)
}

// invocationFor selects the participant invocation matching a phase.
func invocationFor(p *Participant, action Action) *Invocation {
	switch action {
	case ActionConfirming:
		return p.Confirm
	case ActionCanceling:
		return p.Cancel
	case ActionNoticing:
		return p.Notice
	default:
		return nil
	}
}
