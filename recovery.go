package cat

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// RecoveryService re-drives the terminal phase of a stuck transaction.
// Unlike the executor's happy path it writes through the repository
// directly: recovery already owns the row via the CAS win, so there is no
// ordering to preserve against a live caller.
type RecoveryService struct {
	repo     Repository
	registry *InvocationRegistry
	cache    *TransactionCache
	log      hclog.Logger
}

// NewRecoveryService wires the recovery re-drive path.
func NewRecoveryService(repo Repository, registry *InvocationRegistry, cache *TransactionCache, log hclog.Logger) *RecoveryService {
	return &RecoveryService{
		repo:     repo,
		registry: registry,
		cache:    cache,
		log:      log.Named("recovery"),
	}
}

// Confirm re-drives confirm invocations for every remaining participant.
func (s *RecoveryService) Confirm(ctx context.Context, tx *Transaction) error {
	return s.redrive(ctx, tx, ActionConfirming)
}

// Cancel re-drives cancel invocations for every remaining participant.
func (s *RecoveryService) Cancel(ctx context.Context, tx *Transaction) error {
	return s.redrive(ctx, tx, ActionCanceling)
}

// Notice re-drives notice deliveries for every remaining participant.
func (s *RecoveryService) Notice(ctx context.Context, tx *Transaction) error {
	return s.redrive(ctx, tx, ActionNoticing)
}

func (s *RecoveryService) redrive(ctx context.Context, tx *Transaction, action Action) error {
	if tx == nil {
		return nil
	}
	if len(tx.Participants) == 0 {
		s.cache.Remove(tx.TransID)
		_, err := s.repo.Remove(ctx, tx.TransID)
		return err
	}
	var failed []*Participant
	for _, p := range tx.Participants {
		invokeCtx := WithTransactionContext(ctx, &TransactionContext{
			TransID: p.TransID,
			Action:  action,
			Role:    RoleStart,
		})
		if _, err := s.registry.Invoke(invokeCtx, invocationFor(p, action)); err != nil {
			s.log.Error("recovery invocation failed",
				"action", action.String(),
				"trans_id", p.TransID,
				"error", err)
			failed = append(failed, p)
		}
	}

	s.cache.Remove(tx.TransID)
	if len(failed) == 0 {
		if _, err := s.repo.Remove(ctx, tx.TransID); err != nil {
			return err
		}
		return nil
	}
	tx.Participants = failed
	if _, err := s.repo.UpdateParticipants(ctx, tx); err != nil {
		return err
	}
	return &PartialCompensationError{Action: action, Failed: failed}
}

// Scheduler periodically sweeps storage for stuck transactions and
// re-drives them through the RecoveryService. Recovery is intentionally
// serial within one process to bound load; across processes the
// optimistic CAS in the sweep arbitrates who re-drives a given row.
type Scheduler struct {
	repo     Repository
	recovery *RecoveryService
	cfg      *Config
	log      hclog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewScheduler builds the sweep loop without starting it.
func NewScheduler(repo Repository, recovery *RecoveryService, cfg *Config, log hclog.Logger) *Scheduler {
	return &Scheduler{
		repo:     repo,
		recovery: recovery,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep goroutine: one initial delay, then a fixed
// delay between sweep completions.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		timer := time.NewTimer(s.cfg.ScheduledInitDelay)
		defer timer.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-timer.C:
			}
			s.Sweep(context.Background())
			s.retention(context.Background())
			timer.Reset(s.cfg.ScheduledDelay)
		}
	}()
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Sweep runs one recovery pass. Exported so operators and tests can force
// a pass without waiting for the schedule.
func (s *Scheduler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RecoverDelay)
	candidates, err := s.repo.ListOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("recovery sweep query failed", "error", err)
		return
	}
	for _, tx := range candidates {
		s.recover(ctx, tx)
	}
}

func (s *Scheduler) recover(ctx context.Context, tx *Transaction) {
	// A provider whose Try was never acknowledged is an orphaned attempt
	// with nothing to compensate.
	if tx.Role == RoleProvider && tx.Status == ActionPreTry {
		if _, err := s.repo.Remove(ctx, tx.TransID); err != nil {
			s.log.Error("failed to remove orphaned attempt", "trans_id", tx.TransID, "error", err)
		}
		return
	}

	if tx.RetriedCount >= s.retryMax(tx) {
		s.log.Debug("retry ceiling reached, leaving for operator inspection",
			"trans_id", tx.TransID, "retried", tx.RetriedCount)
		return
	}

	// Compensations are never generated for incomplete Saga steps.
	if tx.Pattern == PatternCC && tx.Status == ActionTrying {
		return
	}

	// Grace period: give the original caller's own retry a chance first.
	if tx.Role == RoleProvider {
		grace := s.cfg.RecoverDelay * time.Duration(s.cfg.LoadFactor)
		if time.Since(tx.CreateTime) < grace {
			return
		}
	}

	tx.RetriedCount++
	rows, err := s.repo.Update(ctx, tx)
	if err != nil {
		s.log.Error("recovery CAS update failed", "trans_id", tx.TransID, "error", err)
		return
	}
	if rows == 0 {
		// Another coordinator instance won the version bump.
		return
	}

	var redriveErr error
	switch tx.Status {
	case ActionPreTry, ActionTrying, ActionCanceling:
		redriveErr = s.recovery.Cancel(ctx, tx)
	case ActionConfirming:
		redriveErr = s.recovery.Confirm(ctx, tx)
	case ActionNoticing:
		redriveErr = s.recovery.Notice(ctx, tx)
	}
	if redriveErr != nil {
		s.log.Error("recovery re-drive incomplete", "trans_id", tx.TransID, "error", redriveErr)
	}
}

func (s *Scheduler) retryMax(tx *Transaction) int {
	if tx.RetryMax > 0 {
		return tx.RetryMax
	}
	return s.cfg.RetryMax
}

// retention removes rows last touched beyond the retention horizon.
func (s *Scheduler) retention(ctx context.Context) {
	if s.cfg.LogRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.LogRetention)
	removed, err := s.repo.RemoveOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("log retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("log retention sweep removed rows", "rows", removed)
	}
}
