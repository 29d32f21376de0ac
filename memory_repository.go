package cat

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryRepository is an in-memory Repository for tests and embedded use.
// Rows are kept in a btree ordered by TransID so listings are
// deterministic. All reads and writes work on snapshots, so callers can
// never alias a stored row; the version CAS in Update is the only
// cross-goroutine arbitration, exactly as with a real backend.
type MemoryRepository struct {
	mu   sync.Mutex
	rows *btree.Map[string, *Transaction]
	next uint64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows: btree.NewMap[string, *Transaction](16),
	}
}

// Init implements Repository. The memory backend needs no setup.
func (r *MemoryRepository) Init(namespace, appName string, cfg *Config) error {
	return nil
}

// Scheme implements Repository.
func (r *MemoryRepository) Scheme() string { return "memory" }

// Create implements Repository.
func (r *MemoryRepository) Create(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows.Get(tx.TransID); exists {
		return 0, nil
	}
	r.next++
	stored := tx.Snapshot()
	stored.ID = r.next
	stored.Version = 1
	r.rows.Set(stored.TransID, stored)
	tx.ID = stored.ID
	tx.Version = 1
	return 1, nil
}

// Remove implements Repository.
func (r *MemoryRepository) Remove(ctx context.Context, transID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, deleted := r.rows.Delete(transID); !deleted {
		return 0, nil
	}
	return 1, nil
}

// Update implements Repository. The version compare-and-swap makes this
// the arbitration point when several coordinator processes race to
// recover the same row.
func (r *MemoryRepository) Update(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.rows.Get(tx.TransID)
	if !ok || stored.Version != tx.Version {
		return 0, nil
	}
	next := tx.Snapshot()
	next.ID = stored.ID
	next.CreateTime = stored.CreateTime
	next.Version = stored.Version + 1
	next.LastTime = time.Now()
	r.rows.Set(next.TransID, next)
	tx.Version = next.Version
	tx.LastTime = next.LastTime
	return 1, nil
}

// UpdateParticipants implements Repository.
func (r *MemoryRepository) UpdateParticipants(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.rows.Get(tx.TransID)
	if !ok {
		return 0, nil
	}
	next := stored.Snapshot()
	next.Participants = tx.Snapshot().Participants
	r.rows.Set(next.TransID, next)
	return 1, nil
}

// UpdateStatus implements Repository.
func (r *MemoryRepository) UpdateStatus(ctx context.Context, transID string, status Action) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.rows.Get(transID)
	if !ok {
		return 0, nil
	}
	next := stored.Snapshot()
	next.Status = status
	r.rows.Set(next.TransID, next)
	return 1, nil
}

// FindByID implements Repository.
func (r *MemoryRepository) FindByID(ctx context.Context, transID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.rows.Get(transID)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return stored.Snapshot(), nil
}

// ListAll implements Repository.
func (r *MemoryRepository) ListAll(ctx context.Context) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Transaction, 0, r.rows.Len())
	r.rows.Scan(func(_ string, tx *Transaction) bool {
		out = append(out, tx.Snapshot())
		return true
	})
	return out, nil
}

// ListOlderThan implements Repository.
func (r *MemoryRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Transaction
	r.rows.Scan(func(_ string, tx *Transaction) bool {
		if tx.LastTime.Before(cutoff) {
			out = append(out, tx.Snapshot())
		}
		return true
	})
	return out, nil
}

// CountFailuresSince implements Repository.
func (r *MemoryRepository) CountFailuresSince(ctx context.Context, cutoff time.Time, g Granularity) ([]NoticeFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]*NoticeFailure)
	var order []string
	r.rows.Scan(func(_ string, tx *Transaction) bool {
		if tx.Pattern != PatternNotice || tx.LastTime.Before(cutoff) {
			return true
		}
		key := tx.TargetClass + "#" + tx.TargetMethod
		bucket, ok := counts[key]
		if !ok {
			bucket = &NoticeFailure{
				TargetClass:  tx.TargetClass,
				TargetMethod: tx.TargetMethod,
				Granularity:  g,
			}
			counts[key] = bucket
			order = append(order, key)
		}
		bucket.Count++
		return true
	})

	out := make([]NoticeFailure, 0, len(order))
	for _, key := range order {
		out = append(out, *counts[key])
	}
	return out, nil
}

// RemoveOlderThan implements Repository.
func (r *MemoryRepository) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []string
	r.rows.Scan(func(id string, tx *Transaction) bool {
		if tx.LastTime.Before(cutoff) {
			victims = append(victims, id)
		}
		return true
	})
	for _, id := range victims {
		r.rows.Delete(id)
	}
	return len(victims), nil
}
