package cat

import (
	"context"
	"time"
)

// Granularity selects the sliding window used when counting notice
// failures for degradation. At most one granularity is active at a time;
// the finest configured one takes precedence.
type Granularity int

const (
	GranularityNone Granularity = iota
	GranularitySecond
	GranularityMinute
	GranularityHour
)

func (g Granularity) String() string {
	switch g {
	case GranularitySecond:
		return "seconds"
	case GranularityMinute:
		return "minutes"
	case GranularityHour:
		return "hours"
	default:
		return "none"
	}
}

// Duration returns the length of one window unit.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularitySecond:
		return time.Second
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	default:
		return 0
	}
}

// NoticeFailure is one bucket of recent notice failures, grouped by the
// originating call site.
type NoticeFailure struct {
	TargetClass  string
	TargetMethod string
	Count        int64
	Granularity  Granularity
}

// Repository is the storage contract every coordinator backend must
// implement. Mutations return the number of rows affected; zero rows from
// Update means the optimistic CAS lost, not an I/O failure. Driver errors
// are wrapped in StorageError.
type Repository interface {
	// Init performs backend-specific setup, executed once at startup.
	// The namespace isolates multiple applications sharing one backend.
	Init(namespace, appName string, cfg *Config) error

	// Scheme identifies the backend for pluggable selection at startup.
	Scheme() string

	// Create persists a new transaction. The stored row starts at
	// version 1.
	Create(ctx context.Context, tx *Transaction) (int, error)

	// Remove deletes the row for a TransID.
	Remove(ctx context.Context, transID string) (int, error)

	// Update persists status, participants and retry count under
	// optimistic concurrency: it succeeds only when the stored version
	// equals tx.Version, then increments the version and refreshes
	// LastTime. On success tx.Version reflects the new value.
	Update(ctx context.Context, tx *Transaction) (int, error)

	// UpdateParticipants replaces only the participant list, leaving
	// version and status untouched. Used after a partial failure to
	// persist the failed subset.
	UpdateParticipants(ctx context.Context, tx *Transaction) (int, error)

	// UpdateStatus sets only the status column.
	UpdateStatus(ctx context.Context, transID string, status Action) (int, error)

	// FindByID loads a transaction, or ErrTransactionNotFound.
	FindByID(ctx context.Context, transID string) (*Transaction, error)

	// ListAll returns every stored transaction.
	ListAll(ctx context.Context) ([]*Transaction, error)

	// ListOlderThan returns transactions last touched before the cutoff,
	// the recovery sweep's candidate set.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error)

	// CountFailuresSince buckets notice-pattern failures recorded after
	// the cutoff by (class, method), tagged with the window granularity.
	CountFailuresSince(ctx context.Context, cutoff time.Time, g Granularity) ([]NoticeFailure, error)

	// RemoveOlderThan deletes rows last touched before the cutoff, the
	// log retention sweep.
	RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
