package cat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRepository persists each transaction as a JSON file on disk. It is
// meant for single-process deployments without a database; the version
// CAS is enforced under a process-wide mutex, so it does not arbitrate
// between separate coordinator processes sharing a directory.
type FileRepository struct {
	basePath string
	dir      string
	mu       sync.Mutex // protects file operations
}

// NewFileRepository creates a file-backed repository rooted at basePath.
// The namespace chosen at Init becomes a subdirectory.
func NewFileRepository(basePath string) *FileRepository {
	return &FileRepository{basePath: basePath}
}

// Init implements Repository.
func (r *FileRepository) Init(namespace, appName string, cfg *Config) error {
	dir := filepath.Join(r.basePath, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewStorageError("init", fmt.Errorf("failed to create directory: %w", err))
	}
	r.dir = dir
	return nil
}

// Scheme implements Repository.
func (r *FileRepository) Scheme() string { return "file" }

func (r *FileRepository) filename(transID string) string {
	return filepath.Join(r.dir, transID+".json")
}

func (r *FileRepository) read(transID string) (*Transaction, error) {
	data, err := os.ReadFile(r.filename(transID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTransactionNotFound
		}
		return nil, NewStorageError("read", err)
	}
	tx := &Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, NewStorageError("read", fmt.Errorf("failed to unmarshal transaction: %w", err))
	}
	return tx, nil
}

func (r *FileRepository) write(tx *Transaction) error {
	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return NewStorageError("write", fmt.Errorf("failed to marshal transaction: %w", err))
	}
	if err := os.WriteFile(r.filename(tx.TransID), data, 0o644); err != nil {
		return NewStorageError("write", err)
	}
	return nil
}

// Create implements Repository.
func (r *FileRepository) Create(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.read(tx.TransID); err == nil {
		return 0, nil
	}
	tx.Version = 1
	if err := r.write(tx); err != nil {
		return 0, err
	}
	return 1, nil
}

// Remove implements Repository.
func (r *FileRepository) Remove(ctx context.Context, transID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.filename(transID)); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, NewStorageError("remove", err)
	}
	return 1, nil
}

// Update implements Repository.
func (r *FileRepository) Update(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.read(tx.TransID)
	if err != nil {
		if err == ErrTransactionNotFound {
			return 0, nil
		}
		return 0, err
	}
	if stored.Version != tx.Version {
		return 0, nil
	}
	next := tx.Snapshot()
	next.ID = stored.ID
	next.CreateTime = stored.CreateTime
	next.Version = stored.Version + 1
	next.LastTime = time.Now()
	if err := r.write(next); err != nil {
		return 0, err
	}
	tx.Version = next.Version
	tx.LastTime = next.LastTime
	return 1, nil
}

// UpdateParticipants implements Repository.
func (r *FileRepository) UpdateParticipants(ctx context.Context, tx *Transaction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.read(tx.TransID)
	if err != nil {
		if err == ErrTransactionNotFound {
			return 0, nil
		}
		return 0, err
	}
	stored.Participants = tx.Snapshot().Participants
	if err := r.write(stored); err != nil {
		return 0, err
	}
	return 1, nil
}

// UpdateStatus implements Repository.
func (r *FileRepository) UpdateStatus(ctx context.Context, transID string, status Action) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.read(transID)
	if err != nil {
		if err == ErrTransactionNotFound {
			return 0, nil
		}
		return 0, err
	}
	stored.Status = status
	if err := r.write(stored); err != nil {
		return 0, err
	}
	return 1, nil
}

// FindByID implements Repository.
func (r *FileRepository) FindByID(ctx context.Context, transID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(transID)
}

func (r *FileRepository) scan() ([]*Transaction, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, NewStorageError("list", err)
	}
	var out []*Transaction
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		tx, err := r.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if err == ErrTransactionNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransID < out[j].TransID })
	return out, nil
}

// ListAll implements Repository.
func (r *FileRepository) ListAll(ctx context.Context) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan()
}

// ListOlderThan implements Repository.
func (r *FileRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.scan()
	if err != nil {
		return nil, err
	}
	var out []*Transaction
	for _, tx := range all {
		if tx.LastTime.Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// CountFailuresSince implements Repository.
func (r *FileRepository) CountFailuresSince(ctx context.Context, cutoff time.Time, g Granularity) ([]NoticeFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.scan()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]*NoticeFailure)
	var order []string
	for _, tx := range all {
		if tx.Pattern != PatternNotice || tx.LastTime.Before(cutoff) {
			continue
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
	}
	out := make([]NoticeFailure, 0, len(order))
	for _, key := range order {
		out = append(out, *counts[key])
	}
	return out, nil
}

// RemoveOlderThan implements Repository.
func (r *FileRepository) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.scan()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, tx := range all {
		if !tx.LastTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(r.filename(tx.TransID)); err != nil && !os.IsNotExist(err) {
			return removed, NewStorageError("remove", err)
		}
		removed++
	}
	return removed, nil
}
