package cat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// transactionRow is the relational projection of a Transaction. The
// participant list is stored as a JSON blob; the version column carries
// the optimistic-concurrency token.
type transactionRow struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	TransID      string    `gorm:"column:trans_id;uniqueIndex;size:64"`
	Pattern      int       `gorm:"column:pattern"`
	Role         int       `gorm:"column:role"`
	Status       int       `gorm:"column:status"`
	Participants []byte    `gorm:"column:participants"`
	RetriedCount int       `gorm:"column:retried_count"`
	RetryMax     int       `gorm:"column:retry_max"`
	TimeoutNanos int64     `gorm:"column:timeout_nanos"`
	Version      int64     `gorm:"column:version"`
	CreateTime   time.Time `gorm:"column:create_time;index"`
	LastTime     time.Time `gorm:"column:last_time;index"`
	TargetClass  string    `gorm:"column:target_class;size:256"`
	TargetMethod string    `gorm:"column:target_method;size:128"`
}

// GormRepository is a SQL-backed Repository on gorm. The UPDATE guarded by
// the version column is the compare-and-swap that arbitrates between
// coordinator processes sharing one database.
type GormRepository struct {
	db    *gorm.DB
	table string
}

// NewGormRepository wraps an open gorm handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// OpenMySQLRepository dials MySQL and returns a repository over it.
func OpenMySQLRepository(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, NewStorageError("open", err)
	}
	return NewGormRepository(db), nil
}

// Init implements Repository: it migrates the namespaced transaction table.
func (r *GormRepository) Init(namespace, appName string, cfg *Config) error {
	r.table = "cat_transaction_" + namespace
	if err := r.db.Table(r.table).AutoMigrate(&transactionRow{}); err != nil {
		return NewStorageError("init", err)
	}
	return nil
}

// Scheme implements Repository.
func (r *GormRepository) Scheme() string { return "db" }

func (r *GormRepository) toRow(tx *Transaction) (*transactionRow, error) {
	participants, err := tx.EncodeParticipants()
	if err != nil {
		return nil, err
	}
	return &transactionRow{
		ID:           tx.ID,
		TransID:      tx.TransID,
		Pattern:      int(tx.Pattern),
		Role:         int(tx.Role),
		Status:       int(tx.Status),
		Participants: participants,
		RetriedCount: tx.RetriedCount,
		RetryMax:     tx.RetryMax,
		TimeoutNanos: int64(tx.Timeout),
		Version:      tx.Version,
		CreateTime:   tx.CreateTime,
		LastTime:     tx.LastTime,
		TargetClass:  tx.TargetClass,
		TargetMethod: tx.TargetMethod,
	}, nil
}

func (r *GormRepository) fromRow(row *transactionRow) (*Transaction, error) {
	participants, err := DecodeParticipants(row.Participants)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		ID:           row.ID,
		TransID:      row.TransID,
		Pattern:      Pattern(row.Pattern),
		Role:         Role(row.Role),
		Status:       Action(row.Status),
		Participants: participants,
		RetriedCount: row.RetriedCount,
		RetryMax:     row.RetryMax,
		Timeout:      time.Duration(row.TimeoutNanos),
		Version:      row.Version,
		CreateTime:   row.CreateTime,
		LastTime:     row.LastTime,
		TargetClass:  row.TargetClass,
		TargetMethod: row.TargetMethod,
	}, nil
}

// Create implements Repository.
func (r *GormRepository) Create(ctx context.Context, tx *Transaction) (int, error) {
	row, err := r.toRow(tx)
	if err != nil {
		return 0, err
	}
	row.ID = 0
	row.Version = 1
	res := r.db.WithContext(ctx).Table(r.table).Create(row)
	if res.Error != nil {
		return 0, NewStorageError("create", res.Error)
	}
	tx.ID = row.ID
	tx.Version = 1
	return int(res.RowsAffected), nil
}

// Remove implements Repository.
func (r *GormRepository) Remove(ctx context.Context, transID string) (int, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("trans_id = ?", transID).
		Delete(&transactionRow{})
	if res.Error != nil {
		return 0, NewStorageError("remove", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Update implements Repository. The WHERE clause on the version column is
// the optimistic CAS; zero rows affected means another actor won.
func (r *GormRepository) Update(ctx context.Context, tx *Transaction) (int, error) {
	participants, err := tx.EncodeParticipants()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Table(r.table).
		Where("trans_id = ? AND version = ?", tx.TransID, tx.Version).
		Updates(map[string]any{
			"status":        int(tx.Status),
			"participants":  participants,
			"retried_count": tx.RetriedCount,
			"version":       tx.Version + 1,
			"last_time":     now,
		})
	if res.Error != nil {
		return 0, NewStorageError("update", res.Error)
	}
	if res.RowsAffected > 0 {
		tx.Version++
		tx.LastTime = now
	}
	return int(res.RowsAffected), nil
}

// UpdateParticipants implements Repository.
func (r *GormRepository) UpdateParticipants(ctx context.Context, tx *Transaction) (int, error) {
	participants, err := tx.EncodeParticipants()
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).Table(r.table).
		Where("trans_id = ?", tx.TransID).
		Update("participants", participants)
	if res.Error != nil {
		return 0, NewStorageError("update participants", res.Error)
	}
	return int(res.RowsAffected), nil
}

// UpdateStatus implements Repository.
func (r *GormRepository) UpdateStatus(ctx context.Context, transID string, status Action) (int, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("trans_id = ?", transID).
		Update("status", int(status))
	if res.Error != nil {
		return 0, NewStorageError("update status", res.Error)
	}
	return int(res.RowsAffected), nil
}

// FindByID implements Repository.
func (r *GormRepository) FindByID(ctx context.Context, transID string) (*Transaction, error) {
	row := &transactionRow{}
	res := r.db.WithContext(ctx).Table(r.table).
		Where("trans_id = ?", transID).
		Take(row)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, NewStorageError("find", res.Error)
	}
	return r.fromRow(row)
}

func (r *GormRepository) list(ctx context.Context, query *gorm.DB) ([]*Transaction, error) {
	var rows []transactionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, NewStorageError("list", err)
	}
	out := make([]*Transaction, 0, len(rows))
	for i := range rows {
		tx, err := r.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// ListAll implements Repository.
func (r *GormRepository) ListAll(ctx context.Context) ([]*Transaction, error) {
	return r.list(ctx, r.db.WithContext(ctx).Table(r.table).Order("trans_id"))
}

// ListOlderThan implements Repository.
func (r *GormRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	return r.list(ctx, r.db.WithContext(ctx).Table(r.table).
		Where("last_time < ?", cutoff).
		Order("trans_id"))
}

// CountFailuresSince implements Repository.
func (r *GormRepository) CountFailuresSince(ctx context.Context, cutoff time.Time, g Granularity) ([]NoticeFailure, error) {
	var rows []struct {
		TargetClass  string
		TargetMethod string
		Count        int64
	}
	err := r.db.WithContext(ctx).Table(r.table).
		Select("target_class, target_method, count(*) as count").
		Where("pattern = ? AND last_time >= ?", int(PatternNotice), cutoff).
		Group("target_class, target_method").
		Scan(&rows).Error
	if err != nil {
		return nil, NewStorageError("count failures", err)
	}
	out := make([]NoticeFailure, 0, len(rows))
	for _, row := range rows {
		out = append(out, NoticeFailure{
			TargetClass:  row.TargetClass,
			TargetMethod: row.TargetMethod,
			Count:        row.Count,
			Granularity:  g,
		})
	}
	return out, nil
}

// RemoveOlderThan implements Repository.
func (r *GormRepository) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("last_time < ?", cutoff).
		Delete(&transactionRow{})
	if res.Error != nil {
		return 0, NewStorageError("remove older", res.Error)
	}
	return int(res.RowsAffected), nil
}

var _ Repository = (*GormRepository)(nil)
var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*FileRepository)(nil)

// SelectRepository picks a backend by scheme at startup.
func SelectRepository(scheme string, candidates ...Repository) (Repository, error) {
	for _, candidate := range candidates {
		if candidate.Scheme() == scheme {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("no repository registered for scheme %q", scheme)
}
