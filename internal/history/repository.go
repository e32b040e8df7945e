package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repository provides database operations for batch history.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new history repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the history tables.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Batch{}, &JobRecord{}); err != nil {
		return fmt.Errorf("migrating history schema: %w", err)
	}
	return nil
}

// SaveBatch persists a batch together with its job records.
func (r *Repository) SaveBatch(ctx context.Context, batch *Batch) error {
	if err := r.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("saving batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch with its job records by ID.
// Returns (nil, nil) when no batch exists with that ID.
func (r *Repository) GetBatch(ctx context.Context, id ULID) (*Batch, error) {
	var batch Batch
	err := r.db.WithContext(ctx).
		Preload("Jobs").
		First(&batch, "id = ?", id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting batch by ID: %w", err)
	}
	return &batch, nil
}

// RecentBatches returns the most recently started batches, newest first.
// A limit of 0 or less falls back to 20.
func (r *Repository) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	var batches []Batch
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("listing recent batches: %w", err)
	}
	return batches, nil
}

// CountBatches returns the total number of recorded batches.
func (r *Repository) CountBatches(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Batch{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting batches: %w", err)
	}
	return count, nil
}

// JobsByStatus returns a batch's job records filtered to one status.
func (r *Repository) JobsByStatus(ctx context.Context, batchID ULID, status string) ([]JobRecord, error) {
	var jobs []JobRecord
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID.String(), status).
		Order("started_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("listing jobs by status: %w", err)
	}
	return jobs, nil
}

// Purge deletes batches that started before the cutoff, along with
// their job records. Returns the number of batches removed.
func (r *Repository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&Batch{}).
		Where("started_at < ?", olderThan).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("finding batches to purge: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id IN ?", ids).Delete(&JobRecord{}).Error; err != nil {
			return fmt.Errorf("purging job records: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Batch{}).Error; err != nil {
			return fmt.Errorf("purging batches: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}
