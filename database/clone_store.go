package database

import (
	"context"
	"errors"
	"fmt"

	"clone-stats-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CloneStore is the daily clone table of a single repository
type CloneStore struct {
	db   *gorm.DB
	repo string
}

func NewCloneStore(db *gorm.DB, repo string) *CloneStore {
	return &CloneStore{db: db, repo: repo}
}

// Repo returns the storage name this store belongs to
func (s *CloneStore) Repo() string {
	return s.repo
}

// EnsureSchema creates the clones table if it does not exist yet. It is safe
// to call from several goroutines.
func (s *CloneStore) EnsureSchema(ctx context.Context) error {
	if err := migrate(s.db.WithContext(ctx)); err != nil {
		return &PersistenceError{Op: "migrate", Repo: s.repo, Err: err}
	}
	return nil
}

// UpsertBatch writes all records in one transaction. An existing row with the
// same day key is overwritten. If any record fails nothing is committed.
func (s *CloneStore) UpsertBatch(ctx context.Context, records []models.CloneRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			rec := records[i]
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "unix_time"}},
				DoUpdates: clause.AssignmentColumns([]string{"timestamp", "count", "uniques"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.Timestamp, err)
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "upsert", Repo: s.repo, Err: err}
	}
	return nil
}

// TotalUniqueCloners sums the unique cloners over every stored day
func (s *CloneStore) TotalUniqueCloners(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.CloneRecord{}).
		Select("COALESCE(SUM(uniques), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, &PersistenceError{Op: "query", Repo: s.repo, Err: err}
	}
	return total, nil
}

// RecentRecords returns at most limit records, newest day first
func (s *CloneStore) RecentRecords(ctx context.Context, limit int) ([]models.CloneRecord, error) {
	if limit <= 0 {
		return nil, &PersistenceError{Op: "query", Repo: s.repo, Err: errors.New("limit must be positive")}
	}

	var records []models.CloneRecord
	err := s.db.WithContext(ctx).
		Order("unix_time DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, &PersistenceError{Op: "query", Repo: s.repo, Err: err}
	}
	return records, nil
}

// Count returns the number of stored days
func (s *CloneStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.CloneRecord{}).Count(&n).Error; err != nil {
		return 0, &PersistenceError{Op: "query", Repo: s.repo, Err: err}
	}
	return n, nil
}

// Summary reads the unique cloner total and the most recent limit records in
// one read transaction, so both come from the same committed batch.
func (s *CloneStore) Summary(ctx context.Context, limit int) (int64, []models.CloneRecord, error) {
	if limit <= 0 {
		return 0, nil, &PersistenceError{Op: "query", Repo: s.repo, Err: errors.New("limit must be positive")}
	}

	var total int64
	var records []models.CloneRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.CloneRecord{}).
			Select("COALESCE(SUM(uniques), 0)").
			Scan(&total).Error
		if err != nil {
			return err
		}
		return tx.Order("unix_time DESC").Limit(limit).Find(&records).Error
	})
	if err != nil {
		return 0, nil, &PersistenceError{Op: "query", Repo: s.repo, Err: err}
	}
	return total, records, nil
}
