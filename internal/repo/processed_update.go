// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// ProcessedUpdate model used to acknowledge redelivered Telegram updates
// without running the conversation flow twice.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

// ErrDuplicate indicates that a record already exists for the given
// (user_id, update_key) pair.
var ErrDuplicate = errors.New("duplicate")

// GetProcessedUpdate returns a non-expired record or ErrNotFound.
func GetProcessedUpdate(ctx context.Context, db *gorm.DB, userID, updateKey string, now time.Time) (*domain.ProcessedUpdate, error) {
	if strings.TrimSpace(updateKey) == "" {
		return nil, ErrNotFound
	}
	var rec domain.ProcessedUpdate
	err := db.WithContext(ctx).
		Where("user_id = ? AND update_key = ? AND expires_at > ?", userID, updateKey, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateProcessedUpdate inserts a record and returns ErrDuplicate on unique
// violation. An expired row with the same key is replaced.
func CreateProcessedUpdate(ctx context.Context, db *gorm.DB, userID, updateKey, outcome string, ttl time.Duration) (*domain.ProcessedUpdate, error) {
	now := time.Now().UTC()
	rec := &domain.ProcessedUpdate{
		ID:        uuid.NewString(),
		UserID:    userID,
		UpdateKey: updateKey,
		Outcome:   outcome,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND update_key = ? AND expires_at <= ?", userID, updateKey, now).
			Delete(&domain.ProcessedUpdate{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeProcessedUpdates deletes records that expired before now and returns
// the number of rows removed.
func PurgeProcessedUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}
