// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the code
// pool used by the admin API, the CLI and the availability gauge.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

// CodeStats summarizes the activation code pool.
type CodeStats struct {
	Total          int64      `json:"total"`
	Assigned       int64      `json:"assigned"`
	Available      int64      `json:"available"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`
}

// PoolStats returns pool totals and the timestamp of the most recent
// assignment (nil when nothing has been assigned yet).
//
// Return values:
//   - stats: totals for the pool
//   - err:   database error, if any
func PoolStats(ctx context.Context, db *gorm.DB) (stats CodeStats, err error) {
	base := db.WithContext(ctx).Model(&domain.ActivationCode{})

	if err = base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return CodeStats{}, err
	}
	if stats.Total == 0 {
		return stats, nil
	}
	if err = base.Session(&gorm.Session{}).Where(availableClause).Count(&stats.Available).Error; err != nil {
		return CodeStats{}, err
	}
	stats.Assigned = stats.Total - stats.Available
	if stats.Assigned == 0 {
		return stats, nil
	}

	// Latest assigned_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		AssignedAt *time.Time
	}
	if err = base.Session(&gorm.Session{}).
		Select("assigned_at").
		Where("assigned_at IS NOT NULL").
		Order("assigned_at DESC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return CodeStats{}, err
	}
	stats.LastAssignedAt = row.AssignedAt
	return stats, nil
}

// CountAvailable returns the number of codes that can still be claimed.
func CountAvailable(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ActivationCode{}).Where(availableClause).Count(&n).Error
	return n, err
}
