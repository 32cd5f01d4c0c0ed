// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ActivationCode pool.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition. The allocation loop that drives these
// functions lives in services.AllocatorService.
//
// Error semantics:
//   - When no row matches, functions return ErrNotFound (gorm.ErrRecordNotFound).
//   - ClaimCode reports a lost race as (false, nil), never as an error.
//   - Unique-index violations are returned raw; use IsUniqueViolation to
//     classify them across drivers.
//
// Functions:
//
//   - CreateCodes(ctx, db, codes) -> inserted, error
//     Seeds codes, silently skipping values that already exist.
//
//   - FirstAvailableCode(ctx, db, exclude) -> *domain.ActivationCode, error
//     Lowest-id code that is still unassigned and not in exclude.
//
//   - ClaimCode(ctx, db, id, Assignment) -> claimed, error
//     Conditional UPDATE that succeeds only while the row is unassigned.
//
//   - ReceiptUsed(ctx, db, receiptID) -> bool, error
//   - FindCodeByClaimToken(ctx, db, token) -> *domain.ActivationCode, error
//   - CountCodes / ListCodesPage for the admin API.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// availableClause is the availability predicate of a code row. It is used both
// to pick candidates and as the guard of the conditional claim.
const availableClause = "phone_number IS NULL AND device IS NULL AND receipt_number IS NULL"

// Assignment carries the values written by a successful claim.
// An empty ReceiptID is stored as NULL.
type Assignment struct {
	UserID     string
	ClaimToken string
	ReceiptID  string
	Phone      string
	Device     string
	At         time.Time
}

// CreateCodes inserts the given codes, skipping blanks and codes that already
// exist. It returns the number of rows actually inserted.
func CreateCodes(ctx context.Context, db *gorm.DB, codes []string) (int64, error) {
	rows := make([]domain.ActivationCode, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	now := time.Now().UTC()
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		rows = append(rows, domain.ActivationCode{Code: c, CreatedAt: now})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		CreateInBatches(rows, 500)
	return res.RowsAffected, res.Error
}

// FirstAvailableCode returns the unassigned code with the lowest id, ignoring
// ids in exclude (candidates this caller already lost). Returns ErrNotFound
// when the pool is exhausted.
func FirstAvailableCode(ctx context.Context, db *gorm.DB, exclude []uint) (*domain.ActivationCode, error) {
	var c domain.ActivationCode
	q := db.WithContext(ctx).Where(availableClause)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if err := q.Order("id ASC").Limit(1).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimCode assigns the code identified by id if, and only if, it is still
// available at write time. It reports false when another caller got there
// first. The unique indexes on receipt_number and claim_token may reject the
// write; that error is returned as is.
func ClaimCode(ctx context.Context, db *gorm.DB, id uint, a Assignment) (bool, error) {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var receipt any
	if a.ReceiptID != "" {
		receipt = a.ReceiptID
	}
	res := db.WithContext(ctx).
		Model(&domain.ActivationCode{}).
		Where("id = ?", id).
		Where(availableClause).
		Updates(map[string]any{
			"phone_number":     a.Phone,
			"device":           a.Device,
			"receipt_number":   receipt,
			"claim_token":      a.ClaimToken,
			"assigned_user_id": a.UserID,
			"assigned_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReceiptUsed reports whether any code was already funded by receiptID.
func ReceiptUsed(ctx context.Context, db *gorm.DB, receiptID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ActivationCode{}).
		Where("receipt_number = ?", receiptID).
		Count(&n).Error
	return n > 0, err
}

// FindCodeByClaimToken returns the code claimed with token, or ErrNotFound.
func FindCodeByClaimToken(ctx context.Context, db *gorm.DB, token string) (*domain.ActivationCode, error) {
	var c domain.ActivationCode
	if err := db.WithContext(ctx).Where("claim_token = ?", token).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CountCodes returns the total number of codes in the pool.
func CountCodes(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ActivationCode{}).Count(&total).Error
	return total, err
}

// ListCodesPage returns a page of codes ordered by id. When assigned is
// non-nil the page is filtered to assigned (true) or available (false) codes.
func ListCodesPage(ctx context.Context, db *gorm.DB, assigned *bool, offset, limit int) ([]domain.ActivationCode, int64, error) {
	q := db.WithContext(ctx).Model(&domain.ActivationCode{})
	if assigned != nil {
		if *assigned {
			q = q.Where("NOT (" + availableClause + ")")
		} else {
			q = q.Where(availableClause)
		}
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.ActivationCode
	err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

// IsUniqueViolation detects unique-constraint violations across drivers that
// may not map to gorm.ErrDuplicatedKey.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
