// Package services – AllocatorService
//
// This file implements the activation code allocator. A code is handed out by
// a conditional UPDATE that only succeeds while the row is still unassigned,
// so concurrent callers can never receive the same code and no pool-wide lock
// is held. A caller that loses the race moves on to the next candidate.
//
// Each claim carries the conversation's attempt id as a claim token (unique
// on the codes table). A redelivered request for the same attempt therefore
// finds the code it already won instead of taking a second one.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-activation-bot/internal/ledger"
	"github.com/tbourn/go-activation-bot/internal/observability"
	"github.com/tbourn/go-activation-bot/internal/repo"
)

// DefaultMaxClaimAttempts bounds the claim loop when MaxAttempts is unset.
const DefaultMaxClaimAttempts = 1000

// Claim is a request to assign one code to a completed conversation.
type Claim struct {
	UserID    string
	AttemptID string
	ReceiptID string
	Phone     string
	Device    string
}

// Allocation is the result of a successful claim. Degraded reports that the
// code is assigned but the ledger mirror could not be updated.
type Allocation struct {
	Code     string
	Degraded bool
	Replayed bool
}

// Ledger receives completed assignments.
type Ledger interface {
	Append(ctx context.Context, e ledger.Entry) error
}

// AllocatorService assigns activation codes from the pool.
type AllocatorService struct {
	DB          *gorm.DB
	Ledger      Ledger
	MaxAttempts int

	// Now is overridable in tests.
	Now func() time.Time
}

func (s *AllocatorService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// IsAvailableForReceipt reports whether no code has been funded by receiptID.
// An empty receipt id is always available.
func (s *AllocatorService) IsAvailableForReceipt(ctx context.Context, receiptID string) (bool, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return true, nil
	}
	used, err := repo.ReceiptUsed(ctx, s.DB, receiptID)
	if err != nil {
		return false, fmt.Errorf("receipt lookup: %w", err)
	}
	return !used, nil
}

// Allocate assigns exactly one code to the claim.
//
// Semantics:
//   - A code already claimed with c.AttemptID is returned again (Replayed).
//   - Otherwise the lowest-id available code is claimed conditionally; a lost
//     race retries with the next candidate.
//   - No candidate left yields ErrPoolExhausted.
//   - A receipt id that already funded a code yields ErrDuplicateReceipt.
//   - The loop gives up with ErrAllocationStalled after MaxAttempts rounds.
//
// After a successful claim the ledger is appended best effort; a ledger error
// only sets Allocation.Degraded.
func (s *AllocatorService) Allocate(ctx context.Context, c Claim) (Allocation, error) {
	tr := observability.Tracer("services/allocator")
	ctx, span := tr.Start(ctx, "Allocate",
		trace.WithAttributes(
			attribute.String("user.id", c.UserID),
			attribute.Bool("receipt.present", c.ReceiptID != ""),
		),
	)
	defer span.End()

	if c.AttemptID == "" || strings.TrimSpace(c.Phone) == "" || strings.TrimSpace(c.Device) == "" {
		return Allocation{}, ErrInvalidClaim
	}

	alloc, err := s.claim(ctx, c)
	if err != nil {
		allocations.WithLabelValues(outcomeFor(err)).Inc()
		if !errors.Is(err, ErrPoolExhausted) && !errors.Is(err, ErrDuplicateReceipt) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Allocation{}, err
	}
	span.SetAttributes(attribute.Bool("allocation.replayed", alloc.Replayed))

	if alloc.Replayed {
		allocations.WithLabelValues(outcomeReplayed).Inc()
		return alloc, nil
	}
	allocations.WithLabelValues(outcomeClaimed).Inc()
	s.refreshAvailable(ctx)

	if s.Ledger != nil {
		entry := ledger.Entry{
			Code:       alloc.Code,
			Phone:      c.Phone,
			Device:     c.Device,
			ReceiptID:  c.ReceiptID,
			UserID:     c.UserID,
			AssignedAt: s.now(),
		}
		if lerr := s.Ledger.Append(ctx, entry); lerr != nil {
			ledgerFailures.Inc()
			alloc.Degraded = true
			span.AddEvent("ledger append failed")
			log.Ctx(ctx).Warn().Err(lerr).Str("code", alloc.Code).Msg("ledger mirror append failed")
		}
	}
	return alloc, nil
}

func (s *AllocatorService) claim(ctx context.Context, c Claim) (Allocation, error) {
	if prev, err := repo.FindCodeByClaimToken(ctx, s.DB, c.AttemptID); err == nil {
		return Allocation{Code: prev.Code, Replayed: true}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Allocation{}, fmt.Errorf("claim token lookup: %w", err)
	}

	if ok, err := s.IsAvailableForReceipt(ctx, c.ReceiptID); err != nil {
		return Allocation{}, err
	} else if !ok {
		return Allocation{}, ErrDuplicateReceipt
	}

	limit := s.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxClaimAttempts
	}
	a := repo.Assignment{
		UserID:     c.UserID,
		ClaimToken: c.AttemptID,
		ReceiptID:  c.ReceiptID,
		Phone:      c.Phone,
		Device:     c.Device,
	}
	var lost []uint
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return Allocation{}, err
		}
		cand, err := repo.FirstAvailableCode(ctx, s.DB, lost)
		if errors.Is(err, repo.ErrNotFound) {
			return Allocation{}, ErrPoolExhausted
		}
		if err != nil {
			return Allocation{}, fmt.Errorf("pick candidate: %w", err)
		}

		a.At = s.now()
		ok, err := repo.ClaimCode(ctx, s.DB, cand.ID, a)
		if err != nil {
			if repo.IsUniqueViolation(err) {
				return s.resolveConflict(ctx, c)
			}
			return Allocation{}, fmt.Errorf("claim code: %w", err)
		}
		if ok {
			return Allocation{Code: cand.Code}, nil
		}
		lost = append(lost, cand.ID)
	}
	return Allocation{}, ErrAllocationStalled
}

// resolveConflict classifies a unique violation raised by a claim: either a
// concurrent request for the same attempt won already, or another attempt
// took the receipt.
func (s *AllocatorService) resolveConflict(ctx context.Context, c Claim) (Allocation, error) {
	prev, err := repo.FindCodeByClaimToken(ctx, s.DB, c.AttemptID)
	if err == nil {
		return Allocation{Code: prev.Code, Replayed: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return Allocation{}, fmt.Errorf("claim token lookup: %w", err)
	}
	return Allocation{}, ErrDuplicateReceipt
}

// refreshAvailable updates the availability gauge; failures are ignored.
func (s *AllocatorService) refreshAvailable(ctx context.Context) {
	if n, err := repo.CountAvailable(ctx, s.DB); err == nil {
		SetAvailableCodes(n)
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return outcomeExhausted
	case errors.Is(err, ErrDuplicateReceipt):
		return outcomeDuplicate
	case errors.Is(err, ErrAllocationStalled):
		return outcomeStalled
	default:
		return outcomeError
	}
}
