// Package services – FlowService
//
// This file implements the per-user conversation state machine:
//
//	awaiting_receipt -> awaiting_phone -> awaiting_device -> (deleted)
//
// Every transition is a single conditional write against the conversation
// store. When a write loses against a concurrent update for the same user
// (e.g. a redelivered webhook), the event is re-dispatched against the fresh
// state, so duplicates resolve against whatever the winner wrote. No
// in-process lock is held across network calls.
//
// Handle never sends anything itself; it returns the replies to deliver and
// leaves transport to the caller.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/observability"
	"github.com/tbourn/go-activation-bot/internal/receipt"
	"github.com/tbourn/go-activation-bot/internal/repo"
)

// DefaultPhonePattern accepts "77" followed by nine digits.
var DefaultPhonePattern = regexp.MustCompile(`^77\d{9}$`)

// maxConflictRetries bounds re-dispatches after lost conditional writes.
const maxConflictRetries = 3

// Outcome labels reported in Result.Outcome.
const (
	OutcomePrompted        = "prompted"
	OutcomeReceiptAccepted = "receipt_accepted"
	OutcomeReceiptRejected = "receipt_rejected"
	OutcomeReceiptUsed     = "receipt_used"
	OutcomePhoneAccepted   = "phone_accepted"
	OutcomeCodeIssued      = "code_issued"
	OutcomePoolExhausted   = "pool_exhausted"
	OutcomeStateReset      = "state_reset"
)

// Event is one inbound user message.
type Event struct {
	UserID    string
	UpdateKey string
	Text      string
	// FileRef references an attached document or photo; empty for text.
	FileRef string
}

// Result carries the replies to deliver to the user and the stage the
// conversation is in afterwards ("" when it was deleted).
type Result struct {
	Replies []string
	Stage   domain.Stage
	Outcome string
	Code    string
}

// ConversationStore persists per-user state with versioned conditional writes.
type ConversationStore interface {
	Get(ctx context.Context, userID string) (*domain.Conversation, error)
	Save(ctx context.Context, c *domain.Conversation) error
	Delete(ctx context.Context, userID string, version int64) error
}

// DocumentResolver downloads a referenced file and returns its text.
// Files without extractable text yield ErrUnreadableDocument.
type DocumentResolver interface {
	Resolve(ctx context.Context, fileRef string) (string, error)
}

// CodeAllocator hands out activation codes.
type CodeAllocator interface {
	Allocate(ctx context.Context, c Claim) (Allocation, error)
	IsAvailableForReceipt(ctx context.Context, receiptID string) (bool, error)
}

// FlowService drives the conversation.
type FlowService struct {
	Store     ConversationStore
	Resolver  DocumentResolver
	Validator *receipt.Validator
	Allocator CodeAllocator

	PhonePattern *regexp.Regexp
	HelpLink     string
	Prompts      Prompts

	// Now and NewAttemptID are overridable in tests.
	Now          func() time.Time
	NewAttemptID func() string
}

func (s *FlowService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FlowService) attemptID() string {
	if s.NewAttemptID != nil {
		return s.NewAttemptID()
	}
	return uuid.NewString()
}

func (s *FlowService) prompts() Prompts { return s.Prompts.withDefaults() }

func (s *FlowService) phonePattern() *regexp.Regexp {
	if s.PhonePattern != nil {
		return s.PhonePattern
	}
	return DefaultPhonePattern
}

// receiptDoc resolves the event's file at most once per Handle call, however
// many times the event is re-dispatched.
type receiptDoc struct {
	ref  string
	done bool
	text string
	err  error
}

func (d *receiptDoc) resolve(ctx context.Context, r DocumentResolver) (string, error) {
	if !d.done {
		d.text, d.err = r.Resolve(ctx, d.ref)
		d.done = true
	}
	return d.text, d.err
}

// Handle applies ev to the user's conversation.
//
// Errors:
//   - ErrEmptyUser for events without a user.
//   - ErrTooManyConflicts when every re-dispatch lost its conditional write.
//   - Wrapped store, resolver or allocator failures; the conversation is left
//     unchanged and the caller should let the update be redelivered.
//
// Validation failures, duplicates and pool exhaustion are not errors: they
// produce replies.
func (s *FlowService) Handle(ctx context.Context, ev Event) (Result, error) {
	tr := observability.Tracer("services/flow")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("user.id", ev.UserID),
			attribute.String("update.key", ev.UpdateKey),
			attribute.Bool("event.has_file", ev.FileRef != ""),
		),
	)
	defer span.End()

	if strings.TrimSpace(ev.UserID) == "" {
		return Result{}, ErrEmptyUser
	}

	doc := &receiptDoc{ref: ev.FileRef}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		res, err := s.step(ctx, ev, doc)
		if errors.Is(err, repo.ErrConflict) {
			conversationConflicts.Inc()
			span.AddEvent("conversation conflict", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		span.SetAttributes(attribute.String("flow.outcome", res.Outcome))
		return res, nil
	}
	span.SetStatus(codes.Error, ErrTooManyConflicts.Error())
	return Result{}, ErrTooManyConflicts
}

func (s *FlowService) step(ctx context.Context, ev Event, doc *receiptDoc) (Result, error) {
	p := s.prompts()

	conv, err := s.Store.Get(ctx, ev.UserID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		conv = domain.NewConversation(ev.UserID, s.attemptID())
	case errors.Is(err, repo.ErrCorruptState):
		return s.reset(ctx, ev.UserID, err)
	case err != nil:
		return Result{}, fmt.Errorf("load conversation: %w", err)
	}
	if verr := conv.Validate(); verr != nil {
		return s.reset(ctx, ev.UserID, verr)
	}

	if isStartCommand(ev.Text) && ev.FileRef == "" {
		return Result{
			Replies: []string{p.Greeting, p.forStage(conv.Stage)},
			Stage:   conv.Stage,
			Outcome: OutcomePrompted,
		}, nil
	}

	switch conv.Stage {
	case domain.StageAwaitingReceipt:
		return s.onReceipt(ctx, conv, ev, doc)
	case domain.StageAwaitingPhone:
		return s.onPhone(ctx, conv, ev)
	default:
		return s.onDevice(ctx, conv, ev)
	}
}

func (s *FlowService) onReceipt(ctx context.Context, conv *domain.Conversation, ev Event, doc *receiptDoc) (Result, error) {
	p := s.prompts()
	stay := func(outcome string, replies ...string) (Result, error) {
		return Result{Replies: replies, Stage: domain.StageAwaitingReceipt, Outcome: outcome}, nil
	}

	if ev.FileRef == "" {
		return stay(OutcomePrompted, p.SendPDF)
	}

	text, err := doc.resolve(ctx, s.Resolver)
	if errors.Is(err, ErrUnreadableDocument) {
		receiptValidations.WithLabelValues("unreadable").Inc()
		return stay(OutcomeReceiptRejected, p.rejectReceipt(s.HelpLink))
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve document: %w", err)
	}

	v := s.Validator.Validate(text, s.now())
	if !v.Valid {
		receiptValidations.WithLabelValues(resultLabel(v.Reason)).Inc()
		log.Ctx(ctx).Info().Str("reason", v.Reason).Msg("receipt rejected")
		return stay(OutcomeReceiptRejected, p.rejectReceipt(s.HelpLink))
	}

	if v.ReceiptID != "" {
		ok, err := s.Allocator.IsAvailableForReceipt(ctx, v.ReceiptID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			receiptValidations.WithLabelValues("duplicate").Inc()
			return stay(OutcomeReceiptUsed, p.rejectReceipt(s.HelpLink))
		}
	}
	receiptValidations.WithLabelValues("ok").Inc()

	next := *conv
	next.Stage = domain.StageAwaitingPhone
	next.ReceiptID = v.ReceiptID
	if err := s.Store.Save(ctx, &next); err != nil {
		return Result{}, err
	}
	return Result{Replies: []string{p.AskPhone}, Stage: next.Stage, Outcome: OutcomeReceiptAccepted}, nil
}

func (s *FlowService) onPhone(ctx context.Context, conv *domain.Conversation, ev Event) (Result, error) {
	p := s.prompts()
	phone := normalizePhone(ev.Text)
	if ev.FileRef != "" || !s.phonePattern().MatchString(phone) {
		return Result{Replies: []string{p.InvalidPhone}, Stage: conv.Stage, Outcome: OutcomePrompted}, nil
	}

	next := *conv
	next.Stage = domain.StageAwaitingDevice
	next.Phone = phone
	if err := s.Store.Save(ctx, &next); err != nil {
		return Result{}, err
	}
	return Result{Replies: []string{p.AskDevice}, Stage: next.Stage, Outcome: OutcomePhoneAccepted}, nil
}

func (s *FlowService) onDevice(ctx context.Context, conv *domain.Conversation, ev Event) (Result, error) {
	p := s.prompts()
	device := strings.TrimSpace(ev.Text)
	if ev.FileRef != "" || device == "" {
		return Result{Replies: []string{p.InvalidDevice}, Stage: conv.Stage, Outcome: OutcomePrompted}, nil
	}

	next := *conv
	next.Device = device
	if err := s.Store.Save(ctx, &next); err != nil {
		return Result{}, err
	}

	alloc, err := s.Allocator.Allocate(ctx, Claim{
		UserID:    next.UserID,
		AttemptID: next.AttemptID,
		ReceiptID: next.ReceiptID,
		Phone:     next.Phone,
		Device:    next.Device,
	})
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return Result{Replies: []string{p.PoolExhausted}, Stage: next.Stage, Outcome: OutcomePoolExhausted}, nil
	case errors.Is(err, ErrDuplicateReceipt):
		// The receipt was taken while this user was typing; start over.
		if derr := s.Store.Delete(ctx, next.UserID, next.Version); derr != nil {
			return Result{}, derr
		}
		return Result{Replies: []string{p.receiptUsed(s.HelpLink)}, Outcome: OutcomeReceiptUsed}, nil
	case err != nil:
		return Result{}, fmt.Errorf("allocate code: %w", err)
	}

	// The code is committed. A lost delete means someone else already moved
	// the conversation on; the claim token keeps the code with this attempt.
	if derr := s.Store.Delete(ctx, next.UserID, next.Version); derr != nil && !errors.Is(derr, repo.ErrConflict) {
		log.Ctx(ctx).Warn().Err(derr).Str("user_id", next.UserID).Msg("conversation cleanup failed")
	}
	return Result{Replies: []string{p.codeIssued(alloc.Code)}, Outcome: OutcomeCodeIssued, Code: alloc.Code}, nil
}

// reset deletes unusable state and asks for a receipt again.
func (s *FlowService) reset(ctx context.Context, userID string, cause error) (Result, error) {
	log.Ctx(ctx).Warn().Err(cause).Str("user_id", userID).Msg("discarding conversation state")
	if err := s.Store.Delete(ctx, userID, 0); err != nil {
		return Result{}, fmt.Errorf("delete conversation: %w", err)
	}
	return Result{
		Replies: []string{s.prompts().StateReset},
		Stage:   domain.StageAwaitingReceipt,
		Outcome: OutcomeStateReset,
	}, nil
}

func isStartCommand(text string) bool {
	t := strings.TrimSpace(text)
	return t == "/start" || strings.HasPrefix(t, "/start ") || strings.HasPrefix(t, "/start@")
}

// normalizePhone drops spaces, dashes, parentheses and a leading plus.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, s)
}

func resultLabel(reason string) string {
	switch reason {
	case receipt.ReasonAmount:
		return "amount"
	case receipt.ReasonDate:
		return "date"
	default:
		return "invalid"
	}
}
