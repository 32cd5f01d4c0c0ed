// Package services defines the business logic for the receipt-gated
// activation flow: the per-user conversation state machine and the activation
// code allocator. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing replies or HTTP status codes is performed by FlowService and
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-activation-bot/internal/document"
)

// Allocation errors.
var (
	// ErrPoolExhausted indicates that no available activation code remains.
	ErrPoolExhausted = errors.New("activation code pool exhausted")

	// ErrDuplicateReceipt is returned when the receipt number already funded
	// another activation code.
	ErrDuplicateReceipt = errors.New("receipt already used")

	// ErrAllocationStalled is returned when the claim loop hit its iteration
	// cap without either winning a code or observing an empty pool.
	ErrAllocationStalled = errors.New("activation code allocation stalled")

	// ErrInvalidClaim is returned when a claim lacks the fields required to
	// assign a code.
	ErrInvalidClaim = errors.New("claim requires attempt id, phone and device")
)

// Conversation errors.
var (
	// ErrUnreadableDocument is returned by document resolvers when the file
	// cannot be turned into text (images without OCR, broken PDFs).
	ErrUnreadableDocument = document.ErrUnreadable

	// ErrTooManyConflicts is returned when a conversation kept losing
	// conditional writes against concurrent updates for the same user.
	ErrTooManyConflicts = errors.New("conversation update kept conflicting")

	// ErrEmptyUser is returned for events without a user identifier.
	ErrEmptyUser = errors.New("event has no user id")
)
