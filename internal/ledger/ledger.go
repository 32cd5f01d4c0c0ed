// Package ledger mirrors completed activation code assignments to external
// sinks (a Google spreadsheet, a Kafka topic). The database stays the source
// of truth; sinks are append-only and best effort.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Entry is one completed assignment.
type Entry struct {
	Code       string    `json:"code"`
	Phone      string    `json:"phone"`
	Device     string    `json:"device"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Appender is implemented by every sink.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Nop discards entries. It is used when no sink is configured.
type Nop struct{}

// Append implements Appender.
func (Nop) Append(context.Context, Entry) error { return nil }

// Multi appends to every sink and joins their errors. One failing sink does
// not stop the others.
type Multi []Appender

// Append implements Appender.
func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, a := range m {
		if err := a.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns Nop for no sinks, the sink itself for one, and Multi
// otherwise. Nil sinks are skipped.
func Combine(sinks ...Appender) Appender {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}
