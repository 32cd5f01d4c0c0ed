package handlers

import (
	"context"

	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/services"
)

//
// Service contracts (context-aware)
//

// FlowHandler runs one inbound message through the conversation.
type FlowHandler interface {
	Handle(ctx context.Context, ev services.Event) (services.Result, error)
}

// Notifier delivers a reply to the user.
type Notifier interface {
	Send(ctx context.Context, userID, text string) error
}

// UpdateLog remembers which Telegram updates were processed so redeliveries
// can be acknowledged without running the flow again.
//
// Implementations must be safe for concurrent use. Remember returns
// repo.ErrDuplicate when another request recorded the same update first.
type UpdateLog interface {
	Seen(ctx context.Context, userID, updateKey string) (bool, error)
	Remember(ctx context.Context, userID, updateKey, outcome string) error
}

// CodePool exposes read-only views of the activation code pool.
type CodePool interface {
	Stats(ctx context.Context) (repo.CodeStats, error)
	// ListPage returns one page of codes; assigned filters by state when
	// non-nil.
	ListPage(ctx context.Context, assigned *bool, page, pageSize int) ([]domain.ActivationCode, int64, error)
}

//
// Handler wiring
//

// Handlers groups the webhook and admin endpoints.
type Handlers struct {
	flow     FlowHandler
	notifier Notifier
	updates  UpdateLog
	pool     CodePool
}

// New constructs a Handlers instance. updates may be nil, in which case every
// delivery runs the flow.
func New(flow FlowHandler, notifier Notifier, updates UpdateLog, pool CodePool) *Handlers {
	return &Handlers{flow: flow, notifier: notifier, updates: updates, pool: pool}
}
