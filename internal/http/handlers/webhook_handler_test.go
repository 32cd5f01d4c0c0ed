package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/http/middleware"
	"github.com/tbourn/go-activation-bot/internal/repo"
	"github.com/tbourn/go-activation-bot/internal/services"
)

// ---------- fakes ----------

type fakeFlow struct {
	mu     sync.Mutex
	res    services.Result
	err    error
	events []services.Event
}

func (f *fakeFlow) Handle(ctx context.Context, ev services.Event) (services.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.res, f.err
}

func (f *fakeFlow) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type sentMsg struct{ userID, text string }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMsg{userID, text})
	return nil
}

type memUpdateLog struct {
	mu          sync.Mutex
	seen        map[string]string
	seenErr     error
	rememberErr error
}

func newMemUpdateLog() *memUpdateLog { return &memUpdateLog{seen: map[string]string{}} }

func (m *memUpdateLog) Seen(ctx context.Context, userID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenErr != nil {
		return false, m.seenErr
	}
	_, ok := m.seen[userID+"/"+key]
	return ok, nil
}

func (m *memUpdateLog) Remember(ctx context.Context, userID, key, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rememberErr != nil {
		return m.rememberErr
	}
	if _, ok := m.seen[userID+"/"+key]; ok {
		return repo.ErrDuplicate
	}
	m.seen[userID+"/"+key] = outcome
	return nil
}

// ---------- helpers ----------

func webhookRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/telegram/webhook", h.TelegramWebhook)
	return r
}

func postUpdate(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

const textUpdate = `{"update_id":501,"message":{"message_id":7,"date":0,"chat":{"id":1001,"type":"private"},"text":"77012345678"}}`

// ---------- tests ----------

func TestTelegramWebhook_ProcessesAndReplies(t *testing.T) {
	flow := &fakeFlow{res: services.Result{
		Replies: []string{"first", "second"},
		Stage:   domain.StageAwaitingDevice,
		Outcome: services.OutcomePhoneAccepted,
	}}
	notifier := &fakeNotifier{}
	updates := newMemUpdateLog()
	r := webhookRouter(New(flow, notifier, updates, nil))

	w := postUpdate(r, textUpdate)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var ack WebhookAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("json: %v", err)
	}
	if ack.Status != StatusProcessed || ack.Outcome != services.OutcomePhoneAccepted || ack.Stage != "awaiting_device" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if len(flow.events) != 1 {
		t.Fatalf("flow calls = %d", len(flow.events))
	}
	ev := flow.events[0]
	if ev.UserID != "1001" || ev.UpdateKey != "501" || ev.Text != "77012345678" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(notifier.sent) != 2 || notifier.sent[0] != (sentMsg{"1001", "first"}) || notifier.sent[1].text != "second" {
		t.Fatalf("unexpected replies: %+v", notifier.sent)
	}
	if updates.seen["1001/501"] != services.OutcomePhoneAccepted {
		t.Fatalf("update not remembered: %v", updates.seen)
	}
}

func TestTelegramWebhook_RedeliveryIsAcknowledgedOnce(t *testing.T) {
	flow := &fakeFlow{res: services.Result{Replies: []string{"hi"}, Outcome: services.OutcomePrompted}}
	notifier := &fakeNotifier{}
	r := webhookRouter(New(flow, notifier, newMemUpdateLog(), nil))

	if w := postUpdate(r, textUpdate); w.Code != http.StatusOK {
		t.Fatalf("first delivery status=%d", w.Code)
	}
	w := postUpdate(r, textUpdate)
	if w.Code != http.StatusNoContent {
		t.Fatalf("redelivery status=%d; want 204", w.Code)
	}
	if flow.calls() != 1 || len(notifier.sent) != 1 {
		t.Fatalf("redelivery must not re-run the flow: calls=%d sent=%d", flow.calls(), len(notifier.sent))
	}
}

func TestTelegramWebhook_BadBodyAndNonMessageUpdates(t *testing.T) {
	flow := &fakeFlow{}
	r := webhookRouter(New(flow, &fakeNotifier{}, nil, nil))

	w := postUpdate(r, `{"update_id":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status=%d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeBadRequest || er.RequestID == "" {
		t.Fatalf("unexpected envelope: %+v", er)
	}

	edited := `{"update_id":502,"edited_message":{"message_id":7,"date":0,"chat":{"id":1001,"type":"private"},"text":"x"}}`
	if w := postUpdate(r, edited); w.Code != http.StatusNoContent {
		t.Fatalf("edited message status=%d; want 204", w.Code)
	}
	if flow.calls() != 0 {
		t.Fatalf("flow must not run for non-message updates")
	}
}

func TestTelegramWebhook_FlowErrorIs500AndNotRemembered(t *testing.T) {
	flow := &fakeFlow{err: errors.New("store unavailable")}
	notifier := &fakeNotifier{}
	updates := newMemUpdateLog()
	r := webhookRouter(New(flow, notifier, updates, nil))

	w := postUpdate(r, textUpdate)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d; want 500", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeFlowFailed || strings.Contains(er.Message, "store unavailable") {
		t.Fatalf("unexpected envelope: %+v", er)
	}
	if len(notifier.sent) != 0 || len(updates.seen) != 0 {
		t.Fatalf("failed update must not reply or be remembered")
	}

	// Telegram retries: the next delivery runs the flow again
	flow.err = nil
	flow.res = services.Result{Replies: []string{"ok"}, Outcome: services.OutcomePhoneAccepted}
	if w := postUpdate(r, textUpdate); w.Code != http.StatusOK {
		t.Fatalf("retry status=%d", w.Code)
	}
	if flow.calls() != 2 {
		t.Fatalf("retry should reach the flow, calls=%d", flow.calls())
	}
}

func TestTelegramWebhook_NotifierFailureStillAcknowledges(t *testing.T) {
	flow := &fakeFlow{res: services.Result{Replies: []string{"a", "b"}, Outcome: services.OutcomeCodeIssued, Code: "C1"}}
	notifier := &fakeNotifier{err: errors.New("bot was blocked by the user")}
	updates := newMemUpdateLog()
	r := webhookRouter(New(flow, notifier, updates, nil))

	if w := postUpdate(r, textUpdate); w.Code != http.StatusOK {
		t.Fatalf("status=%d; committed transition must be acknowledged", w.Code)
	}
	if _, ok := updates.seen["1001/501"]; !ok {
		t.Fatalf("update must be remembered even when replies fail")
	}
}

func TestTelegramWebhook_UpdateLogFailuresDoNotBlock(t *testing.T) {
	flow := &fakeFlow{res: services.Result{Replies: []string{"a"}, Outcome: services.OutcomePrompted}}
	updates := newMemUpdateLog()
	updates.seenErr = errors.New("db locked")
	updates.rememberErr = errors.New("db locked")
	notifier := &fakeNotifier{}
	r := webhookRouter(New(flow, notifier, updates, nil))

	if w := postUpdate(r, textUpdate); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if flow.calls() != 1 || len(notifier.sent) != 1 {
		t.Fatalf("flow should run and reply despite update log errors")
	}
}
