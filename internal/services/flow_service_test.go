package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-activation-bot/internal/document"
	"github.com/tbourn/go-activation-bot/internal/domain"
	"github.com/tbourn/go-activation-bot/internal/receipt"
	"github.com/tbourn/go-activation-bot/internal/repo"
)

var flowNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const helpLink = "https://wa.me/70000000000"

func receiptText(number string) string {
	s := "Кассовый чек\nИтого: 499 ₸\nДата и время: " + flowNow.Add(-time.Hour).Format(receipt.DateLayout) + "\n"
	if number != "" {
		s += "№ чека " + number + "\n"
	}
	return s
}

type fakeResolver struct {
	mu    sync.Mutex
	docs  map[string]string
	err   error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	text, ok := f.docs[ref]
	if !ok {
		return "", ErrUnreadableDocument
	}
	return text, nil
}

type flowFixture struct {
	svc      *FlowService
	store    *repo.SQLConversationStore
	resolver *fakeResolver
	ledger   *fakeLedger
	alloc    *AllocatorService
}

func newFlow(t *testing.T, codes ...string) *flowFixture {
	t.Helper()
	db := newTestDB(t)
	if len(codes) > 0 {
		seedCodes(t, db, codes...)
	}
	led := &fakeLedger{}
	alloc := &AllocatorService{DB: db, Ledger: led, Now: func() time.Time { return flowNow }}
	store := repo.NewSQLConversationStore(db)
	res := &fakeResolver{docs: map[string]string{
		"receipt-qr1":  receiptText("QR1"),
		"receipt-qr2":  receiptText("QR2"),
		"receipt-none": receiptText(""),
		"wrong-amount": strings.Replace(receiptText("QR3"), "499 ₸", "100 ₸", 1),
	}}
	svc := &FlowService{
		Store:     store,
		Resolver:  res,
		Validator: receipt.NewValidator(receipt.DefaultRules()),
		Allocator: alloc,
		HelpLink:  helpLink,
		Now:       func() time.Time { return flowNow },
	}
	return &flowFixture{svc: svc, store: store, resolver: res, ledger: led, alloc: alloc}
}

func (f *flowFixture) send(t *testing.T, ev Event) Result {
	t.Helper()
	res, err := f.svc.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle(%+v): %v", ev, err)
	}
	return res
}

func TestFlow_HappyPath(t *testing.T) {
	f := newFlow(t, "CODE-1", "CODE-2")
	p := DefaultPrompts()

	res := f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	if res.Outcome != OutcomeReceiptAccepted || res.Stage != domain.StageAwaitingPhone || res.Replies[0] != p.AskPhone {
		t.Fatalf("receipt step: %+v", res)
	}

	res = f.send(t, Event{UserID: "u1", Text: "77012345678"})
	if res.Outcome != OutcomePhoneAccepted || res.Stage != domain.StageAwaitingDevice || res.Replies[0] != p.AskDevice {
		t.Fatalf("phone step: %+v", res)
	}

	res = f.send(t, Event{UserID: "u1", Text: "iPhone 16"})
	if res.Outcome != OutcomeCodeIssued || res.Code != "CODE-1" || res.Stage != "" {
		t.Fatalf("device step: %+v", res)
	}
	if !strings.Contains(res.Replies[0], "CODE-1") {
		t.Fatalf("reply should carry the code: %q", res.Replies[0])
	}

	if f.ledger.count() != 1 {
		t.Fatalf("expected one ledger append, got %d", f.ledger.count())
	}
	e := f.ledger.entries[0]
	if e.Code != "CODE-1" || e.Phone != "77012345678" || e.Device != "iPhone 16" || e.ReceiptID != "QR1" {
		t.Fatalf("unexpected ledger entry: %+v", e)
	}
	if _, err := f.store.Get(context.Background(), "u1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("conversation should be deleted, got %v", err)
	}
}

func TestFlow_ReceiptStageRejections(t *testing.T) {
	f := newFlow(t, "CODE-1")
	p := DefaultPrompts()

	res := f.send(t, Event{UserID: "u1", Text: "hello"})
	if res.Replies[0] != p.SendPDF || res.Stage != domain.StageAwaitingReceipt {
		t.Fatalf("text at receipt stage: %+v", res)
	}

	res = f.send(t, Event{UserID: "u1", FileRef: "wrong-amount"})
	if res.Outcome != OutcomeReceiptRejected || !strings.Contains(res.Replies[0], helpLink) {
		t.Fatalf("invalid receipt: %+v", res)
	}

	res = f.send(t, Event{UserID: "u1", FileRef: "photo-without-text"})
	if res.Outcome != OutcomeReceiptRejected {
		t.Fatalf("unreadable document: %+v", res)
	}

	if _, err := f.store.Get(context.Background(), "u1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejections must not create state, got %v", err)
	}
}

func TestFlow_ExtractorErrorIsRejection(t *testing.T) {
	f := newFlow(t, "CODE-1")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err := document.Extract(png)
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("extractor error should match ErrUnreadableDocument: %v", err)
	}
	f.resolver.err = fmt.Errorf("resolve photo-1: %w", err)

	res := f.send(t, Event{UserID: "u1", FileRef: "photo-1"})
	if res.Outcome != OutcomeReceiptRejected || res.Stage != domain.StageAwaitingReceipt {
		t.Fatalf("image receipt should be rejected, got %+v", res)
	}
	if f.resolver.calls != 1 {
		t.Fatalf("resolver calls = %d; want 1", f.resolver.calls)
	}
}

func TestFlow_ResolverFailureIsError(t *testing.T) {
	f := newFlow(t, "CODE-1")
	f.resolver.err = errors.New("telegram down")

	if _, err := f.svc.Handle(context.Background(), Event{UserID: "u1", FileRef: "receipt-qr1"}); err == nil {
		t.Fatalf("expected collaborator failure to surface")
	}
	if _, err := f.store.Get(context.Background(), "u1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("state must stay untouched, got %v", err)
	}
}

func TestFlow_DuplicateReceiptRejectedAtReceiptStage(t *testing.T) {
	f := newFlow(t, "CODE-1", "CODE-2")

	f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	f.send(t, Event{UserID: "u1", Text: "77012345678"})
	f.send(t, Event{UserID: "u1", Text: "Pixel 9"})

	res := f.send(t, Event{UserID: "u2", FileRef: "receipt-qr1"})
	if res.Outcome != OutcomeReceiptUsed || res.Stage != domain.StageAwaitingReceipt {
		t.Fatalf("reused receipt should be rejected: %+v", res)
	}
}

func TestFlow_ReceiptWithoutNumberAccepted(t *testing.T) {
	f := newFlow(t, "CODE-1", "CODE-2")
	for _, user := range []string{"u1", "u2"} {
		f.send(t, Event{UserID: user, FileRef: "receipt-none"})
		f.send(t, Event{UserID: user, Text: "77012345678"})
		res := f.send(t, Event{UserID: user, Text: "Galaxy S24"})
		if res.Outcome != OutcomeCodeIssued {
			t.Fatalf("%s: expected code, got %+v", user, res)
		}
	}
}

func TestFlow_PhoneValidation(t *testing.T) {
	f := newFlow(t, "CODE-1")
	p := DefaultPrompts()
	f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})

	for _, bad := range []string{"87012345678", "7701234567", "770123456789", "abc", ""} {
		res := f.send(t, Event{UserID: "u1", Text: bad})
		if res.Outcome != OutcomePrompted || res.Replies[0] != p.InvalidPhone || res.Stage != domain.StageAwaitingPhone {
			t.Fatalf("phone %q should be rejected: %+v", bad, res)
		}
	}
	res := f.send(t, Event{UserID: "u1", Text: "+7 701 234-56-78"})
	if res.Outcome != OutcomePhoneAccepted {
		t.Fatalf("formatted phone should normalize: %+v", res)
	}
	conv, _ := f.store.Get(context.Background(), "u1")
	if conv.Phone != "77012345678" {
		t.Fatalf("stored phone = %q", conv.Phone)
	}
}

func TestFlow_ExhaustionKeepsState(t *testing.T) {
	f := newFlow(t /* empty pool */)
	p := DefaultPrompts()

	f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	f.send(t, Event{UserID: "u1", Text: "77012345678"})
	res := f.send(t, Event{UserID: "u1", Text: "iPhone 16"})
	if res.Outcome != OutcomePoolExhausted || res.Replies[0] != p.PoolExhausted || res.Stage != domain.StageAwaitingDevice {
		t.Fatalf("expected exhaustion reply: %+v", res)
	}
	conv, err := f.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("state should survive exhaustion: %v", err)
	}
	if conv.Stage != domain.StageAwaitingDevice || conv.Phone != "77012345678" || conv.ReceiptID != "QR1" {
		t.Fatalf("fields must stay intact: %+v", conv)
	}

	// Restocking lets the same conversation finish.
	seedCodes(t, f.alloc.DB, "LATE-1")
	res = f.send(t, Event{UserID: "u1", Text: "iPhone 16"})
	if res.Outcome != OutcomeCodeIssued || res.Code != "LATE-1" {
		t.Fatalf("expected code after restock: %+v", res)
	}
}

func TestFlow_DuplicateReceiptAtDeviceStageResets(t *testing.T) {
	f := newFlow(t, "CODE-1", "CODE-2")
	ctx := context.Background()

	// Both users pass the receipt stage with the same receipt before either finishes.
	for _, u := range []string{"u1", "u2"} {
		f.send(t, Event{UserID: u, FileRef: "receipt-qr1"})
		f.send(t, Event{UserID: u, Text: "77012345678"})
	}
	if res := f.send(t, Event{UserID: "u1", Text: "iPhone"}); res.Outcome != OutcomeCodeIssued {
		t.Fatalf("u1 should win: %+v", res)
	}
	res := f.send(t, Event{UserID: "u2", Text: "Pixel"})
	if res.Outcome != OutcomeReceiptUsed || !strings.Contains(res.Replies[0], helpLink) {
		t.Fatalf("u2 should be told the receipt is used: %+v", res)
	}
	if _, err := f.store.Get(ctx, "u2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("u2 conversation should be reset, got %v", err)
	}
	if n, _ := repo.CountAvailable(ctx, f.alloc.DB); n != 1 {
		t.Fatalf("only one code may be consumed, available=%d", n)
	}
}

func TestFlow_ReplayedReceiptIsIdempotent(t *testing.T) {
	f := newFlow(t, "CODE-1")
	p := DefaultPrompts()

	first := f.send(t, Event{UserID: "u1", UpdateKey: "10", FileRef: "receipt-qr1"})
	if first.Outcome != OutcomeReceiptAccepted {
		t.Fatalf("first: %+v", first)
	}
	conv, _ := f.store.Get(context.Background(), "u1")

	// The redelivered document now lands on awaiting_phone and only re-prompts.
	again := f.send(t, Event{UserID: "u1", UpdateKey: "10", FileRef: "receipt-qr1"})
	if again.Stage != domain.StageAwaitingPhone || again.Replies[0] != p.InvalidPhone {
		t.Fatalf("replay: %+v", again)
	}
	after, _ := f.store.Get(context.Background(), "u1")
	if after.Version != conv.Version || after.ReceiptID != "QR1" {
		t.Fatalf("replay must not write: before=%+v after=%+v", conv, after)
	}
}

func TestFlow_ConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFlow(t, "CODE-1", "CODE-2", "CODE-3")
	f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	f.send(t, Event{UserID: "u1", Text: "77012345678"})

	const n = 5
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Handle(context.Background(), Event{UserID: "u1", UpdateKey: "99", Text: "iPhone 16"})
			if err != nil {
				if !errors.Is(err, ErrTooManyConflicts) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if res.Code != "" {
				mu.Lock()
				codes[res.Code] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(codes) != 1 {
		t.Fatalf("duplicates must resolve to a single code, got %v", codes)
	}
	if avail, _ := repo.CountAvailable(context.Background(), f.alloc.DB); avail != 2 {
		t.Fatalf("exactly one code may be consumed, available=%d", avail)
	}
}

func TestFlow_DocumentResolvedOncePerEvent(t *testing.T) {
	f := newFlow(t, "CODE-1")
	conflicting := &conflictOnceStore{ConversationStore: f.store}
	f.svc.Store = conflicting

	res := f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	if res.Outcome != OutcomeReceiptAccepted {
		t.Fatalf("expected acceptance after retry: %+v", res)
	}
	if conflicting.conflicts != 1 {
		t.Fatalf("expected one injected conflict, got %d", conflicting.conflicts)
	}
	if f.resolver.calls != 1 {
		t.Fatalf("document must be resolved once, got %d calls", f.resolver.calls)
	}
}

func TestFlow_TooManyConflicts(t *testing.T) {
	f := newFlow(t)
	f.svc.Store = &alwaysConflictStore{ConversationStore: f.store}
	_, err := f.svc.Handle(context.Background(), Event{UserID: "u1", FileRef: "receipt-qr1"})
	if !errors.Is(err, ErrTooManyConflicts) {
		t.Fatalf("expected ErrTooManyConflicts, got %v", err)
	}
}

func TestFlow_CorruptStateIsReset(t *testing.T) {
	f := newFlow(t)
	p := DefaultPrompts()
	db := f.alloc.DB

	// awaiting_device without a phone number
	if err := db.Create(&domain.Conversation{UserID: "u1", Stage: domain.StageAwaitingDevice, AttemptID: "a", Version: 3}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	res := f.send(t, Event{UserID: "u1", Text: "iPhone"})
	if res.Outcome != OutcomeStateReset || res.Replies[0] != p.StateReset {
		t.Fatalf("expected reset: %+v", res)
	}
	if _, err := f.store.Get(context.Background(), "u1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("corrupt row should be deleted, got %v", err)
	}

	if err := db.Create(&domain.Conversation{UserID: "u2", Stage: "bogus", AttemptID: "a", Version: 1}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res := f.send(t, Event{UserID: "u2", Text: "hi"}); res.Outcome != OutcomeStateReset {
		t.Fatalf("unknown stage should reset: %+v", res)
	}
}

func TestFlow_StartCommand(t *testing.T) {
	f := newFlow(t, "CODE-1")
	p := DefaultPrompts()

	res := f.send(t, Event{UserID: "u1", Text: "/start"})
	if len(res.Replies) != 2 || res.Replies[0] != p.Greeting || res.Replies[1] != p.SendPDF {
		t.Fatalf("start for new user: %+v", res)
	}

	f.send(t, Event{UserID: "u1", FileRef: "receipt-qr1"})
	res = f.send(t, Event{UserID: "u1", Text: "/start"})
	if res.Stage != domain.StageAwaitingPhone || res.Replies[1] != p.InvalidPhone {
		t.Fatalf("start mid-flow must not reset: %+v", res)
	}
}

func TestFlow_EmptyUser(t *testing.T) {
	f := newFlow(t)
	if _, err := f.svc.Handle(context.Background(), Event{Text: "hi"}); !errors.Is(err, ErrEmptyUser) {
		t.Fatalf("expected ErrEmptyUser, got %v", err)
	}
}

func TestPrompts_WithDefaults(t *testing.T) {
	p := Prompts{AskPhone: "phone?"}.withDefaults()
	if p.AskPhone != "phone?" || p.SendPDF != DefaultPrompts().SendPDF {
		t.Fatalf("unexpected merge: %+v", p)
	}
	if got := p.rejectReceipt("L"); !strings.HasSuffix(got, "L.") {
		t.Fatalf("help link not formatted: %q", got)
	}
}

// conflictOnceStore fails the first Save with ErrConflict.
type conflictOnceStore struct {
	ConversationStore
	conflicts int
}

func (s *conflictOnceStore) Save(ctx context.Context, c *domain.Conversation) error {
	if s.conflicts == 0 {
		s.conflicts++
		return repo.ErrConflict
	}
	return s.ConversationStore.Save(ctx, c)
}

type alwaysConflictStore struct{ ConversationStore }

func (alwaysConflictStore) Save(context.Context, *domain.Conversation) error {
	return fmt.Errorf("save: %w", repo.ErrConflict)
}
