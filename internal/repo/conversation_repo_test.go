package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

type conversationStore interface {
	Get(ctx context.Context, userID string) (*domain.Conversation, error)
	Save(ctx context.Context, c *domain.Conversation) error
	Delete(ctx context.Context, userID string, version int64) error
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisConversationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisConversationStore(client, ttl), mr
}

func storesUnderTest(t *testing.T) map[string]conversationStore {
	t.Helper()
	rs, _ := newRedisStore(t, 0)
	return map[string]conversationStore{
		"sql":   NewSQLConversationStore(newCodeRepoDB(t, &domain.Conversation{})),
		"redis": rs,
	}
}

func TestConversationStore_Lifecycle(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for unseen user, got %v", err)
			}

			c := domain.NewConversation("u1", "att-1")
			c.Stage = domain.StageAwaitingPhone
			c.ReceiptID = "QR1"
			if err := store.Save(ctx, c); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if c.Version != 1 {
				t.Fatalf("expected version 1 after insert, got %d", c.Version)
			}

			got, err := store.Get(ctx, "u1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Stage != domain.StageAwaitingPhone || got.ReceiptID != "QR1" || got.AttemptID != "att-1" || got.Version != 1 {
				t.Fatalf("unexpected readback: %+v", got)
			}

			got.Stage = domain.StageAwaitingDevice
			got.Phone = "77012345678"
			if err := store.Save(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			if got.Version != 2 {
				t.Fatalf("expected version 2, got %d", got.Version)
			}

			// c still holds version 1: stale.
			c.Device = "stale"
			if err := store.Save(ctx, c); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for stale save, got %v", err)
			}
			if err := store.Delete(ctx, "u1", 1); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for stale delete, got %v", err)
			}

			if err := store.Delete(ctx, "u1", got.Version); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, "u1", 0); err != nil {
				t.Fatalf("unconditional delete of missing row: %v", err)
			}
		})
	}
}

func TestConversationStore_DuplicateInsertConflicts(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, domain.NewConversation("u2", "a")); err != nil {
				t.Fatalf("first insert: %v", err)
			}
			if err := store.Save(ctx, domain.NewConversation("u2", "b")); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict on second insert, got %v", err)
			}
			got, _ := store.Get(ctx, "u2")
			if got == nil || got.AttemptID != "a" {
				t.Fatalf("first writer must win, got %+v", got)
			}
		})
	}
}

func TestConversationStore_ConcurrentWritersOneWins(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := domain.NewConversation("u3", "a")
			if err := store.Save(ctx, base); err != nil {
				t.Fatalf("seed: %v", err)
			}

			const n = 6
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					c := *base
					c.Stage = domain.StageAwaitingPhone
					c.ReceiptID = fmt.Sprintf("QR%d", i)
					err := store.Save(ctx, &c)
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					if !errors.Is(err, ErrConflict) {
						t.Errorf("writer %d: unexpected error %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one successful writer, got %d", wins)
			}
			got, _ := store.Get(ctx, "u3")
			if got.Version != 2 {
				t.Fatalf("expected version 2, got %d", got.Version)
			}
		})
	}
}

func TestRedisConversationStore_TTLAndCorruptState(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Save(ctx, domain.NewConversation("u4", "a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL(conversationKey("u4")); ttl != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "u4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}

	if err := mr.Set(conversationKey("u5"), "{not json"); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}
	if _, err := store.Get(ctx, "u5"); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	if err := store.Delete(ctx, "u5", 0); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if mr.Exists(conversationKey("u5")) {
		t.Fatalf("corrupt key should be gone")
	}
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := ConnectRedis(ctx, addr)
		if err != nil {
			t.Fatalf("ConnectRedis(%q): %v", addr, err)
		}
		_ = client.Close()
	}
	if _, err := ConnectRedis(ctx, "redis://%zz"); err == nil {
		t.Fatalf("expected parse error")
	}
}
