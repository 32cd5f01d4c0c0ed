package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

const conversationKeyPrefix = "activation:conv:"

// ConnectRedis initializes a Redis client from URL or host:port input and
// verifies it with a PING.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisConversationStore keeps conversations as JSON values, one key per
// user. Conditional writes use WATCH/MULTI so a concurrent write to the same
// key aborts the transaction. A positive TTL expires idle conversations.
type RedisConversationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisConversationStore creates the Redis-backed conversation store.
func NewRedisConversationStore(client *redis.Client, ttl time.Duration) *RedisConversationStore {
	return &RedisConversationStore{client: client, ttl: ttl}
}

func conversationKey(userID string) string { return conversationKeyPrefix + userID }

// Get returns the conversation, ErrNotFound when absent, or ErrCorruptState
// when the stored value does not decode.
func (s *RedisConversationStore) Get(ctx context.Context, userID string) (*domain.Conversation, error) {
	raw, err := s.client.Get(ctx, conversationKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeConversation(raw)
}

// Save writes c if the stored version still equals c.Version (0 meaning the
// key must not exist).
func (s *RedisConversationStore) Save(ctx context.Context, c *domain.Conversation) error {
	key := conversationKey(c.UserID)
	now := time.Now().UTC()
	next := *c
	next.Version = c.Version + 1
	next.UpdatedAt = now
	if c.Version == 0 {
		next.CreatedAt = now
	}
	payload, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != c.Version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	*c = next
	return nil
}

// Delete removes the conversation. With version > 0 the delete is
// conditional on the stored version; version 0 deletes unconditionally.
func (s *RedisConversationStore) Delete(ctx context.Context, userID string, version int64) error {
	key := conversationKey(userID)
	if version == 0 {
		return s.client.Del(ctx, key).Err()
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// storedVersion reads the watched key; 0 means absent. Corrupt values are
// reported as ErrCorruptState.
func (s *RedisConversationStore) storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	c, err := decodeConversation(raw)
	if err != nil {
		return 0, err
	}
	return c.Version, nil
}

func decodeConversation(raw []byte) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &c, nil
}
