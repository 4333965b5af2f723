package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"settlement-core/internal/config"
	"settlement-core/internal/models"
)

type RedisService struct {
	client *redis.Client
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	}
	if strings.Contains(cfg.RedisURL, "://") {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisService{client: client}, nil
}

func NewRedisServiceWithClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Client() *redis.Client {
	return s.client
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// CheckRateLimit counts an action in a fixed window and reports whether the
// caller is still within limit.
func (s *RedisService) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, window)
	}
	return count <= int64(limit), nil
}

// releaseLease deletes a lease only while it still carries the holder's
// token, so an expired lease taken over by another instance is left alone.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisUserLease is a UserLease backed by SET NX PX on user:<id>:lease. The
// TTL bounds how long a crashed holder blocks the user and must exceed the
// longest operation run under the lease.
type RedisUserLease struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisUserLease(client *redis.Client, ttl time.Duration) *RedisUserLease {
	return &RedisUserLease{client: client, ttl: ttl}
}

func (l *RedisUserLease) Acquire(ctx context.Context, userID string) (func(), error) {
	ticker := time.NewTicker(leaseRetryInterval)
	defer ticker.Stop()

	for {
		release, ok, err := l.TryAcquire(ctx, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire user lease: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisUserLease) TryAcquire(ctx context.Context, userID string) (func(), bool, error) {
	key := fmt.Sprintf(KeyUserLease, userID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire user lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		releaseLease.Run(context.Background(), l.client, []string{key}, token)
	}, true, nil
}

// RedisSessionStore keeps sessions as JSON under game:session:<id>, with a
// per-user pointer to the Active session and a sorted set of expiry times.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (r *RedisSessionStore) Put(ctx context.Context, s *models.GameSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal game session: %w", err)
	}

	ttl := time.Until(s.ExpiresAt) + TTLSessionGrace
	if ttl < TTLSessionGrace {
		ttl = TTLSessionGrace
	}
	userKey := fmt.Sprintf(KeyUserActiveSession, s.UserID)

	var clearActive bool
	if !s.IsActive() {
		current, err := r.client.Get(ctx, userKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read active session: %w", err)
		}
		clearActive = current == s.ID
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(KeyGameSession, s.ID), data, ttl)
		pipe.ZAdd(ctx, KeySessionExpiry, redis.Z{
			Score:  float64(s.ExpiresAt.UnixMilli()),
			Member: s.ID,
		})
		if s.IsActive() {
			pipe.Set(ctx, userKey, s.ID, ttl)
		} else if clearActive {
			pipe.Del(ctx, userKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save game session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*models.GameSession, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(KeyGameSession, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game session: %w", err)
	}

	var session models.GameSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionStore) ActiveForUser(ctx context.Context, userID string) (*models.GameSession, error) {
	userKey := fmt.Sprintf(KeyUserActiveSession, userID)
	id, err := r.client.Get(ctx, userKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	session, err := r.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		r.client.Del(ctx, userKey)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, nil
	}
	return session, nil
}

func (r *RedisSessionStore) Expired(ctx context.Context, now time.Time) ([]*models.GameSession, error) {
	ids, err := r.client.ZRangeByScore(ctx, KeySessionExpiry, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var out []*models.GameSession
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			r.client.ZRem(ctx, KeySessionExpiry, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	session, err := r.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		r.client.ZRem(ctx, KeySessionExpiry, id)
		return nil
	}
	if err != nil {
		return err
	}

	userKey := fmt.Sprintf(KeyUserActiveSession, session.UserID)
	current, err := r.client.Get(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read active session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fmt.Sprintf(KeyGameSession, id))
		pipe.ZRem(ctx, KeySessionExpiry, id)
		if current == id {
			pipe.Del(ctx, userKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete game session: %w", err)
	}
	return nil
}
