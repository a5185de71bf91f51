package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const credentialKeyPrefix = "credential:"

// Credential is a bearer token with expiry. Never mutated in place, only
// replaced on refresh.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Valid reports whether the credential is usable, requiring at least slack
// of remaining lifetime.
func (c Credential) Valid(slack time.Duration) bool {
	if c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) > slack
}

// Store caches per-instance credentials in Redis with expiry-aware TTLs.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer
}

// NewStore wraps a Redis client. A nil client yields a nil store, which all
// methods tolerate so the provider can run cache-less.
func NewStore(redisClient *redis.Client) *Store {
	if redisClient == nil {
		return nil
	}
	return &Store{
		redis:  redisClient,
		tracer: otel.Tracer("zapdesk.internal.token.store"),
	}
}

// Get returns the cached credential for an instance, if any.
func (s *Store) Get(ctx context.Context, instanceID string) (Credential, bool, error) {
	if s == nil || s.redis == nil {
		return Credential{}, false, nil
	}
	if instanceID == "" {
		return Credential{}, false, errors.New("token: instance id required")
	}

	ctx, span := s.tracer.Start(ctx, "token.store.get")
	defer span.End()

	raw, err := s.redis.Get(ctx, credentialKey(instanceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return Credential{}, false, nil
		}
		span.RecordError(err)
		return Credential{}, false, fmt.Errorf("token: get credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, false, fmt.Errorf("token: decode credential: %w", err)
	}
	return cred, true, nil
}

// Put replaces the cached credential. TTL tracks the credential expiry so
// stale entries evict themselves.
func (s *Store) Put(ctx context.Context, instanceID string, cred Credential) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if instanceID == "" {
		return errors.New("token: instance id required")
	}

	ctx, span := s.tracer.Start(ctx, "token.store.put")
	defer span.End()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("token: encode credential: %w", err)
	}
	ttl := time.Duration(0)
	if !cred.ExpiresAt.IsZero() {
		ttl = time.Until(cred.ExpiresAt)
		if ttl <= 0 {
			return errors.New("token: refusing to cache expired credential")
		}
	}
	if err := s.redis.Set(ctx, credentialKey(instanceID), data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("token: put credential: %w", err)
	}
	return nil
}

// Delete drops a cached credential, forcing the next Get to refresh.
func (s *Store) Delete(ctx context.Context, instanceID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "token.store.delete")
	defer span.End()

	if err := s.redis.Del(ctx, credentialKey(instanceID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("token: delete credential: %w", err)
	}
	return nil
}

func credentialKey(instanceID string) string {
	return credentialKeyPrefix + instanceID
}
