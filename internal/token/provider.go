package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

type refresher interface {
	ConnectInstance(ctx context.Context, instanceID string) (*evoclient.InstanceAuth, error)
}

// Provider supplies and refreshes the per-instance bearer credential.
type Provider struct {
	gateway    refresher
	store      *Store
	logger     *logging.Logger
	slack      time.Duration
	defaultTTL time.Duration

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewProvider builds a credential provider backed by the gateway client and
// an optional Redis cache.
func NewProvider(gateway refresher, store *Store, logger *logging.Logger) *Provider {
	if gateway == nil {
		panic("token: gateway refresher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Provider{
		gateway:    gateway,
		store:      store,
		logger:     logger.Component("token"),
		slack:      30 * time.Second,
		defaultTTL: time.Hour,
		inflight:   make(map[string]*sync.Mutex),
	}
}

// WithSlack adjusts the minimum remaining lifetime before refresh.
func (p *Provider) WithSlack(d time.Duration) *Provider {
	if d > 0 {
		p.slack = d
	}
	return p
}

// WithDefaultTTL adjusts the assumed lifetime for tokens without expiry.
func (p *Provider) WithDefaultTTL(d time.Duration) *Provider {
	if d > 0 {
		p.defaultTTL = d
	}
	return p
}

// Get returns a valid credential for the instance, refreshing when the
// cached one is missing or close to expiry.
func (p *Provider) Get(ctx context.Context, instanceID string) (Credential, error) {
	if instanceID == "" {
		return Credential{}, errors.New("token: instance id required")
	}

	// Serialize refreshes per instance so a burst of callers triggers a
	// single gateway round trip.
	lock := p.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	cred, found, err := p.store.Get(ctx, instanceID)
	if err != nil {
		p.logger.Warn("credential cache read failed", "instance_id", instanceID, "error", err)
	}
	if found && cred.Valid(p.slack) {
		return cred, nil
	}

	return p.refresh(ctx, instanceID)
}

// Invalidate drops the cached credential so the next Get refreshes. Called
// when the transport surfaces a credential error.
func (p *Provider) Invalidate(ctx context.Context, instanceID string) error {
	return p.store.Delete(ctx, instanceID)
}

func (p *Provider) refresh(ctx context.Context, instanceID string) (Credential, error) {
	auth, err := p.gateway.ConnectInstance(ctx, instanceID)
	if err != nil {
		return Credential{}, fmt.Errorf("token: refresh credential: %w", err)
	}
	if auth == nil || auth.Token == "" {
		return Credential{}, errors.New("token: gateway returned empty credential")
	}

	now := time.Now().UTC()
	cred := Credential{
		Token:     auth.Token,
		ExpiresAt: auth.ExpiresAt,
		IssuedAt:  now,
	}
	if cred.ExpiresAt.IsZero() {
		if exp, ok := jwtExpiry(auth.Token); ok {
			cred.ExpiresAt = exp
		} else {
			cred.ExpiresAt = now.Add(p.defaultTTL)
		}
	}
	if !cred.Valid(0) {
		return Credential{}, errors.New("token: gateway returned expired credential")
	}

	if err := p.store.Put(ctx, instanceID, cred); err != nil {
		p.logger.Warn("credential cache write failed", "instance_id", instanceID, "error", err)
	}
	p.logger.Info("credential refreshed",
		"instance_id", instanceID,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

func (p *Provider) instanceLock(instanceID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.inflight[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		p.inflight[instanceID] = lock
	}
	return lock
}

// jwtExpiry pulls the exp claim out of a JWT without verifying it; the
// gateway already authenticated us and we only need the lifetime.
func jwtExpiry(tokenString string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
