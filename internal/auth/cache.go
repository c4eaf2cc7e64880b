package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"petrel/internal/db"
)

// CachedBackend remembers successful checks for a while, so clients that
// reconnect often do not hit the backend each time. Failures are never
// cached.
type CachedBackend struct {
	next  AuthBackend
	cache *gocache.Cache
}

// NewCachedBackend wraps next with a cache of the given ttl.
func NewCachedBackend(next AuthBackend, ttl time.Duration) *CachedBackend {
	return &CachedBackend{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func cacheKey(username, password string) string {
	sum := sha256.Sum256([]byte(db.NormalizeUsername(username) + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// ValidateCredentials implements AuthBackend.
func (c *CachedBackend) ValidateCredentials(ctx context.Context, username, password string) (int64, error) {
	key := cacheKey(username, password)
	if id, ok := c.cache.Get(key); ok {
		return id.(int64), nil
	}
	id, err := c.next.ValidateCredentials(ctx, username, password)
	if err != nil {
		return 0, err
	}
	c.cache.Set(key, id, gocache.DefaultExpiration)
	return id, nil
}

// CRAMSecret forwards to the wrapped backend when it supports CRAM-MD5.
func (c *CachedBackend) CRAMSecret(ctx context.Context, username string) (string, int64, error) {
	v, ok := c.next.(CRAMVerifier)
	if !ok {
		return "", 0, ErrInvalidCredentials
	}
	return v.CRAMSecret(ctx, username)
}

// VerifyToken forwards to the wrapped backend when it accepts tokens.
func (c *CachedBackend) VerifyToken(ctx context.Context, token string) (string, int64, error) {
	v, ok := c.next.(TokenVerifier)
	if !ok {
		return "", 0, ErrInvalidCredentials
	}
	return v.VerifyToken(ctx, token)
}

// Unwrap returns the wrapped backend.
func (c *CachedBackend) Unwrap() AuthBackend {
	return c.next
}
