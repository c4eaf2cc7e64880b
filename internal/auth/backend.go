// Package auth validates credentials against the configured backend and
// evaluates mailbox access rights.
package auth

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
)

// ErrInvalidCredentials is returned for a wrong username or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthBackend checks a username and password and returns the local user id.
type AuthBackend interface {
	ValidateCredentials(ctx context.Context, username, password string) (int64, error)
}

// CRAMVerifier is implemented by backends that can reveal a shared secret
// for CRAM-MD5. Only plaintext passwords qualify.
type CRAMVerifier interface {
	CRAMSecret(ctx context.Context, username string) (secret string, userID int64, err error)
}

// TokenVerifier is implemented by backends that accept bearer tokens.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (username string, userID int64, err error)
}

// Config selects and configures the backend.
type Config struct {
	Driver        string `yaml:"driver"`
	AuthServerURL string `yaml:"auth_server_url"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTIssuer     string `yaml:"jwt_issuer"`
	CacheTTL      int    `yaml:"cache_ttl"` // seconds, 0 disables the cache
}

// Validate checks the settings of the selected driver.
func (c Config) Validate() error {
	switch c.Driver {
	case "", "sql":
	case "http":
		if c.AuthServerURL == "" {
			return errors.New("auth.auth_server_url is required for the http driver")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required for the jwt driver")
		}
	default:
		return errors.Errorf("auth.driver: unknown driver %q", c.Driver)
	}
	if c.CacheTTL < 0 {
		return errors.New("auth.cache_ttl must not be negative")
	}
	return nil
}

// NewBackend builds the backend cfg selects. It is called once at startup.
func NewBackend(cfg Config, store *db.DBManager) (AuthBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var backend AuthBackend
	switch cfg.Driver {
	case "", "sql":
		backend = NewSQLBackend(store)
	case "http":
		backend = NewHTTPBackend(cfg.AuthServerURL, cfg.TLSSkipVerify, store)
	case "jwt":
		backend = NewJWTBackend(cfg.JWTSecret, cfg.JWTIssuer, store)
	}
	log.WithField("driver", driverName(cfg.Driver)).Info("authentication backend ready")
	if cfg.CacheTTL > 0 {
		return NewCachedBackend(backend, time.Duration(cfg.CacheTTL)*time.Second), nil
	}
	return backend, nil
}

func driverName(d string) string {
	if d == "" {
		return "sql"
	}
	return d
}
