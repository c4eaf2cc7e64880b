package auth

import (
	"context"
	"crypto/subtle"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"petrel/internal/db"
)

// SQLBackend checks passwords stored in the users table.
type SQLBackend struct {
	store *db.DBManager
}

// NewSQLBackend returns a backend over store.
func NewSQLBackend(store *db.DBManager) *SQLBackend {
	return &SQLBackend{store: store}
}

// HashPassword returns the bcrypt hash stored for new accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// ValidateCredentials implements AuthBackend.
func (b *SQLBackend) ValidateCredentials(ctx context.Context, username, password string) (int64, error) {
	u, err := b.store.GetUser(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, err
	}
	if !u.Enabled || password == "" {
		return 0, ErrInvalidCredentials
	}
	switch u.PasswordType {
	case db.PasswordBcrypt:
		if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
			return 0, ErrInvalidCredentials
		}
	case db.PasswordPlain:
		if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
			return 0, ErrInvalidCredentials
		}
	default:
		return 0, ErrInvalidCredentials
	}
	return u.ID, nil
}

// CRAMSecret implements CRAMVerifier for accounts with plaintext passwords.
func (b *SQLBackend) CRAMSecret(ctx context.Context, username string) (string, int64, error) {
	u, err := b.store.GetUser(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return "", 0, ErrInvalidCredentials
	}
	if err != nil {
		return "", 0, err
	}
	if !u.Enabled || u.PasswordType != db.PasswordPlain {
		return "", 0, ErrInvalidCredentials
	}
	return u.Password, u.ID, nil
}
