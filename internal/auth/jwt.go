package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"petrel/internal/db"
)

// JWTBackend accepts HS256 tokens in place of passwords. The token subject
// names the user.
type JWTBackend struct {
	secret []byte
	issuer string
	store  *db.DBManager
}

// NewJWTBackend returns a backend verifying tokens signed with secret.
func NewJWTBackend(secret, issuer string, store *db.DBManager) *JWTBackend {
	return &JWTBackend{secret: []byte(secret), issuer: issuer, store: store}
}

// IssueToken signs a token for username valid for ttl.
func (b *JWTBackend) IssueToken(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   db.NormalizeUsername(username),
		Issuer:    b.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

func (b *JWTBackend) parse(token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if b.issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, opts...)
	if err != nil || claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return db.NormalizeUsername(claims.Subject), nil
}

// ValidateCredentials implements AuthBackend. The password is the token.
func (b *JWTBackend) ValidateCredentials(ctx context.Context, username, password string) (int64, error) {
	subject, err := b.parse(password)
	if err != nil {
		return 0, err
	}
	if subject != db.NormalizeUsername(username) {
		return 0, errors.Wrap(ErrInvalidCredentials, "token subject mismatch")
	}
	return b.store.EnsureUser(ctx, subject)
}

// VerifyToken implements TokenVerifier.
func (b *JWTBackend) VerifyToken(ctx context.Context, token string) (string, int64, error) {
	subject, err := b.parse(token)
	if err != nil {
		return "", 0, err
	}
	id, err := b.store.EnsureUser(ctx, subject)
	return subject, id, err
}
