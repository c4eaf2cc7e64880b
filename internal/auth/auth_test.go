package auth

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/db"
	"petrel/internal/models"
)

func newStore(t *testing.T) *db.DBManager {
	t.Helper()
	store, err := db.NewDBManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLBackend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob", hash, db.PasswordBcrypt)
	require.NoError(t, err)
	carol, err := store.CreateUser(ctx, "carol", "plain", db.PasswordPlain)
	require.NoError(t, err)

	b := NewSQLBackend(store)
	id, err := b.ValidateCredentials(ctx, "Bob", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, bob, id)

	_, err = b.ValidateCredentials(ctx, "bob", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = b.ValidateCredentials(ctx, "nobody", "x")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	id, err = b.ValidateCredentials(ctx, "carol", "plain")
	require.NoError(t, err)
	assert.Equal(t, carol, id)

	_, _, err = b.CRAMSecret(ctx, "bob")
	assert.True(t, errors.Is(err, ErrInvalidCredentials), "bcrypt users cannot use CRAM-MD5")
	secret, _, err := b.CRAMSecret(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "plain", secret)
}

type countingBackend struct {
	calls int
	err   error
}

func (c *countingBackend) ValidateCredentials(context.Context, string, string) (int64, error) {
	c.calls++
	return 7, c.err
}

func TestCachedBackend(t *testing.T) {
	next := &countingBackend{}
	b := NewCachedBackend(next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := b.ValidateCredentials(ctx, "bob", "pw")
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
	}
	assert.Equal(t, 1, next.calls)

	next.err = ErrInvalidCredentials
	_, err := b.ValidateCredentials(ctx, "bob", "other")
	assert.Error(t, err)
	_, err = b.ValidateCredentials(ctx, "bob", "other")
	assert.Error(t, err)
	assert.Equal(t, 3, next.calls, "failures are not cached")
}

func TestJWTBackend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	b := NewJWTBackend("s3cret", "petrel", store)

	token, err := b.IssueToken("dave", time.Hour)
	require.NoError(t, err)

	id, err := b.ValidateCredentials(ctx, "dave", token)
	require.NoError(t, err)
	u, err := store.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dave", u.Username)

	_, err = b.ValidateCredentials(ctx, "eve", token)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	other := NewJWTBackend("different", "petrel", store)
	_, _, err = other.VerifyToken(ctx, token)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	expired, err := b.IssueToken("dave", -time.Minute)
	require.NoError(t, err)
	_, _, err = b.VerifyToken(ctx, expired)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpAuthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email == "frank@localhost" && req.Password == "ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newStore(t)
	b := NewHTTPBackend(srv.URL, false, store)
	ctx := context.Background()

	id, err := b.ValidateCredentials(ctx, "frank", "ok")
	require.NoError(t, err)
	assert.NotZero(t, id)
	again, err := b.ValidateCredentials(ctx, "frank", "ok")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = b.ValidateCredentials(ctx, "frank", "bad")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestNewBackendValidatesDriver(t *testing.T) {
	store := newStore(t)
	_, err := NewBackend(Config{Driver: "ldap"}, store)
	assert.Error(t, err)
	_, err = NewBackend(Config{Driver: "jwt"}, store)
	assert.Error(t, err)

	b, err := NewBackend(Config{CacheTTL: 30}, store)
	require.NoError(t, err)
	assert.IsType(t, &CachedBackend{}, b)
	assert.Equal(t, []string{"PLAIN", "LOGIN", "CRAM-MD5"}, Mechanisms(b))

	b, err = NewBackend(Config{Driver: "jwt", JWTSecret: "x"}, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAIN", "LOGIN", "OAUTHBEARER"}, Mechanisms(b))
}

func TestSASLPlainAndLogin(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.CreateUser(ctx, "bob", "pw", db.PasswordPlain)
	require.NoError(t, err)
	b := NewSQLBackend(store)

	var res Result
	srv, err := NewServer(ctx, "plain", b, "localhost", &res)
	require.NoError(t, err)
	_, done, err := srv.Next([]byte("\x00bob\x00pw"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, id, res.UserID)

	res = Result{}
	srv, err = NewServer(ctx, "LOGIN", b, "localhost", &res)
	require.NoError(t, err)
	challenge, done, err := srv.Next(nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Username:", string(challenge))
	challenge, _, err = srv.Next([]byte("bob"))
	require.NoError(t, err)
	assert.Equal(t, "Password:", string(challenge))
	_, done, err = srv.Next([]byte("pw"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "bob", res.Username)

	_, err = NewServer(ctx, "GSSAPI", b, "localhost", &res)
	assert.True(t, errors.Is(err, ErrUnsupportedMechanism))
}

func TestSASLCramMD5(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.CreateUser(ctx, "bob", "tanstaaf", db.PasswordPlain)
	require.NoError(t, err)

	var res Result
	srv, err := NewServer(ctx, "CRAM-MD5", NewSQLBackend(store), "mail.example.org", &res)
	require.NoError(t, err)
	challenge, done, err := srv.Next(nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, string(challenge), "@mail.example.org>")

	mac := hmac.New(md5.New, []byte("tanstaaf"))
	mac.Write(challenge)
	_, done, err = srv.Next([]byte("bob " + hex.EncodeToString(mac.Sum(nil))))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "bob", res.Username)
}

func TestACL(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bob, err := store.CreateUser(ctx, "bob", "pw", db.PasswordPlain)
	require.NoError(t, err)
	alice, err := store.CreateUser(ctx, "alice", "pw", db.PasswordPlain)
	require.NoError(t, err)
	mb, err := store.GetMailbox(ctx, bob, "INBOX")
	require.NoError(t, err)
	st, err := store.RefreshMailboxState(ctx, bob, mb.ID)
	require.NoError(t, err)

	acl := NewACL(store)
	ok, err := acl.HasRight(ctx, st, bob, models.RightAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = acl.HasRight(ctx, st, alice, models.RightSeen)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetACL(ctx, bob, mb.ID, "alice", "lrs"))
	ok, err = acl.HasRight(ctx, st, alice, models.RightSeen)
	require.NoError(t, err)
	assert.True(t, ok)
}
