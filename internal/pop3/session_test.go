package pop3

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/models"
)

const sampleMessage = "From: Alice <alice@example.org>\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"Hello Bob\r\n" +
	".hidden\r\n"

type fixture struct {
	store  *db.DBManager
	userID int64
	inbox  int64
	addr   string
}

func setup(t *testing.T, messages int, mutate func(cfg *Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewDBManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := store.CreateUser(ctx, "bob", "secret", db.PasswordPlain)
	require.NoError(t, err)
	mb, err := store.GetMailbox(ctx, id, "INBOX")
	require.NoError(t, err)
	for i := 0; i < messages; i++ {
		_, err := store.AppendMessage(ctx, id, mb.ID, []byte(sampleMessage), models.FlagUpdate{}, time.Unix(1700000000, 0))
		require.NoError(t, err)
	}

	cfg := Config{Hostname: "test", AllowPlaintext: true}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(store, auth.NewSQLBackend(store), cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(serveCtx, ln, nil)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{store: store, userID: id, inbox: mb.ID, addr: ln.Addr().String()}
}

func (f *fixture) messages(t *testing.T) []models.MessageInfo {
	t.Helper()
	st, err := f.store.RefreshMailboxState(context.Background(), f.userID, f.inbox)
	require.NoError(t, err)
	return st.Rows()
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	c := &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
	assert.Equal(t, "+OK test POP3 server ready", c.line())
	return c
}

func (c *client) line() string {
	c.t.Helper()
	l, err := c.rd.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(l, "\r\n")
}

// cmd sends one command and returns the status line.
func (c *client) cmd(line string) string {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
	return c.line()
}

// multi reads a multi-line body up to the terminating dot.
func (c *client) multi() []string {
	c.t.Helper()
	var out []string
	for {
		l := c.line()
		if l == "." {
			return out
		}
		out = append(out, l)
	}
}

func (c *client) login() {
	c.t.Helper()
	require.True(c.t, strings.HasPrefix(c.cmd("USER bob"), "+OK"))
	require.True(c.t, strings.HasPrefix(c.cmd("PASS secret"), "+OK"))
}

func TestCapa(t *testing.T) {
	f := setup(t, 0, nil)
	c := f.dial(t)
	assert.Equal(t, "+OK Capability list follows", c.cmd("CAPA"))
	caps := c.multi()
	assert.Contains(t, caps, "UIDL")
	assert.Contains(t, caps, "TOP")
	assert.Contains(t, caps, "USER")
	assert.Contains(t, caps, "SASL PLAIN")
	assert.NotContains(t, caps, "STLS")
}

func TestUserPass(t *testing.T) {
	f := setup(t, 2, nil)
	c := f.dial(t)
	assert.Equal(t, "-ERR Send USER first", c.cmd("PASS secret"))
	assert.Equal(t, "+OK Password required for bob", c.cmd("USER bob"))
	assert.Equal(t, "-ERR [AUTH] Authentication failed", c.cmd("PASS wrong"))
	c.cmd("USER bob")
	size := 2 * len(sampleMessage)
	assert.Equal(t, fmt.Sprintf("+OK bob has 2 messages (%d octets)", size), c.cmd("PASS secret"))
}

func TestPlaintextDisabledWithoutTLS(t *testing.T) {
	f := setup(t, 0, func(cfg *Config) { cfg.AllowPlaintext = false })
	c := f.dial(t)
	c.cmd("CAPA")
	assert.NotContains(t, c.multi(), "USER")
	assert.Equal(t, "-ERR [AUTH] Plaintext authentication disallowed without TLS", c.cmd("USER bob"))
	assert.Equal(t, "-ERR TLS not available", c.cmd("STLS"))
}

func TestAuthPlain(t *testing.T) {
	f := setup(t, 1, nil)
	creds := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00secret"))

	c := f.dial(t)
	assert.Equal(t, "+ ", c.cmd("AUTH PLAIN"))
	assert.True(t, strings.HasPrefix(c.cmd(creds), "+OK bob has 1 messages"))

	c = f.dial(t)
	assert.True(t, strings.HasPrefix(c.cmd("AUTH PLAIN "+creds), "+OK"))

	c = f.dial(t)
	c.cmd("AUTH PLAIN")
	assert.Equal(t, "-ERR Authentication cancelled", c.cmd("*"))

	c = f.dial(t)
	assert.Equal(t, "-ERR Unsupported authentication mechanism", c.cmd("AUTH GSSAPI"))
}

func TestWrongState(t *testing.T) {
	f := setup(t, 1, nil)
	c := f.dial(t)
	assert.Equal(t, "-ERR Unknown command or wrong state", c.cmd("STAT"))
	c.login()
	assert.Equal(t, "-ERR Unknown command or wrong state", c.cmd("USER bob"))
}

func TestStatListUidl(t *testing.T) {
	f := setup(t, 2, nil)
	rows := f.messages(t)
	c := f.dial(t)
	c.login()

	n := len(sampleMessage)
	assert.Equal(t, fmt.Sprintf("+OK 2 %d", 2*n), c.cmd("STAT"))
	assert.Equal(t, fmt.Sprintf("+OK 2 messages (%d octets)", 2*n), c.cmd("LIST"))
	assert.Equal(t, []string{fmt.Sprintf("1 %d", n), fmt.Sprintf("2 %d", n)}, c.multi())
	assert.Equal(t, fmt.Sprintf("+OK 2 %d", n), c.cmd("LIST 2"))
	assert.Equal(t, "-ERR No such message", c.cmd("LIST 3"))

	c.cmd("UIDL")
	uidl := c.multi()
	require.Len(t, uidl, 2)
	assert.True(t, strings.HasSuffix(uidl[0], fmt.Sprintf(".%d", rows[0].UID)))
	assert.NotEqual(t, strings.Fields(uidl[0])[1], strings.Fields(uidl[1])[1])
}

func TestRetrDotStuffsAndSetsSeen(t *testing.T) {
	f := setup(t, 1, nil)
	c := f.dial(t)
	c.login()

	assert.Equal(t, fmt.Sprintf("+OK %d octets", len(sampleMessage)), c.cmd("RETR 1"))
	body := c.multi()
	assert.Equal(t, []string{"From: Alice <alice@example.org>", "Subject: hello", "", "Hello Bob", "..hidden"}, body)
	assert.True(t, f.messages(t)[0].Flags[models.FlagSeen])
}

func TestTop(t *testing.T) {
	f := setup(t, 1, nil)
	c := f.dial(t)
	c.login()

	assert.Equal(t, "+OK", c.cmd("TOP 1 0"))
	assert.Equal(t, []string{"From: Alice <alice@example.org>", "Subject: hello", ""}, c.multi())
	c.cmd("TOP 1 1")
	assert.Equal(t, []string{"From: Alice <alice@example.org>", "Subject: hello", "", "Hello Bob"}, c.multi())
	assert.True(t, strings.HasPrefix(c.cmd("TOP 1"), "-ERR"))
}

func TestDeleExpungesOnQuit(t *testing.T) {
	f := setup(t, 2, nil)
	c := f.dial(t)
	c.login()

	n := len(sampleMessage)
	assert.Equal(t, "+OK Message 1 deleted", c.cmd("DELE 1"))
	assert.Equal(t, "-ERR Message 1 already deleted", c.cmd("DELE 1"))
	assert.Equal(t, "-ERR Message 1 already deleted", c.cmd("RETR 1"))
	assert.Equal(t, fmt.Sprintf("+OK 1 %d", n), c.cmd("STAT"))
	assert.Equal(t, fmt.Sprintf("+OK maildrop has 2 messages (%d octets)", 2*n), c.cmd("RSET"))
	c.cmd("DELE 2")
	assert.Equal(t, "+OK test POP3 server signing off (1 messages left)", c.cmd("QUIT"))

	_, err := c.rd.ReadString('\n')
	assert.Error(t, err)
	assert.Len(t, f.messages(t), 1)
}

func TestDisconnectKeepsMessages(t *testing.T) {
	f := setup(t, 2, nil)
	c := f.dial(t)
	c.login()
	c.cmd("DELE 1")
	_ = c.conn.Close()
	assert.Len(t, f.messages(t), 2)
}

func TestNoopAndQuitBeforeLogin(t *testing.T) {
	f := setup(t, 0, nil)
	c := f.dial(t)
	assert.Equal(t, "+OK", c.cmd("NOOP"))
	assert.Equal(t, "+OK test POP3 server signing off", c.cmd("QUIT"))
}

func TestTooManyFaults(t *testing.T) {
	f := setup(t, 0, func(cfg *Config) { cfg.MaxFaultyResponses = 2 })
	c := f.dial(t)
	c.cmd("FROB")
	assert.True(t, strings.HasPrefix(c.cmd("NOOP"), "+OK"))
	c.cmd("FROB")
	c.cmd("FROB")
	assert.Equal(t, "-ERR Too many invalid commands", c.line())
	_, err := c.rd.ReadString('\n')
	assert.Error(t, err)
}
