package sieve

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/auth"
	"petrel/internal/db"
)

const keepScript = "require \"fileinto\";\r\nkeep;\r\n"

type fixture struct {
	store  *db.DBManager
	userID int64
	addr   string
}

func setup(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	store, err := db.NewDBManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	id, err := store.CreateUser(context.Background(), "bob", "secret", db.PasswordPlain)
	require.NoError(t, err)

	cfg := Config{Hostname: "test", AllowPlaintext: true, MaxScriptSize: 1024}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(store, auth.NewSQLBackend(store), cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{store: store, userID: id, addr: ln.Addr().String()}
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func (f *fixture) dial(t *testing.T) (*client, []string) {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	c := &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
	caps, status := c.response()
	require.Equal(t, `OK "test ManageSieve ready"`, status)
	return c, caps
}

func (c *client) line() string {
	c.t.Helper()
	l, err := c.rd.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(l, "\r\n")
}

// response reads lines up to the final OK, NO or BYE.
func (c *client) response() (lines []string, status string) {
	c.t.Helper()
	for {
		l := c.line()
		if l == "OK" || l == "NO" || l == "BYE" ||
			strings.HasPrefix(l, "OK ") || strings.HasPrefix(l, "NO ") || strings.HasPrefix(l, "BYE ") {
			return lines, l
		}
		lines = append(lines, l)
	}
}

func (c *client) do(cmd string) ([]string, string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, cmd+"\r\n")
	require.NoError(c.t, err)
	return c.response()
}

func (c *client) login() {
	c.t.Helper()
	creds := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00secret"))
	_, status := c.do(`AUTHENTICATE "PLAIN" "` + creds + `"`)
	require.Equal(c.t, `OK "Authenticated."`, status)
}

func literal(s string) string {
	return fmt.Sprintf("{%d+}\r\n%s", len(s), s)
}

func TestGreetingCapabilities(t *testing.T) {
	f := setup(t, nil)
	c, caps := f.dial(t)
	assert.Contains(t, caps, `"IMPLEMENTATION" "petrel"`)
	assert.Contains(t, caps, `"SIEVE" "`+Extensions+`"`)
	assert.Contains(t, caps, `"VERSION" "1.0"`)
	assert.Contains(t, caps, `"MAXSCRIPTSIZE" "1024"`)
	assert.NotContains(t, caps, `"STARTTLS"`)

	again, status := c.do("CAPABILITY")
	assert.Equal(t, "OK", status)
	assert.Equal(t, caps, again)
}

func TestAuthenticate(t *testing.T) {
	f := setup(t, nil)
	c, _ := f.dial(t)
	_, status := c.do("LISTSCRIPTS")
	assert.Equal(t, `NO "Please authenticate first."`, status)

	bad := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00wrong"))
	_, status = c.do(`AUTHENTICATE "PLAIN" "` + bad + `"`)
	assert.Equal(t, `NO "Username or password incorrect."`, status)

	// continuation round trip
	_, err := io.WriteString(c.conn, "AUTHENTICATE \"PLAIN\"\r\n")
	require.NoError(t, err)
	assert.Equal(t, `""`, c.line())
	creds := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00secret"))
	_, status = c.do(`"` + creds + `"`)
	assert.Equal(t, `OK "Authenticated."`, status)

	_, status = c.do(`AUTHENTICATE "PLAIN"`)
	assert.Equal(t, `NO "Already authenticated."`, status)
}

func TestAuthenticateAborted(t *testing.T) {
	f := setup(t, nil)
	c, _ := f.dial(t)
	_, err := io.WriteString(c.conn, "AUTHENTICATE \"PLAIN\"\r\n")
	require.NoError(t, err)
	c.line()
	_, status := c.do(`"*"`)
	assert.Equal(t, `NO "Authentication aborted."`, status)
}

func TestAuthenticateRequiresTLS(t *testing.T) {
	f := setup(t, func(cfg *Config) { cfg.AllowPlaintext = false })
	c, caps := f.dial(t)
	assert.Contains(t, caps, `"SASL" ""`)
	_, status := c.do(`AUTHENTICATE "PLAIN" "AGJvYgBzZWNyZXQ="`)
	assert.Equal(t, `NO (ENCRYPT-NEEDED) "Authentication requires TLS."`, status)
	_, status = c.do("STARTTLS")
	assert.Equal(t, `NO "TLS not available."`, status)
}

func TestScriptLifecycle(t *testing.T) {
	f := setup(t, nil)
	c, _ := f.dial(t)
	c.login()

	_, status := c.do(`PUTSCRIPT "main" ` + literal(keepScript))
	assert.Equal(t, `OK "Script successfully received."`, status)
	_, status = c.do(`PUTSCRIPT "other" ` + literal("discard;"))
	assert.Equal(t, "OK", strings.Fields(status)[0])

	lines, status := c.do("LISTSCRIPTS")
	assert.Equal(t, "OK", status)
	assert.Equal(t, []string{`"main"`, `"other"`}, lines)

	_, status = c.do(`SETACTIVE "main"`)
	assert.Equal(t, `OK "Script activated."`, status)
	lines, _ = c.do("LISTSCRIPTS")
	assert.Equal(t, []string{`"main" ACTIVE`, `"other"`}, lines)

	lines, status = c.do(`GETSCRIPT "main"`)
	assert.Equal(t, "OK", status)
	assert.Equal(t, fmt.Sprintf("{%d}", len(keepScript)), lines[0])
	assert.Equal(t, strings.Split(strings.TrimSuffix(keepScript, "\r\n"), "\r\n"), lines[1:3])

	_, status = c.do(`DELETESCRIPT "main"`)
	assert.Equal(t, `NO (ACTIVE) "You may not delete an active script."`, status)
	_, status = c.do(`RENAMESCRIPT "main" "other"`)
	assert.Equal(t, `NO (ALREADYEXISTS) "A script with that name already exists."`, status)
	_, status = c.do(`RENAMESCRIPT "main" "primary"`)
	assert.Equal(t, "OK", status)

	active, err := f.store.GetScript(context.Background(), f.userID, "primary")
	require.NoError(t, err)
	assert.True(t, active.Active)
	assert.Equal(t, keepScript, active.Body)

	_, status = c.do(`SETACTIVE ""`)
	assert.Equal(t, `OK "All scripts deactivated."`, status)
	_, status = c.do(`DELETESCRIPT "primary"`)
	assert.Equal(t, "OK", status)
	_, status = c.do(`GETSCRIPT "primary"`)
	assert.Equal(t, `NO (NONEXISTENT) "Script not found."`, status)
	_, status = c.do(`SETACTIVE "primary"`)
	assert.Equal(t, `NO (NONEXISTENT) "Script does not exist."`, status)
}

func TestPutScriptRejectsBrokenScript(t *testing.T) {
	f := setup(t, nil)
	c, _ := f.dial(t)
	c.login()

	_, status := c.do(`PUTSCRIPT "bad" ` + literal("if true { keep;"))
	assert.Equal(t, `NO "Script error: line 1: missing '}'."`, status)
	_, err := f.store.GetScript(context.Background(), f.userID, "bad")
	assert.Error(t, err)

	_, status = c.do("CHECKSCRIPT " + literal(keepScript))
	assert.Equal(t, `OK "Script is valid."`, status)
	_, status = c.do(`CHECKSCRIPT "require \"x\""`)
	assert.Equal(t, `NO "Script error: line 1: require must be terminated by ';'."`, status)
}

func TestSpaceLimits(t *testing.T) {
	f := setup(t, func(cfg *Config) {
		cfg.Quota = 100
		cfg.MaxScripts = 2
	})
	c, _ := f.dial(t)
	c.login()

	_, status := c.do(`HAVESPACE "a" 50`)
	assert.Equal(t, "OK", status)
	_, status = c.do(`HAVESPACE "a" 2000`)
	assert.Equal(t, `NO (QUOTA/MAXSIZE) "Script exceeds maximum size."`, status)

	_, status = c.do(`PUTSCRIPT "a" ` + literal(strings.Repeat("#", 60)))
	assert.Equal(t, "OK", strings.Fields(status)[0])
	_, status = c.do(`HAVESPACE "b" 50`)
	assert.Equal(t, `NO (QUOTA) "Script exceeds available space."`, status)
	// replacing a script does not count its old size
	_, status = c.do(`HAVESPACE "a" 90`)
	assert.Equal(t, "OK", status)

	c.do(`PUTSCRIPT "b" ` + literal("keep;"))
	_, status = c.do(`HAVESPACE "c" 1`)
	assert.Equal(t, `NO (QUOTA/MAXSCRIPTS) "Too many scripts."`, status)

	_, status = c.do(`PUTSCRIPT "big" ` + literal(strings.Repeat("#", 2000)))
	assert.Equal(t, `NO (QUOTA/MAXSIZE) "Script exceeds maximum size."`, status)
	_, status = c.do("NOOP")
	assert.Equal(t, `OK "Done"`, status)
}

func TestNoopTagAndLogout(t *testing.T) {
	f := setup(t, nil)
	c, _ := f.dial(t)
	_, status := c.do(`NOOP "abc"`)
	assert.Equal(t, `OK (TAG "abc") "Done"`, status)
	_, status = c.do("LOGOUT")
	assert.Equal(t, `OK "Logout complete."`, status)
	_, err := c.rd.ReadString('\n')
	assert.Error(t, err)
}

func TestTooManyErrors(t *testing.T) {
	f := setup(t, func(cfg *Config) { cfg.MaxFaultyResponses = 2 })
	c, _ := f.dial(t)
	_, status := c.do("FROB")
	assert.Equal(t, `NO "Unknown command."`, status)
	_, status = c.do(`PUTSCRIPT "unterminated`)
	assert.Equal(t, `NO "Syntax error in arguments"`, status)
	assert.Equal(t, `BYE "Too many errors, closing connection."`, c.line())
}
