package lmtp

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/db"
	"petrel/internal/delivery/config"
	"petrel/internal/delivery/storage"
	"petrel/internal/models"
)

// mockConn implements net.Conn for testing
type mockConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

func newMockConn(input string) *mockConn {
	return &mockConn{
		readBuf:  bytes.NewBufferString(input),
		writeBuf: bytes.NewBuffer(nil),
	}
}

func (m *mockConn) Read(b []byte) (n int, err error)  { return m.readBuf.Read(b) }
func (m *mockConn) Write(b []byte) (n int, err error) { return m.writeBuf.Write(b) }
func (m *mockConn) Close() error {
	m.closed = true
	return nil
}
func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 24}
}
func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

const testMessage = "From: Alice <alice@example.org>\r\n" +
	"To: bob@localhost\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"Hello Bob\r\n"

type fixture struct {
	store *db.DBManager
	stor  *storage.Storage
	cfg   config.LMTPConfig
}

func setup(t *testing.T, mutate func(d *config.DeliveryConfig), opts ...db.Option) *fixture {
	t.Helper()
	store, err := db.NewDBManager(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.CreateUser(context.Background(), "bob", "secret", db.PasswordPlain)
	require.NoError(t, err)

	d := config.DefaultDelivery()
	if mutate != nil {
		mutate(&d)
	}
	cfg := config.DefaultLMTP()
	cfg.Hostname = "test.example.com"
	cfg.MaxSize = 1024
	cfg.MaxRecipients = 2
	return &fixture{store: store, stor: storage.NewStorage(store, d), cfg: cfg}
}

// run feeds script to a session and returns the reply lines.
func (f *fixture) run(t *testing.T, script string) []string {
	t.Helper()
	conn := newMockConn(script)
	s := NewSession(conn, f.stor, f.cfg, log.WithField("test", t.Name()))
	_ = s.Handle(context.Background())
	out := strings.TrimSuffix(conn.writeBuf.String(), "\r\n")
	return strings.Split(out, "\r\n")
}

func (f *fixture) inboxCount(t *testing.T) uint32 {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.GetUser(ctx, "bob")
	require.NoError(t, err)
	mb, err := f.store.GetMailbox(ctx, u.ID, "INBOX")
	require.NoError(t, err)
	st, err := f.store.Status(ctx, u.ID, mb.ID)
	require.NoError(t, err)
	return st.Messages
}

func TestGreetingAndLHLO(t *testing.T) {
	f := setup(t, nil)
	lines := f.run(t, "LHLO client.example\r\nQUIT\r\n")
	assert.Equal(t, []string{
		"220 test.example.com LMTP Service ready",
		"250-test.example.com",
		"250-PIPELINING",
		"250-ENHANCEDSTATUSCODES",
		"250-SIZE 1024",
		"250 8BITMIME",
		"221 2.0.0 Bye",
	}, lines)
}

func TestDeliveryTransaction(t *testing.T) {
	f := setup(t, nil)
	lines := f.run(t, "LHLO client\r\n"+
		"MAIL FROM:<alice@example.org>\r\n"+
		"RCPT TO:<bob@localhost>\r\n"+
		"DATA\r\n"+
		testMessage+".\r\n"+
		"QUIT\r\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "250 2.1.0 Sender OK", lines[6])
	assert.Equal(t, "250 2.1.5 Recipient OK", lines[7])
	assert.True(t, strings.HasPrefix(lines[8], "354 "))
	assert.Equal(t, "250 2.0.0 <bob@localhost> Message accepted for delivery", lines[9])
	assert.Equal(t, uint32(1), f.inboxCount(t))
}

func TestDeliveryStoresTraceHeaders(t *testing.T) {
	f := setup(t, nil)
	f.run(t, "LHLO client\r\nMAIL FROM:<alice@example.org>\r\nRCPT TO:<bob@localhost>\r\nDATA\r\n"+testMessage+".\r\n")

	ctx := context.Background()
	u, err := f.store.GetUser(ctx, "bob")
	require.NoError(t, err)
	mb, err := f.store.GetMailbox(ctx, u.ID, "INBOX")
	require.NoError(t, err)
	phys, err := f.store.FetchPhysMessageID(ctx, u.ID, mb.ID, 1)
	require.NoError(t, err)
	raw, err := f.store.MessageRaw(ctx, u.ID, phys)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "Return-Path: <alice@example.org>\r\nDelivered-To: bob@localhost\r\n"))
	assert.True(t, strings.HasSuffix(string(raw), testMessage))
}

func TestPerRecipientReplies(t *testing.T) {
	f := setup(t, nil, db.WithQuota(1000))
	ctx := context.Background()
	_, err := f.store.CreateUser(ctx, "carol", "secret", db.PasswordPlain)
	require.NoError(t, err)
	// fill carol up so only bob gets the copy
	carol, err := f.store.GetUser(ctx, "carol")
	require.NoError(t, err)
	mb, err := f.store.GetMailbox(ctx, carol.ID, "INBOX")
	require.NoError(t, err)
	filler := testMessage + strings.Repeat("x", 870)
	_, err = f.store.AppendMessage(ctx, carol.ID, mb.ID, []byte(filler), models.FlagUpdate{}, time.Now())
	require.NoError(t, err)

	lines := f.run(t, "LHLO client\r\nMAIL FROM:<>\r\nRCPT TO:<bob@localhost>\r\nRCPT TO:<carol@localhost>\r\nDATA\r\n"+testMessage+".\r\n")
	n := len(lines)
	assert.Equal(t, "250 2.0.0 <bob@localhost> Message accepted for delivery", lines[n-2])
	assert.Equal(t, "452 4.2.2 <carol@localhost> Mailbox full", lines[n-1])
}

func TestSequenceErrors(t *testing.T) {
	f := setup(t, nil)
	lines := f.run(t, "MAIL FROM:<a@b.c>\r\nLHLO x\r\nRCPT TO:<bob@localhost>\r\nDATA\r\nMAIL FROM:<a@b.c>\r\nMAIL FROM:<a@b.c>\r\nDATA\r\nEHLO x\r\nFROB\r\n")
	assert.Equal(t, []string{
		"220 test.example.com LMTP Service ready",
		"503 5.5.1 Please send LHLO first",
		"250-test.example.com", "250-PIPELINING", "250-ENHANCEDSTATUSCODES", "250-SIZE 1024", "250 8BITMIME",
		"503 5.5.1 Please send MAIL FROM first",
		"503 5.5.1 Please send MAIL FROM first",
		"250 2.1.0 Sender OK",
		"503 5.5.1 Sender already specified",
		"503 5.5.1 Please send RCPT TO first",
		"500 5.5.1 This is an LMTP server, use LHLO",
		"500 5.5.2 Command not recognized",
	}, lines)
}

func TestRecipientChecks(t *testing.T) {
	f := setup(t, func(d *config.DeliveryConfig) {
		d.AllowedDomains = []string{"localhost"}
		d.RejectUnknownUser = true
	})
	lines := f.run(t, "LHLO x\r\nMAIL FROM:<a@b.c>\r\n"+
		"RCPT TO:<bob@elsewhere.org>\r\n"+
		"RCPT TO:<ghost@localhost>\r\n"+
		"RCPT TO:<bob@localhost>\r\n"+
		"RCPT TO:<bob@localhost>\r\n"+
		"RCPT TO:<bob@localhost>\r\n"+
		"RCPT bob\r\n")
	n := len(lines)
	assert.Equal(t, []string{
		"550 5.7.1 Relay not permitted",
		"550 5.1.1 User does not exist",
		"250 2.1.5 Recipient OK",
		"250 2.1.5 Recipient OK",
		"452 4.5.3 Too many recipients",
		"452 4.5.3 Too many recipients",
	}, lines[n-6:])
}

func TestSizeLimits(t *testing.T) {
	f := setup(t, nil)
	lines := f.run(t, "LHLO x\r\nMAIL FROM:<a@b.c> SIZE=4096\r\nMAIL FROM:<a@b.c> SIZE=10\r\nRCPT TO:<bob@localhost>\r\nDATA\r\n"+
		strings.Repeat("From: a@b.c\r\n", 100)+".\r\nNOOP\r\n")
	n := len(lines)
	assert.Equal(t, "552 5.3.4 Message size exceeds fixed maximum message size", lines[6])
	assert.Equal(t, "552 5.3.4 Message size exceeds fixed maximum message size", lines[n-2])
	assert.Equal(t, "250 2.0.0 OK", lines[n-1])
	assert.Equal(t, uint32(0), f.inboxCount(t))
}

func TestRsetClearsTransaction(t *testing.T) {
	f := setup(t, nil)
	lines := f.run(t, "LHLO x\r\nMAIL FROM:<a@b.c>\r\nRSET\r\nRCPT TO:<bob@localhost>\r\n")
	n := len(lines)
	assert.Equal(t, "250 2.0.0 Reset state", lines[n-2])
	assert.Equal(t, "503 5.5.1 Please send MAIL FROM first", lines[n-1])
}
