package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/delivery/config"
	"petrel/internal/delivery/lmtp"
	"petrel/internal/delivery/storage"
)

// TestLMTPDeliveryVisibleOverIMAP delivers through the LMTP service into
// the store an IMAP session is reading.
func TestLMTPDeliveryVisibleOverIMAP(t *testing.T) {
	ts := newTestServer(t, nil)

	c := ts.dial(t)
	c.login()
	untagged, _ := c.do("a1", "SELECT INBOX")
	assert.Contains(t, untagged, "* 0 EXISTS")

	lmtpCfg := config.DefaultLMTP()
	srv := lmtp.NewServer(storage.NewStorage(ts.store, config.DefaultDelivery()), lmtpCfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	var last string
	readReply := func() {
		t.Helper()
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if len(line) >= 4 && line[3] == ' ' {
				last = line
				return
			}
		}
	}
	write := func(s string) {
		t.Helper()
		_, err := conn.Write([]byte(s))
		require.NoError(t, err)
		readReply()
	}

	readReply()
	write("LHLO mx.example.org\r\n")
	write("MAIL FROM:<alice@example.org>\r\n")
	write("RCPT TO:<bob@localhost>\r\n")
	write("DATA\r\n")
	require.True(t, strings.HasPrefix(last, "354"), last)
	write("From: alice@example.org\r\nTo: bob@localhost\r\nSubject: Delivered over LMTP\r\n\r\nhi\r\n.\r\n")
	require.True(t, strings.HasPrefix(last, "250"), last)
	write("QUIT\r\n")

	// the idle session picks the new message up on NOOP
	untagged, tagged := c.do("a2", "NOOP")
	assert.Equal(t, "a2 OK NOOP completed", tagged)
	assert.Contains(t, untagged, "* 1 EXISTS")

	untagged, tagged = c.do("a3", "FETCH 1 (ENVELOPE)")
	assert.Equal(t, "a3 OK FETCH completed", tagged)
	require.Len(t, untagged, 1)
	assert.Contains(t, untagged[0], `"Delivered over LMTP"`)
}
