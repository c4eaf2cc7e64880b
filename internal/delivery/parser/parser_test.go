package parser

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadData(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "Subject: x\r\n\r\nbody\r\n.\r\n", "Subject: x\r\n\r\nbody\r\n"},
		{"dot stuffed", "Subject: x\r\n\r\n..leading\r\n...\r\n.\r\n", "Subject: x\r\n\r\n.leading\r\n..\r\n"},
		{"bare newlines", "a\n.\n", "a\n"},
		{"empty", ".\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadData(reader(tt.input), 1024)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestReadDataTooLargeConsumesInput(t *testing.T) {
	r := reader(strings.Repeat("0123456789\r\n", 10) + ".\r\nNOOP\r\n")
	_, err := ReadData(r, 50)
	assert.True(t, errors.Is(err, ErrTooLarge))

	next, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "NOOP\r\n", next)
}

func TestReadDataEOF(t *testing.T) {
	_, err := ReadData(reader("unterminated\r\n"), 1024)
	assert.Error(t, err)
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("FROM:<alice@example.org> SIZE=1024 BODY=8BITMIME", "FROM")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", p.Address)
	assert.Equal(t, "1024", p.Params["SIZE"])
	assert.Equal(t, "8BITMIME", p.Params["BODY"])

	p, err = ParsePath("from: <>", "FROM")
	require.NoError(t, err)
	assert.Empty(t, p.Address)

	p, err = ParsePath("TO:<@relay.example:bob@example.org>", "TO")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", p.Address)

	p, err = ParsePath("TO:bob@example.org", "TO")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org", p.Address)

	for _, bad := range []string{"TO:<>", "bob@example.org", "TO:<bob@example.org", "TO:<not an address>"} {
		_, err := ParsePath(bad, "TO")
		assert.True(t, errors.Is(err, ErrSyntax), bad)
	}
}

func TestExtractParts(t *testing.T) {
	local, err := ExtractLocalPart("bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "bob", local)

	domain, err := ExtractDomain("bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "example.org", domain)

	for _, bad := range []string{"bob", "@example.org", "bob@"} {
		_, err := ExtractDomain(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMessage(t *testing.T) {
	raw := []byte("From: Alice <alice@example.org>\r\n" +
		"Date: Tue, 14 Nov 2023 22:13:20 +0000\r\n" +
		"Subject: hi\r\n\r\nbody\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Alice <alice@example.org>", msg.From)
	assert.Equal(t, int64(len(raw)), msg.Size)
	assert.Equal(t, int64(1700000000), msg.Date.Unix())
	assert.NoError(t, ValidateMessage(msg, 1024))
	assert.True(t, errors.Is(ValidateMessage(msg, 10), ErrTooLarge))

	_, err = ParseMessage([]byte("Subject: no sender\r\n\r\nbody\r\n"))
	assert.Error(t, err)
}

func TestTraceHeaders(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got := string(TraceHeaders("alice@example.org", "bob@example.org", "mx.example.org", "petrel.local", now))
	assert.True(t, strings.HasPrefix(got, "Return-Path: <alice@example.org>\r\nDelivered-To: bob@example.org\r\n"))
	assert.Contains(t, got, "by petrel.local with LMTP")
	assert.True(t, strings.HasSuffix(got, "Fri, 01 Mar 2024 12:00:00 +0000\r\n"))
}
