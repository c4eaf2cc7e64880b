// Package parser reads LMTP envelopes and message data.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"petrel/internal/mime"
)

var (
	// ErrTooLarge is returned by ReadData once the message exceeded the
	// limit. The data has still been consumed up to the terminator.
	ErrTooLarge = errors.New("message size exceeds maximum allowed size")
	// ErrSyntax marks unparsable MAIL and RCPT arguments.
	ErrSyntax = errors.New("syntax error")
)

// maxLine bounds a single line of DATA, longer lines are still consumed.
const maxLine = 64 * 1024

// Message is a received message ready for storage.
type Message struct {
	Raw    []byte
	Parsed *mime.Message
	From   string
	Date   time.Time
	Size   int64
}

// ParseMessage parses and validates the data of a DATA command.
func ParseMessage(raw []byte) (*Message, error) {
	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse message")
	}
	from := parsed.Header("From")
	if len(from) == 0 || strings.TrimSpace(from[0]) == "" {
		return nil, errors.New("message missing From header")
	}
	date := parsed.Date()
	if date.IsZero() {
		date = time.Now()
	}
	return &Message{Raw: raw, Parsed: parsed, From: from[0], Date: date, Size: int64(len(raw))}, nil
}

// ValidateMessage performs basic validation on a message
func ValidateMessage(msg *Message, maxSize int64) error {
	if msg.From == "" {
		return errors.New("message missing From header")
	}
	if maxSize > 0 && msg.Size > maxSize {
		return errors.Wrapf(ErrTooLarge, "%d bytes, limit %d", msg.Size, maxSize)
	}
	return nil
}

// ReadData reads the message data of an LMTP DATA command up to the
// terminating dot line and undoes dot-stuffing.
func ReadData(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	tooLarge := false
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, errors.Wrap(err, "error reading data")
		}
		if bytes.Equal(line, []byte(".\r\n")) || bytes.Equal(line, []byte(".\n")) {
			break
		}
		if bytes.HasPrefix(line, []byte("..")) {
			line = line[1:]
		}
		if tooLarge {
			continue
		}
		if maxSize > 0 && int64(buf.Len()+len(line)) > maxSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.Write(line)
	}
	if tooLarge {
		return nil, errors.Wrapf(ErrTooLarge, "limit %d bytes", maxSize)
	}
	return buf.Bytes(), nil
}

// readLine returns one line including its terminator. Overlong lines are
// truncated to maxLine bytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line) < maxLine {
			line = append(line, chunk...)
		}
		switch err {
		case nil:
			return line, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// Path is the address of a MAIL FROM or RCPT TO command with its ESMTP
// parameters.
type Path struct {
	Address string
	Params  map[string]string
}

// ParsePath parses "FROM:<addr> PARAM=value" for keyword FROM, or the
// equivalent for TO. The null reverse-path "<>" is accepted for FROM.
func ParsePath(args, keyword string) (Path, error) {
	args = strings.TrimSpace(args)
	prefix := keyword + ":"
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return Path{}, errors.Wrapf(ErrSyntax, "expected %s", prefix)
	}
	args = strings.TrimSpace(args[len(prefix):])

	var addr, rest string
	if strings.HasPrefix(args, "<") {
		end := strings.IndexByte(args, '>')
		if end < 0 {
			return Path{}, errors.Wrap(ErrSyntax, "unterminated path")
		}
		addr, rest = args[1:end], args[end+1:]
	} else {
		addr, rest, _ = strings.Cut(args, " ")
	}
	// source routes are ignored
	if i := strings.IndexByte(addr, ':'); i >= 0 && strings.HasPrefix(addr, "@") {
		addr = addr[i+1:]
	}

	p := Path{Address: addr, Params: map[string]string{}}
	for _, param := range strings.Fields(rest) {
		k, v, _ := strings.Cut(param, "=")
		p.Params[strings.ToUpper(k)] = v
	}
	if addr == "" {
		if keyword == "FROM" {
			return p, nil
		}
		return Path{}, errors.Wrap(ErrSyntax, "empty recipient")
	}
	if _, err := mail.ParseAddress("<" + addr + ">"); err != nil {
		return Path{}, errors.Wrapf(ErrSyntax, "invalid address %q", addr)
	}
	return p, nil
}

// ExtractLocalPart extracts the local part (username) from an email address
func ExtractLocalPart(email string) (string, error) {
	local, _, err := split(email)
	return local, err
}

// ExtractDomain extracts the domain from an email address
func ExtractDomain(email string) (string, error) {
	_, domain, err := split(email)
	return domain, err
}

func split(email string) (string, string, error) {
	i := strings.LastIndexByte(email, '@')
	if i <= 0 || i == len(email)-1 {
		return "", "", errors.Errorf("invalid email format: %s", email)
	}
	return email[:i], email[i+1:], nil
}

// TraceHeaders returns the Return-Path, Delivered-To and Received fields
// prepended to a message stored for recipient.
func TraceHeaders(returnPath, recipient, helo, hostname string, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Return-Path: <%s>\r\n", returnPath)
	fmt.Fprintf(&b, "Delivered-To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Received: from %s\r\n\tby %s with LMTP\r\n\tfor <%s>; %s\r\n",
		helo, hostname, recipient, now.Format(time.RFC1123Z))
	return b.Bytes()
}
