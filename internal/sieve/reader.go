package sieve

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const maxLine = 8192

var (
	errLineTooLong = errors.New("line too long")
	errSyntax      = errors.New("syntax error")
)

// reader splits client input into command words. Words are atoms, quoted
// strings or literals; a literal is announced as {n+} or {n} at the end of
// a line and followed by n octets.
type reader struct {
	r *bufio.Reader
	// maxLiteral bounds literals; larger ones are consumed and dropped.
	maxLiteral int64
}

// command holds one parsed client line.
type command struct {
	words []string
	// oversized is set when a literal exceeded maxLiteral.
	oversized bool
}

func (rd *reader) line() (string, error) {
	l, err := rd.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", errLineTooLong
	}
	if err != nil {
		return "", errors.Wrap(err, "read error")
	}
	return strings.TrimRight(string(l), "\r\n"), nil
}

// next reads one command. A syntax error is reported after the whole line
// has been consumed.
func (rd *reader) next() (*command, error) {
	cmd := &command{}
	var syntax error
	for {
		l, err := rd.line()
		if err != nil {
			return nil, err
		}
		n, err := rd.words(cmd, l)
		if err != nil && syntax == nil {
			syntax = err
		}
		if n < 0 {
			if syntax != nil {
				return cmd, syntax
			}
			return cmd, nil
		}
		if n > rd.maxLiteral && rd.maxLiteral > 0 {
			if _, err := io.CopyN(io.Discard, rd.r, n); err != nil {
				return nil, errors.Wrap(err, "read error")
			}
			cmd.oversized = true
			cmd.words = append(cmd.words, "")
		} else {
			buf := make([]byte, n)
			if _, err := io.ReadFull(rd.r, buf); err != nil {
				return nil, errors.Wrap(err, "read error")
			}
			cmd.words = append(cmd.words, string(buf))
		}
	}
}

// words appends the words of l to cmd. When l ends with a literal
// announcement its length is returned, otherwise -1.
func (rd *reader) words(cmd *command, l string) (int64, error) {
	for {
		l = strings.TrimLeft(l, " ")
		if l == "" {
			return -1, nil
		}
		switch l[0] {
		case '"':
			w, n, err := unquote(l)
			if err != nil {
				return -1, err
			}
			cmd.words = append(cmd.words, w)
			l = l[n:]
		case '{':
			if !strings.HasSuffix(l, "}") {
				return -1, errors.Wrap(errSyntax, "bad literal")
			}
			spec := strings.TrimSuffix(strings.TrimSuffix(l[1:], "}"), "+")
			n, err := strconv.ParseInt(spec, 10, 64)
			if err != nil || n < 0 {
				return -1, errors.Wrap(errSyntax, "bad literal")
			}
			return n, nil
		default:
			end := strings.IndexByte(l, ' ')
			if end < 0 {
				end = len(l)
			}
			cmd.words = append(cmd.words, l[:end])
			l = l[end:]
		}
	}
}

// unquote decodes the quoted string at the start of l and returns it with
// the number of bytes consumed.
func unquote(l string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(l); i++ {
		switch l[i] {
		case '\\':
			i++
			if i == len(l) {
				return "", 0, errors.Wrap(errSyntax, "unterminated string")
			}
			b.WriteByte(l[i])
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(l[i])
		}
	}
	return "", 0, errors.Wrap(errSyntax, "unterminated string")
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
