package parser

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed marks a command whose structure cannot be tokenized.
	ErrMalformed = errors.New("malformed command")
	// ErrLiteralTooLarge is returned for literals above the configured limit.
	ErrLiteralTooLarge = errors.New("literal too large")
	// ErrCancelled is returned when the client cancels a SASL exchange.
	ErrCancelled = errors.New("authentication cancelled")
)

const (
	// CeilingLiteral bounds literals when no MaxLiteral is configured.
	CeilingLiteral = 1 << 30
	// literalPrealloc caps the buffer reserved when a literal is announced;
	// the rest grows as the bytes arrive.
	literalPrealloc = 64 << 10
)

// Status tells the caller what the tokenizer needs next.
type Status int

const (
	// StatusComplete means a full statement has been tokenized.
	StatusComplete Status = iota
	// StatusLiteral means a synchronizing literal was announced; the caller
	// must send a continuation request before the client sends the bytes.
	StatusLiteral
	// StatusLiteralPlus means a non-synchronizing literal was announced.
	StatusLiteralPlus
)

// Tokenizer turns protocol lines into argument tokens. It keeps enough state
// to resume a statement that spans several lines and literals.
type Tokenizer struct {
	// MaxLiteral rejects literals larger than this many bytes. Zero falls
	// back to CeilingLiteral.
	MaxLiteral int64

	args    []string
	stack   []byte
	paren   int
	bracket int

	literal   []byte
	remaining int64
	discard   bool

	sasl bool
}

// NewTokenizer returns a tokenizer that rejects literals above maxLiteral.
func NewTokenizer(maxLiteral int64) *Tokenizer {
	return &Tokenizer{MaxLiteral: maxLiteral}
}

// Reset clears all per-statement state.
func (t *Tokenizer) Reset() {
	t.args = nil
	t.stack = t.stack[:0]
	t.paren, t.bracket = 0, 0
	t.literal = nil
	t.remaining = 0
	t.discard = false
	t.sasl = false
}

// Args returns the tokens collected for the current statement.
func (t *Tokenizer) Args() []string {
	return t.args
}

// Depth returns the open parenthesis and bracket counts.
func (t *Tokenizer) Depth() (paren, bracket int) {
	return t.paren, t.bracket
}

// InLiteral reports whether raw literal bytes are expected next.
func (t *Tokenizer) InLiteral() bool {
	return t.remaining > 0
}

// LiteralRemaining returns the number of literal bytes still expected.
func (t *Tokenizer) LiteralRemaining() int64 {
	return t.remaining
}

// BeginSASL switches to SASL continuation mode. Every following line is a
// single base64 token until Reset.
func (t *Tokenizer) BeginSASL() {
	t.sasl = true
}

// FeedLiteral consumes raw literal bytes and returns how many were used.
// done is true once the literal is complete.
func (t *Tokenizer) FeedLiteral(p []byte) (n int, done bool) {
	if t.remaining <= 0 {
		return 0, true
	}
	n = len(p)
	if int64(n) > t.remaining {
		n = int(t.remaining)
	}
	if !t.discard {
		t.literal = append(t.literal, p[:n]...)
	}
	t.remaining -= int64(n)
	if t.remaining > 0 {
		return n, false
	}
	if t.discard {
		t.discard = false
	} else {
		t.args = append(t.args, string(t.literal))
	}
	t.literal = nil
	return n, true
}

// FeedLine tokenizes one line, without its CRLF terminator.
func (t *Tokenizer) FeedLine(line []byte) (Status, error) {
	if t.sasl {
		return t.feedSASL(line)
	}
	s := string(line)
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case ' ':
			i++
		case '"':
			tok, n, err := readQuoted(s[i:])
			if err != nil {
				return StatusComplete, err
			}
			t.args = append(t.args, tok)
			i += n
		case '(', '[':
			t.push(c)
			t.args = append(t.args, string(c))
			i++
		case ')', ']':
			if err := t.pop(c); err != nil {
				return StatusComplete, err
			}
			t.args = append(t.args, string(c))
			i++
		case '{':
			if size, plus, ok := literalPrefix(s[i:]); ok {
				return t.startLiteral(size, plus)
			}
			i = t.atom(s, i)
		default:
			i = t.atom(s, i)
		}
	}
	if t.paren != 0 || t.bracket != 0 {
		return StatusComplete, errors.Wrap(ErrMalformed, "unbalanced parentheses")
	}
	return StatusComplete, nil
}

func (t *Tokenizer) feedSASL(line []byte) (Status, error) {
	s := strings.TrimSpace(string(line))
	if s == "*" {
		return StatusComplete, ErrCancelled
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return StatusComplete, errors.Wrap(ErrMalformed, "invalid base64")
	}
	t.args = append(t.args, string(decoded))
	return StatusComplete, nil
}

func (t *Tokenizer) startLiteral(size int64, plus bool) (Status, error) {
	limit := t.MaxLiteral
	if limit <= 0 {
		limit = CeilingLiteral
	}
	if size > limit {
		if plus {
			// the client sends the bytes regardless; swallow them
			t.remaining = size
			t.discard = true
		}
		return StatusComplete, ErrLiteralTooLarge
	}
	t.remaining = size
	t.literal = make([]byte, 0, min(size, literalPrealloc))
	if size == 0 {
		t.args = append(t.args, "")
		t.literal = nil
	}
	if plus {
		return StatusLiteralPlus, nil
	}
	return StatusLiteral, nil
}

func (t *Tokenizer) atom(s string, i int) int {
	start := i
	for i < len(s) && !strings.ContainsRune(" ()[]\"", rune(s[i])) {
		i++
	}
	t.args = append(t.args, s[start:i])
	return i
}

func (t *Tokenizer) push(c byte) {
	t.stack = append(t.stack, c)
	if c == '(' {
		t.paren++
	} else {
		t.bracket++
	}
}

func (t *Tokenizer) pop(c byte) error {
	open := byte('(')
	if c == ']' {
		open = '['
	}
	if len(t.stack) == 0 || t.stack[len(t.stack)-1] != open {
		return errors.Wrapf(ErrMalformed, "unexpected %q", c)
	}
	t.stack = t.stack[:len(t.stack)-1]
	if c == ')' {
		t.paren--
	} else {
		t.bracket--
	}
	return nil
}

// literalPrefix recognises "{N}" or "{N+}" at the very end of s.
func literalPrefix(s string) (size int64, plus bool, ok bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return 0, false, false
	}
	body := s[1 : len(s)-1]
	if strings.HasSuffix(body, "+") {
		plus = true
		body = body[:len(body)-1]
	}
	if body == "" {
		return 0, false, false
	}
	for _, r := range body {
		if r < '0' || r > '9' {
			return 0, false, false
		}
	}
	size, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return size, plus, true
}

// readQuoted parses a quoted string at the start of s and returns the
// unescaped value and the number of bytes consumed.
func readQuoted(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, errors.Wrap(ErrMalformed, "unterminated quoted string")
			}
			i++
			b.WriteByte(s[i])
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, errors.Wrap(ErrMalformed, "unterminated quoted string")
}

// Join rebuilds a command line from tokens, quoting tokens that would not
// survive re-tokenization as atoms.
func Join(tokens []string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		switch {
		case len(tok) == 1 && strings.ContainsAny(tok, "()[]"):
			parts[i] = tok
		case tok == "" || strings.ContainsAny(tok, " ()[]\"\\{") || strings.ContainsAny(tok, "\r\n"):
			parts[i] = Quote(tok)
		default:
			parts[i] = tok
		}
	}
	return strings.Join(parts, " ")
}

// Quote returns s as an IMAP quoted string.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
