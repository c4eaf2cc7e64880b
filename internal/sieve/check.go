package sieve

import (
	"strings"

	"github.com/pkg/errors"
)

// Check verifies the structure of a Sieve script without interpreting it:
// strings, comments and multi-line texts are terminated, brackets balance,
// and every require statement ends with a semicolon.
func Check(script string) error {
	c := checker{src: script, line: 1, atStart: true}
	return c.run()
}

type checker struct {
	src     string
	pos     int
	line    int
	stack   []byte
	atStart bool

	inRequire    bool
	requireDepth int
}

func (c *checker) errorf(format string, args ...interface{}) error {
	return errors.Errorf("line %d: "+format, append([]interface{}{c.line}, args...)...)
}

func (c *checker) run() error {
	for c.pos < len(c.src) {
		ch := c.src[c.pos]
		switch {
		case ch == '\n':
			c.line++
			c.pos++
		case ch == ' ' || ch == '\t' || ch == '\r':
			c.pos++
		case ch == '#':
			c.skipLine()
		case strings.HasPrefix(c.src[c.pos:], "/*"):
			end := strings.Index(c.src[c.pos+2:], "*/")
			if end < 0 {
				return c.errorf("unterminated comment")
			}
			c.advance(c.pos + 2 + end + 2)
		case ch == '"':
			if err := c.quoted(); err != nil {
				return err
			}
			c.atStart = false
		case ch == '{' || ch == '[' || ch == '(':
			if ch == '{' && c.inRequire && len(c.stack) == c.requireDepth {
				return c.errorf("require must be terminated by ';'")
			}
			c.stack = append(c.stack, ch)
			c.pos++
			c.atStart = ch == '{'
		case ch == '}' || ch == ']' || ch == ')':
			if c.inRequire && len(c.stack) == c.requireDepth {
				return c.errorf("require must be terminated by ';'")
			}
			open := map[byte]byte{'}': '{', ']': '[', ')': '('}[ch]
			if len(c.stack) == 0 || c.stack[len(c.stack)-1] != open {
				return c.errorf("unexpected '%c'", ch)
			}
			c.stack = c.stack[:len(c.stack)-1]
			c.pos++
			c.atStart = ch == '}'
		case ch == ';':
			if c.inRequire && len(c.stack) == c.requireDepth {
				c.inRequire = false
			}
			c.pos++
			c.atStart = true
		case isIdentStart(ch):
			if err := c.identifier(); err != nil {
				return err
			}
		default:
			// numbers, tags, commas and the like carry no structure
			c.pos++
			c.atStart = false
		}
	}

	if c.inRequire {
		return c.errorf("require must be terminated by ';'")
	}
	if len(c.stack) > 0 {
		want := map[byte]byte{'{': '}', '[': ']', '(': ')'}[c.stack[len(c.stack)-1]]
		return c.errorf("missing '%c'", want)
	}
	return nil
}

// advance moves to end, counting the newlines passed.
func (c *checker) advance(end int) {
	c.line += strings.Count(c.src[c.pos:end], "\n")
	c.pos = end
}

func (c *checker) skipLine() {
	if i := strings.IndexByte(c.src[c.pos:], '\n'); i >= 0 {
		c.pos += i
		return
	}
	c.pos = len(c.src)
}

func (c *checker) quoted() error {
	start := c.line
	for i := c.pos + 1; i < len(c.src); i++ {
		switch c.src[i] {
		case '\\':
			i++
		case '"':
			c.advance(i + 1)
			return nil
		}
	}
	c.line = start
	return c.errorf("unterminated string")
}

func (c *checker) identifier() error {
	end := c.pos
	for end < len(c.src) && isIdentChar(c.src[end]) {
		end++
	}
	word := strings.ToLower(c.src[c.pos:end])
	c.pos = end

	if word == "text" && c.pos < len(c.src) && c.src[c.pos] == ':' {
		return c.multiline()
	}
	if c.inRequire && len(c.stack) == c.requireDepth {
		return c.errorf("require must be terminated by ';'")
	}
	if c.atStart && word == "require" {
		c.inRequire = true
		c.requireDepth = len(c.stack)
	}
	c.atStart = false
	return nil
}

// multiline skips a text: block, which ends with a line holding a single
// dot.
func (c *checker) multiline() error {
	start := c.line
	c.skipLine()
	for c.pos < len(c.src) {
		c.pos++ // newline
		c.line++
		rest := c.src[c.pos:]
		l := rest
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			l = rest[:i]
		}
		if strings.TrimSuffix(l, "\r") == "." {
			c.pos += len(l)
			c.atStart = false
			return nil
		}
		c.skipLine()
	}
	c.line = start
	return c.errorf("unterminated multi-line string")
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
