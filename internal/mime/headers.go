package mime

import (
	"bytes"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/cases"
)

// Field is one header field as cached by the store.
type Field struct {
	Name  string
	Value string
}

// HeaderFields lists the top-level header fields of m in order.
func (m *Message) HeaderFields() []Field {
	var out []Field
	h := m.Root.Header
	for f := h.Fields(); f.Next(); {
		out = append(out, Field{Name: f.Key(), Value: f.Value()})
	}
	return out
}

// FormatFields renders cached fields back into a header block, keeping or
// dropping the named fields. It mirrors FilterHeader for cached rows.
func FormatFields(fields []Field, names []string, not bool) []byte {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[strings.ToLower(n)] = struct{}{}
	}
	var buf bytes.Buffer
	for _, f := range fields {
		if _, listed := keep[strings.ToLower(f.Name)]; listed == not {
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Subject returns the decoded subject.
func (m *Message) Subject() string {
	h := mail.Header{Header: gomessage.Header{Header: m.Root.Header}}
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

// BaseSubject strips reply and forward prefixes for SORT SUBJECT.
func BaseSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		trimmed := false
		for _, p := range []string{"re:", "fw:", "fwd:"} {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				trimmed = true
			}
		}
		if strings.HasSuffix(strings.ToLower(s), "(fwd)") {
			s = strings.TrimSpace(s[:len(s)-5])
			trimmed = true
		}
		if !trimmed {
			return Fold(s)
		}
	}
}

// Date returns the Date header, or the zero time.
func (m *Message) Date() time.Time {
	h := mail.Header{Header: gomessage.Header{Header: m.Root.Header}}
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// FirstAddress returns the mailbox part of the first address in key, as
// used by SORT FROM, TO and CC.
func (m *Message) FirstAddress(key string) string {
	h := mail.Header{Header: gomessage.Header{Header: m.Root.Header}}
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	mbox, _, _ := strings.Cut(addrs[0].Address, "@")
	return Fold(mbox)
}

// Header returns the values of a top-level header field.
func (m *Message) Header(key string) []string {
	h := m.Root.Header
	var out []string
	for f := h.FieldsByKey(key); f.Next(); {
		out = append(out, f.Value())
	}
	return out
}

// Text returns the decoded text of every text/* part. Transfer encodings
// and charsets are undone by go-message.
func (m *Message) Text() string {
	e, err := gomessage.Read(bytes.NewReader(m.Raw))
	if e == nil {
		return string(m.Root.Body)
	}
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return string(m.Root.Body)
	}
	var b strings.Builder
	_ = e.Walk(func(path []int, part *gomessage.Entity, err error) error {
		if err != nil {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		if t == "" || strings.HasPrefix(t, "text/") {
			if data, rerr := io.ReadAll(part.Body); rerr == nil {
				b.Write(data)
				b.WriteByte('\n')
			}
		}
		return nil
	})
	return b.String()
}

// Fold case-folds s for comparisons that must ignore case across scripts.
// A Caser is stateful, so each call gets its own.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// ContainsFold reports whether substr occurs in s ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(Fold(s), Fold(substr))
}
