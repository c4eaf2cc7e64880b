// Package mime parses stored messages and renders the pieces IMAP asks for:
// body sections, BODYSTRUCTURE and ENVELOPE.
package mime

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// ItemType selects what a body section renders.
type ItemType int

const (
	ItemAll ItemType = iota
	ItemText
	ItemHeader
	ItemMIME
	ItemHeaderFields
	ItemHeaderFieldsNot
)

func (t ItemType) String() string {
	switch t {
	case ItemText:
		return "TEXT"
	case ItemHeader:
		return "HEADER"
	case ItemMIME:
		return "MIME"
	case ItemHeaderFields:
		return "HEADER.FIELDS"
	case ItemHeaderFieldsNot:
		return "HEADER.FIELDS.NOT"
	default:
		return ""
	}
}

// ErrNoSuchPart is returned when a partspec does not address a part.
var ErrNoSuchPart = errors.New("no such message part")

// Part is one MIME entity. Header holds the parsed fields, HeaderBytes the
// raw header block including the blank separator line.
type Part struct {
	Header      textproto.Header
	HeaderBytes []byte
	Body        []byte

	Type    string
	Subtype string
	Params  map[string]string

	Children []*Part
	// Embedded is the enclosed message of a message/rfc822 part.
	Embedded *Part
}

// IsMultipart reports whether the part has children.
func (p *Part) IsMultipart() bool {
	return p.Type == "multipart"
}

// Message is a parsed stored message.
type Message struct {
	Raw  []byte
	Root *Part
}

// Parse parses raw into a part tree. Unparseable structure degrades to a
// single text/plain part instead of failing, so the error is reserved for
// callers that hand in nothing at all.
func Parse(raw []byte) (*Message, error) {
	if raw == nil {
		return nil, errors.New("parse message: no data")
	}
	return &Message{Raw: raw, Root: parsePart(raw, "", 0)}, nil
}

const maxDepth = 32

func parsePart(raw []byte, parentType string, depth int) *Part {
	hdrLen := headerLength(raw)
	p := &Part{
		HeaderBytes: raw[:hdrLen],
		Body:        raw[hdrLen:],
	}
	hb := p.HeaderBytes
	if hdrLen == len(raw) && !bytes.HasSuffix(hb, []byte("\n\n")) && !bytes.HasSuffix(hb, []byte("\r\n\r\n")) {
		hb = append(append([]byte(nil), hb...), "\r\n\r\n"...)
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(hb)))
	if err != nil {
		h = textproto.Header{}
	}
	p.Header = h

	mh := gomessage.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
		if !mh.Has("Content-Type") && parentType == "multipart/digest" {
			mediaType, params = "message/rfc822", nil
		}
	}
	p.Type, p.Subtype, _ = strings.Cut(strings.ToLower(mediaType), "/")
	p.Params = params
	if depth >= maxDepth {
		return p
	}

	switch {
	case p.IsMultipart():
		mr := textproto.NewMultipartReader(bytes.NewReader(p.Body), params["boundary"])
		for {
			child, err := mr.NextPart()
			if err != nil {
				break
			}
			var buf bytes.Buffer
			if err := textproto.WriteHeader(&buf, child.Header); err != nil {
				break
			}
			if _, err := io.Copy(&buf, child); err != nil {
				break
			}
			p.Children = append(p.Children, parsePart(buf.Bytes(), mediaType, depth+1))
		}
	case p.Type == "message" && (p.Subtype == "rfc822" || p.Subtype == "global"):
		p.Embedded = parsePart(p.Body, mediaType, depth+1)
	}
	return p
}

// headerLength returns the length of the header block including the blank
// line that ends it. A message without a blank line is all header.
func headerLength(raw []byte) int {
	off := 0
	for off < len(raw) {
		i := bytes.IndexByte(raw[off:], '\n')
		if i < 0 {
			return len(raw)
		}
		line := raw[off : off+i+1]
		if len(line) == 1 || (len(line) == 2 && line[0] == '\r') {
			return off + len(line)
		}
		off += i + 1
	}
	return len(raw)
}

// ParsePartspec converts "1.2.3" into its numeric path. Empty means the
// whole message.
func ParsePartspec(spec string) ([]int, error) {
	if spec == "" {
		return nil, nil
	}
	var path []int
	for _, s := range strings.Split(spec, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, errors.Wrapf(ErrNoSuchPart, "partspec %q", spec)
		}
		path = append(path, n)
	}
	return path, nil
}

// Lookup resolves path against the message. For a non-multipart message
// part 1 is the message body itself.
func (m *Message) Lookup(path []int) (*Part, error) {
	container := m.Root
	cur := m.Root
	for _, n := range path {
		if container.IsMultipart() {
			if n > len(container.Children) {
				return nil, ErrNoSuchPart
			}
			cur = container.Children[n-1]
		} else {
			if n != 1 {
				return nil, ErrNoSuchPart
			}
			cur = container
		}
		container = cur
		if cur.Embedded != nil {
			container = cur.Embedded
		}
	}
	return cur, nil
}

// Render returns the bytes of BODY[partspec.item]. fields lists the header
// names for the HEADER.FIELDS variants.
func (m *Message) Render(partspec string, item ItemType, fields []string) ([]byte, error) {
	path, err := ParsePartspec(partspec)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return renderEntity(m.Root, item, fields), nil
	}
	p, err := m.Lookup(path)
	if err != nil {
		return nil, err
	}
	switch item {
	case ItemAll:
		return p.Body, nil
	case ItemMIME:
		return p.HeaderBytes, nil
	}
	if p.Embedded != nil {
		p = p.Embedded
	}
	return renderEntity(p, item, fields), nil
}

func renderEntity(p *Part, item ItemType, fields []string) []byte {
	switch item {
	case ItemText:
		return p.Body
	case ItemHeader, ItemMIME:
		return p.HeaderBytes
	case ItemHeaderFields, ItemHeaderFieldsNot:
		return FilterHeader(p.Header, fields, item == ItemHeaderFieldsNot)
	default:
		if p.Body == nil && p.HeaderBytes == nil {
			return nil
		}
		out := make([]byte, 0, len(p.HeaderBytes)+len(p.Body))
		out = append(out, p.HeaderBytes...)
		return append(out, p.Body...)
	}
}

// FilterHeader keeps (or with not set, drops) the named fields and returns
// the header block terminated by a blank line.
func FilterHeader(h textproto.Header, names []string, not bool) []byte {
	h = h.Copy()
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[strings.ToLower(n)] = struct{}{}
	}
	for f := h.Fields(); f.Next(); {
		_, listed := keep[strings.ToLower(f.Key())]
		if listed == not {
			f.Del()
		}
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return []byte("\r\n")
	}
	return buf.Bytes()
}

// Clamp applies an IMAP partial range <start.count> to b. A start beyond the
// end yields no bytes; the count is cut to what is available.
func Clamp(b []byte, start, count int64) []byte {
	size := int64(len(b))
	if start > size {
		return b[:0]
	}
	end := size
	if count >= 0 && start+count < size {
		end = start + count
	}
	return b[start:end]
}
