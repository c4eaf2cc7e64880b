// Package fetch compiles FETCH arguments into a Plan and renders the
// untagged FETCH responses for it.
package fetch

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"petrel/internal/mime"
)

// ErrBadArguments is returned for any FETCH argument that cannot be
// compiled. No part of a plan is executed once it is returned.
var ErrBadArguments = errors.New("invalid FETCH arguments")

// BodyFetch describes one BODY[section]<partial> item.
type BodyFetch struct {
	Partspec string
	Item     mime.ItemType
	Fields   []string
	Peek     bool

	HasRange   bool
	OctetStart int64
	OctetCount int64
}

// Label returns the section as echoed in the response, without the
// partial origin.
func (b BodyFetch) Label() string {
	var sb strings.Builder
	sb.WriteString("BODY[")
	sb.WriteString(b.Partspec)
	if item := b.Item.String(); item != "" {
		if b.Partspec != "" {
			sb.WriteByte('.')
		}
		sb.WriteString(item)
	}
	if b.Item == mime.ItemHeaderFields || b.Item == mime.ItemHeaderFieldsNot {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(b.Fields, " "))
		sb.WriteByte(')')
	}
	sb.WriteByte(']')
	return sb.String()
}

// cached reports whether the section is served from stored header rows
// instead of the parsed message.
func (b BodyFetch) cached() bool {
	return b.Partspec == "" && (b.Item == mime.ItemHeaderFields || b.Item == mime.ItemHeaderFieldsNot)
}

// Plan is a compiled FETCH request.
type Plan struct {
	UID           bool
	Flags         bool
	InternalDate  bool
	Size          bool
	Envelope      bool
	Body          bool
	BodyStructure bool
	RFC822        bool
	RFC822Peek    bool
	RFC822Header  bool
	RFC822Text    bool
	Modseq        bool

	Sections []BodyFetch

	ChangedSince uint64
	Vanished     bool

	// Condstore is set when the request itself enables CONDSTORE, by
	// asking for MODSEQ or CHANGEDSINCE.
	Condstore bool
}

// NeedsMessage reports whether answering the plan requires the parsed
// message and not only stored metadata.
func (p *Plan) NeedsMessage() bool {
	if p.RFC822 || p.RFC822Peek || p.RFC822Header || p.RFC822Text {
		return true
	}
	for _, s := range p.Sections {
		if !s.cached() {
			return true
		}
	}
	return false
}

// SetsSeen reports whether the plan implicitly sets \Seen.
func (p *Plan) SetsSeen() bool {
	if p.RFC822 || p.RFC822Text {
		return true
	}
	for _, s := range p.Sections {
		if !s.Peek {
			return true
		}
	}
	return false
}

// Options carry the session context the compiler needs.
type Options struct {
	// UID is set for UID FETCH, which always reports the UID.
	UID bool
	// QResync is set once the client has enabled QRESYNC.
	QResync bool
}

// Compile turns the tokens following the sequence set into a plan.
// Parentheses around the item list and around the modifier list are
// optional.
func Compile(args []string, opts Options) (*Plan, error) {
	p := &Plan{UID: opts.UID}
	if len(args) == 0 {
		return nil, errors.Wrap(ErrBadArguments, "missing data items")
	}
	c := &compiler{args: args, plan: p, opts: opts}
	for c.pos < len(args) {
		if err := c.item(); err != nil {
			return nil, err
		}
	}
	if p.Vanished && p.ChangedSince == 0 {
		return nil, errors.Wrap(ErrBadArguments, "VANISHED requires CHANGEDSINCE")
	}
	return p, nil
}

type compiler struct {
	args []string
	pos  int
	plan *Plan
	opts Options
}

func (c *compiler) peek(n int) string {
	if c.pos+n < len(c.args) {
		return c.args[c.pos+n]
	}
	return ""
}

func (c *compiler) item() error {
	tok := c.args[c.pos]
	c.pos++
	p := c.plan

	switch strings.ToUpper(tok) {
	case "(", ")":
	case "FLAGS":
		p.Flags = true
	case "INTERNALDATE":
		p.InternalDate = true
	case "UID":
		p.UID = true
	case "RFC822.SIZE":
		p.Size = true
	case "FAST":
		p.InternalDate, p.Flags, p.Size = true, true, true
	case "ALL":
		p.InternalDate, p.Flags, p.Size, p.Envelope = true, true, true, true
	case "FULL":
		p.InternalDate, p.Flags, p.Size, p.Envelope, p.Body = true, true, true, true, true
	case "RFC822":
		p.RFC822 = true
	case "RFC822.PEEK":
		p.RFC822Peek = true
	case "RFC822.HEADER":
		p.RFC822Header = true
	case "RFC822.TEXT":
		p.RFC822Text = true
	case "ENVELOPE":
		p.Envelope = true
	case "BODYSTRUCTURE":
		p.BodyStructure = true
	case "BODY", "BODY.PEEK":
		peek := strings.EqualFold(tok, "BODY.PEEK")
		if c.peek(0) != "[" {
			if peek {
				return errors.Wrap(ErrBadArguments, "BODY.PEEK requires a section")
			}
			p.Body = true
			return nil
		}
		c.pos++
		return c.section(peek)
	case "MODSEQ":
		p.Modseq = true
		p.Condstore = true
	case "CHANGEDSINCE":
		n, err := strconv.ParseUint(c.peek(0), 10, 64)
		if err != nil {
			return errors.Wrap(ErrBadArguments, "CHANGEDSINCE requires a mod-sequence")
		}
		c.pos++
		p.ChangedSince = n
		p.Modseq = true
		p.Condstore = true
	case "VANISHED":
		if !c.opts.QResync || !c.opts.UID {
			return errors.Wrap(ErrBadArguments, "VANISHED requires QRESYNC and UID FETCH")
		}
		p.Vanished = true
	default:
		return errors.Wrapf(ErrBadArguments, "unknown data item %q", tok)
	}
	return nil
}

// section parses what follows "BODY[": an optional partspec, an optional
// item keyword, the closing bracket and an optional partial range.
func (c *compiler) section(peek bool) error {
	bf := BodyFetch{Peek: peek, Item: mime.ItemAll}
	tok := c.peek(0)
	c.pos++
	if tok == "" {
		return errors.Wrap(ErrBadArguments, "unterminated section")
	}

	if tok != "]" {
		spec, rest, err := splitPartspec(tok)
		if err != nil {
			return err
		}
		bf.Partspec = spec

		switch strings.ToUpper(rest) {
		case "":
		case "HEADER":
			bf.Item = mime.ItemHeader
		case "TEXT":
			bf.Item = mime.ItemText
		case "MIME":
			if spec == "" {
				return errors.Wrap(ErrBadArguments, "MIME requires a part number")
			}
			bf.Item = mime.ItemMIME
		case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
			bf.Item = mime.ItemHeaderFields
			if strings.EqualFold(rest, "HEADER.FIELDS.NOT") {
				bf.Item = mime.ItemHeaderFieldsNot
			}
			fields, err := c.fieldList()
			if err != nil {
				return err
			}
			bf.Fields = fields
		default:
			return errors.Wrapf(ErrBadArguments, "unknown section %q", rest)
		}

		if c.peek(0) != "]" {
			return errors.Wrap(ErrBadArguments, "unterminated section")
		}
		c.pos++
	}

	if strings.HasPrefix(c.peek(0), "<") {
		start, count, err := parseOctetRange(c.peek(0))
		if err != nil {
			return err
		}
		c.pos++
		bf.HasRange, bf.OctetStart, bf.OctetCount = true, start, count
	}
	c.plan.Sections = append(c.plan.Sections, bf)
	return nil
}

func (c *compiler) fieldList() ([]string, error) {
	if c.peek(0) != "(" {
		return nil, errors.Wrap(ErrBadArguments, "header list expected")
	}
	c.pos++
	var fields []string
	for {
		tok := c.peek(0)
		if c.pos >= len(c.args) {
			return nil, errors.Wrap(ErrBadArguments, "unterminated header list")
		}
		c.pos++
		if tok == ")" {
			break
		}
		if tok == "(" || tok == "[" || tok == "]" {
			return nil, errors.Wrap(ErrBadArguments, "invalid header list")
		}
		fields = append(fields, tok)
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrBadArguments, "empty header list")
	}
	return fields, nil
}

// splitPartspec separates the leading dotted part number from the item
// keyword. "1.2.HEADER" gives "1.2" and "HEADER".
func splitPartspec(tok string) (spec, rest string, err error) {
	j := 0
	indigit := false
	for ; j < len(tok); j++ {
		ch := tok[j]
		if ch >= '0' && ch <= '9' {
			if !indigit && ch == '0' {
				return "", "", errors.Wrapf(ErrBadArguments, "invalid part number in %q", tok)
			}
			indigit = true
			continue
		}
		if ch == '.' {
			if !indigit {
				return "", "", errors.Wrapf(ErrBadArguments, "invalid partspec %q", tok)
			}
			indigit = false
			continue
		}
		break
	}
	if j == 0 {
		return "", tok, nil
	}
	if indigit {
		if j < len(tok) {
			return "", "", errors.Wrapf(ErrBadArguments, "invalid partspec %q", tok)
		}
		return tok, "", nil
	}
	// the scan stopped right after a dot
	if j == len(tok) {
		return "", "", errors.Wrapf(ErrBadArguments, "invalid partspec %q", tok)
	}
	return tok[:j-1], tok[j:], nil
}

// parseOctetRange parses "<start.count>".
func parseOctetRange(tok string) (start, count int64, err error) {
	if len(tok) < 5 || tok[0] != '<' || tok[len(tok)-1] != '>' {
		return 0, 0, errors.Wrapf(ErrBadArguments, "invalid partial %q", tok)
	}
	body := tok[1 : len(tok)-1]
	dot := strings.IndexByte(body, '.')
	if dot <= 0 || dot == len(body)-1 || strings.Count(body, ".") != 1 {
		return 0, 0, errors.Wrapf(ErrBadArguments, "invalid partial %q", tok)
	}
	for _, r := range body {
		if r != '.' && (r < '0' || r > '9') {
			return 0, 0, errors.Wrapf(ErrBadArguments, "invalid partial %q", tok)
		}
	}
	start, err = strconv.ParseInt(body[:dot], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrBadArguments, "invalid partial %q", tok)
	}
	count, err = strconv.ParseInt(body[dot+1:], 10, 64)
	if err != nil || count <= 0 {
		return 0, 0, errors.Wrapf(ErrBadArguments, "invalid partial %q", tok)
	}
	return start, count, nil
}
