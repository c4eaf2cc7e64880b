package mime

import (
	"bytes"
	"fmt"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// BodyStructure renders the parenthesized structure of m as used by the
// BODYSTRUCTURE (extended) and BODY fetch items. The result carries no
// item name.
func (m *Message) BodyStructure(extended bool) string {
	var b strings.Builder
	writeStructure(&b, m.Root, extended)
	return b.String()
}

func writeStructure(b *strings.Builder, p *Part, extended bool) {
	h := gomessage.Header{Header: p.Header}
	if p.IsMultipart() {
		b.WriteByte('(')
		if len(p.Children) == 0 {
			// An empty multipart still needs one body.
			b.WriteString(`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 0 0)`)
		}
		for _, c := range p.Children {
			writeStructure(b, c, extended)
		}
		b.WriteByte(' ')
		b.WriteString(Quote(strings.ToUpper(p.Subtype)))
		if extended {
			fmt.Fprintf(b, " %s %s %s %s",
				paramList(p.Params), disposition(h), language(h), QuoteOrNIL(h.Get("Content-Location")))
		}
		b.WriteByte(')')
		return
	}

	encoding := strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if encoding == "" {
		encoding = "7BIT"
	}
	fmt.Fprintf(b, "(%s %s %s %s %s %s %d",
		Quote(strings.ToUpper(p.Type)),
		Quote(strings.ToUpper(p.Subtype)),
		paramList(p.Params),
		QuoteOrNIL(h.Get("Content-Id")),
		QuoteOrNIL(h.Get("Content-Description")),
		Quote(encoding),
		len(p.Body),
	)
	lines := bytes.Count(p.Body, []byte("\n"))
	switch {
	case p.Embedded != nil:
		b.WriteByte(' ')
		b.WriteString(envelopeOf(p.Embedded.Header))
		b.WriteByte(' ')
		writeStructure(b, p.Embedded, extended)
		fmt.Fprintf(b, " %d", lines)
	case p.Type == "text":
		fmt.Fprintf(b, " %d", lines)
	}
	if extended {
		fmt.Fprintf(b, " %s %s %s %s",
			QuoteOrNIL(h.Get("Content-Md5")), disposition(h), language(h), QuoteOrNIL(h.Get("Content-Location")))
	}
	b.WriteByte(')')
}

func disposition(h gomessage.Header) string {
	if !h.Has("Content-Disposition") {
		return "NIL"
	}
	disp, params, err := h.ContentDisposition()
	if err != nil || disp == "" {
		return "NIL"
	}
	return "(" + Quote(strings.ToUpper(disp)) + " " + paramList(params) + ")"
}

func language(h gomessage.Header) string {
	v := h.Get("Content-Language")
	if v == "" {
		return "NIL"
	}
	var langs []string
	for _, l := range strings.Split(v, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, Quote(l))
		}
	}
	switch len(langs) {
	case 0:
		return "NIL"
	case 1:
		return langs[0]
	}
	return "(" + strings.Join(langs, " ") + ")"
}
