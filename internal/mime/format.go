package mime

import (
	"sort"
	"strconv"
	"strings"
)

// QuoteOrNIL renders s as an IMAP nstring: NIL when empty, a quoted string
// when it is safe to quote, otherwise a literal.
func QuoteOrNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return Quote(s)
}

// Quote renders s as a quoted string, or as a literal when it carries line
// breaks or 8-bit data.
func Quote(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '\r' || c == '\n' || c == 0 || c >= 0x80 {
			return "{" + strconv.Itoa(len(s)) + "}\r\n" + s
		}
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func paramList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Quote(strings.ToUpper(k))+" "+Quote(params[k]))
	}
	return "(" + strings.Join(pairs, " ") + ")"
}

// DateTimeLayout is the IMAP date-time format used for INTERNALDATE.
const DateTimeLayout = "02-Jan-2006 15:04:05 -0700"

// CRLF returns raw with every bare LF turned into CRLF. It returns raw
// itself when nothing needs changing.
func CRLF(raw []byte) []byte {
	bare := 0
	for i, c := range raw {
		if c == '\n' && (i == 0 || raw[i-1] != '\r') {
			bare++
		}
	}
	if bare == 0 {
		return raw
	}
	out := make([]byte, 0, len(raw)+bare)
	for i, c := range raw {
		if c == '\n' && (i == 0 || raw[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
