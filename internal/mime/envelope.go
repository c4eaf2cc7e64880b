package mime

import (
	"fmt"
	stdmime "mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Envelope renders the ENVELOPE structure of the message header:
// (date subject from sender reply-to to cc bcc in-reply-to message-id).
func (m *Message) Envelope() string {
	return envelopeOf(m.Root.Header)
}

// EnvelopeOf renders the ENVELOPE of a raw message.
func EnvelopeOf(raw []byte) string {
	return envelopeOf(parsePart(raw[:headerLength(raw)], "", maxDepth).Header)
}

func envelopeOf(h textproto.Header) string {
	from := addressList(h, "From")
	sender := addressList(h, "Sender")
	if sender == "NIL" {
		sender = from
	}
	replyTo := addressList(h, "Reply-To")
	if replyTo == "NIL" {
		replyTo = from
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		QuoteOrNIL(h.Get("Date")),
		QuoteOrNIL(h.Get("Subject")),
		from,
		sender,
		replyTo,
		addressList(h, "To"),
		addressList(h, "Cc"),
		addressList(h, "Bcc"),
		QuoteOrNIL(h.Get("In-Reply-To")),
		QuoteOrNIL(h.Get("Message-Id")),
	)
}

// addressList renders ((name route mailbox host) ...) or NIL. Addresses the
// mail parser rejects fall back to a plain comma split.
func addressList(h textproto.Header, key string) string {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return "NIL"
	}
	var entries []string
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	if addrs, err := mh.AddressList(key); err == nil {
		for _, a := range addrs {
			mbox, host, _ := strings.Cut(a.Address, "@")
			entries = append(entries, formatAddress(encodeName(a.Name), mbox, host))
		}
	} else {
		for _, raw := range strings.Split(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			name, addr := "", raw
			if lt := strings.Index(raw, "<"); lt >= 0 {
				if gt := strings.Index(raw[lt:], ">"); gt > 0 {
					name = strings.Trim(strings.TrimSpace(raw[:lt]), `"`)
					addr = raw[lt+1 : lt+gt]
				}
			}
			mbox, host, _ := strings.Cut(addr, "@")
			entries = append(entries, formatAddress(name, mbox, host))
		}
	}
	if len(entries) == 0 {
		return "NIL"
	}
	return "(" + strings.Join(entries, "") + ")"
}

func formatAddress(name, mailbox, host string) string {
	return fmt.Sprintf("(%s NIL %s %s)", QuoteOrNIL(name), QuoteOrNIL(mailbox), QuoteOrNIL(host))
}

func encodeName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return stdmime.QEncoding.Encode("utf-8", name)
		}
	}
	return name
}
