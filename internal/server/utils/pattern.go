// Package utils holds the LIST wildcard matcher.
package utils

import (
	"strings"
)

// Delimiter is the hierarchy separator of mailbox names.
const Delimiter = "/"

// FilterMailboxes applies reference and pattern matching according to RFC 3501.
func FilterMailboxes(mailboxes []string, reference, pattern string) []string {
	var matches []string
	canonicalPattern := BuildCanonicalPattern(reference, pattern)
	for _, mailbox := range mailboxes {
		if MatchWildcard(mailbox, canonicalPattern) {
			matches = append(matches, mailbox)
		}
	}
	return matches
}

// BuildCanonicalPattern builds the canonical pattern from reference and mailbox pattern
func BuildCanonicalPattern(reference, pattern string) string {
	// an absolute pattern ignores the reference
	if strings.HasPrefix(pattern, Delimiter) || reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, Delimiter) {
		return reference + Delimiter + pattern
	}
	return reference + pattern
}

// MatchWildcard implements wildcard matching for IMAP LIST patterns. The
// INBOX level matches case-insensitively.
func MatchWildcard(text, pattern string) bool {
	text = foldInbox(text)
	pattern = foldInbox(pattern)
	return doWildcardMatch(text, pattern, 0, 0)
}

func foldInbox(s string) string {
	head, rest, found := strings.Cut(s, Delimiter)
	if !strings.EqualFold(head, "INBOX") {
		return s
	}
	if !found {
		return "INBOX"
	}
	return "INBOX" + Delimiter + rest
}

// doWildcardMatch performs recursive wildcard matching
func doWildcardMatch(text, pattern string, textPos, patternPos int) bool {
	for patternPos < len(pattern) {
		switch pattern[patternPos] {
		case '*':
			// * matches zero or more characters
			patternPos++
			if patternPos >= len(pattern) {
				return true
			}
			for ; textPos <= len(text); textPos++ {
				if doWildcardMatch(text, pattern, textPos, patternPos) {
					return true
				}
			}
			return false

		case '%':
			// % matches zero or more characters but not hierarchy delimiter
			patternPos++
			if patternPos >= len(pattern) {
				return !strings.Contains(text[textPos:], Delimiter)
			}
			for {
				if doWildcardMatch(text, pattern, textPos, patternPos) {
					return true
				}
				if textPos >= len(text) || strings.HasPrefix(text[textPos:], Delimiter) {
					return false
				}
				textPos++
			}

		default:
			if textPos >= len(text) || text[textPos] != pattern[patternPos] {
				return false
			}
			textPos++
			patternPos++
		}
	}
	return textPos >= len(text)
}

// HasChildren reports whether any of names lies below name.
func HasChildren(name string, names []string) bool {
	prefix := name + Delimiter
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
