package models

import (
	"strings"

	"github.com/pkg/errors"
)

// Right is one RFC 4314 access right letter.
type Right byte

const (
	RightLookup        Right = 'l'
	RightRead          Right = 'r'
	RightSeen          Right = 's'
	RightWrite         Right = 'w'
	RightInsert        Right = 'i'
	RightPost          Right = 'p'
	RightCreate        Right = 'k'
	RightDeleteMailbox Right = 'x'
	RightDeleteMessage Right = 't'
	RightExpunge       Right = 'e'
	RightAdmin         Right = 'a'
)

// AllRights is every supported right in canonical order.
const AllRights Rights = "lrswipkxtea"

// Rights is a set of rights kept in canonical order.
type Rights string

// ErrInvalidRights is returned for unknown right letters.
var ErrInvalidRights = errors.New("invalid rights")

// ParseRights validates s. The obsolete RFC 2086 letters c and d expand to
// their RFC 4314 equivalents.
func ParseRights(s string) (Rights, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == 'c':
			b.WriteString("k")
		case c == 'd':
			b.WriteString("xte")
		case strings.IndexByte(string(AllRights), c) >= 0:
			b.WriteByte(c)
		default:
			return "", errors.Wrapf(ErrInvalidRights, "%q", c)
		}
	}
	return Rights(b.String()).normalize(), nil
}

func (r Rights) normalize() Rights {
	var b strings.Builder
	for i := 0; i < len(AllRights); i++ {
		if strings.IndexByte(string(r), AllRights[i]) >= 0 {
			b.WriteByte(AllRights[i])
		}
	}
	return Rights(b.String())
}

// Has reports whether right is in the set.
func (r Rights) Has(right Right) bool {
	return strings.IndexByte(string(r), byte(right)) >= 0
}

// Union returns r plus o.
func (r Rights) Union(o Rights) Rights {
	return (r + o).normalize()
}

// Without returns r minus o.
func (r Rights) Without(o Rights) Rights {
	var b strings.Builder
	for i := 0; i < len(r); i++ {
		if !o.Has(Right(r[i])) {
			b.WriteByte(r[i])
		}
	}
	return Rights(b.String())
}
