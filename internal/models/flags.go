package models

import "strings"

// Flag indexes the system flags stored as columns of a message row.
type Flag int

const (
	FlagSeen Flag = iota
	FlagAnswered
	FlagDeleted
	FlagFlagged
	FlagDraft
	FlagRecent
	NumFlags
)

var flagNames = [NumFlags]string{`\Seen`, `\Answered`, `\Deleted`, `\Flagged`, `\Draft`, `\Recent`}

// String returns the IMAP spelling of the flag.
func (f Flag) String() string {
	if f < 0 || f >= NumFlags {
		return ""
	}
	return flagNames[f]
}

// ParseFlag recognises a system flag case-insensitively.
func ParseFlag(name string) (Flag, bool) {
	for i, n := range flagNames {
		if strings.EqualFold(n, name) {
			return Flag(i), true
		}
	}
	return 0, false
}

// Flags holds the system flag bits of one message.
type Flags [NumFlags]bool

// PermanentFlags lists the flags a client may store.
var PermanentFlags = []string{`\Seen`, `\Answered`, `\Deleted`, `\Flagged`, `\Draft`, `\*`}

// StoreOp is the mode of a STORE or APPEND flag update.
type StoreOp int

const (
	StoreReplace StoreOp = iota
	StoreAdd
	StoreRemove
)

// FlagUpdate is a parsed flag list together with the store mode.
type FlagUpdate struct {
	Op       StoreOp
	System   Flags
	Keywords []string
}

// ParseFlagList splits names into system flags and keywords. \Recent is
// server managed and silently dropped.
func ParseFlagList(op StoreOp, names []string) FlagUpdate {
	u := FlagUpdate{Op: op}
	for _, n := range names {
		if f, ok := ParseFlag(n); ok {
			if f != FlagRecent {
				u.System[f] = true
			}
			continue
		}
		if strings.HasPrefix(n, `\`) {
			continue
		}
		if !containsFold(u.Keywords, n) {
			u.Keywords = append(u.Keywords, n)
		}
	}
	return u
}

// Apply computes the flags that result from applying u to a message.
func (u FlagUpdate) Apply(flags Flags, keywords []string) (Flags, []string) {
	out := flags
	var kw []string
	switch u.Op {
	case StoreReplace:
		for f := FlagSeen; f < FlagRecent; f++ {
			out[f] = u.System[f]
		}
		kw = append(kw, u.Keywords...)
	case StoreAdd:
		for f := FlagSeen; f < FlagRecent; f++ {
			out[f] = out[f] || u.System[f]
		}
		kw = append(kw, keywords...)
		for _, k := range u.Keywords {
			if !containsFold(kw, k) {
				kw = append(kw, k)
			}
		}
	case StoreRemove:
		for f := FlagSeen; f < FlagRecent; f++ {
			out[f] = out[f] && !u.System[f]
		}
		for _, k := range keywords {
			if !containsFold(u.Keywords, k) {
				kw = append(kw, k)
			}
		}
	}
	return out, kw
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// SameKeywords compares two keyword lists ignoring order and case.
func SameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, k := range a {
		if !containsFold(b, k) {
			return false
		}
	}
	return true
}
