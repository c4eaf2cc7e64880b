package parser

import (
	"strings"

	"github.com/pkg/errors"
)

const acceptedTagChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789" +
	"!@#$%^&-=_`~\\|'\";:,.<>/?"

var (
	// ErrNoCommand is returned for a line that carries a valid tag only.
	ErrNoCommand = errors.New("no command specified")
	// ErrInvalidTag is returned when the tag contains forbidden characters.
	ErrInvalidTag = errors.New("invalid tag specified")
)

// ValidTag reports whether every character of tag is acceptable.
func ValidTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i := 0; i < len(tag); i++ {
		if !strings.ContainsRune(acceptedTagChars, rune(tag[i])) {
			return false
		}
	}
	return true
}

// CommandLine is the head of a tagged client statement.
type CommandLine struct {
	Tag     string
	Command string
	// UID is set when the command carried the UID prefix.
	UID  bool
	Rest []byte
}

// SplitCommand splits the first line of a statement into tag, command name
// and the remainder that goes to the tokenizer.
func SplitCommand(line []byte) (CommandLine, error) {
	s := string(line)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		if ValidTag(s) {
			return CommandLine{Tag: s}, ErrNoCommand
		}
		return CommandLine{}, ErrInvalidTag
	}
	cl := CommandLine{Tag: s[:sp]}
	if !ValidTag(cl.Tag) {
		return CommandLine{}, ErrInvalidTag
	}
	rest := strings.TrimLeft(s[sp+1:], " ")
	cl.Command, rest = nextWord(rest)
	if cl.Command == "" {
		return cl, ErrNoCommand
	}
	cl.Command = strings.ToUpper(cl.Command)
	if cl.Command == "UID" {
		sub, r := nextWord(rest)
		if sub == "" {
			return cl, errors.Wrap(ErrMalformed, "UID requires a command")
		}
		cl.UID = true
		cl.Command = strings.ToUpper(sub)
		rest = r
	}
	cl.Rest = []byte(rest)
	return cl, nil
}

func nextWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " ")
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
