package sieve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAccepts(t *testing.T) {
	scripts := map[string]string{
		"empty":   "",
		"keep":    "keep;",
		"require": `require ["fileinto", "reject"];` + "\r\n" + `if header :contains "subject" "spam" { fileinto "Junk"; stop; }`,
		"nested":  `if anyof (true, false) { if true { discard; } } else { keep; }`,
		"comments": "# hash comment with { brace\r\n" +
			"/* bracket comment\r\n } */ keep;",
		"strings": `if header :is "x" "escaped \" { quote" { keep; }`,
		"multiline": "require \"vacation\";\r\n" +
			"vacation text:\r\n" +
			"I am away {\r\n" +
			"..stuffed\r\n" +
			".\r\n" +
			";",
		"require in block": `if true { require "fileinto"; fileinto "x"; }`,
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, Check(script))
		})
	}
}

func TestCheckRejects(t *testing.T) {
	tests := []struct {
		name, script, msg string
	}{
		{"unbalanced open", "if true { keep;", "line 1: missing '}'"},
		{"unbalanced close", "keep; }", "line 1: unexpected '}'"},
		{"mismatched", "if anyof (true] { keep; }", "line 1: unexpected ']'"},
		{"require without semicolon", "require \"fileinto\"\r\nkeep;", "line 2: require must be terminated by ';'"},
		{"require at end", `require ["a", "b"]`, "line 1: require must be terminated by ';'"},
		{"require before block", `require "x" if true { keep; }`, "line 1: require must be terminated by ';'"},
		{"unterminated string", "fileinto \"INBOX;\r\n", "line 1: unterminated string"},
		{"unterminated comment", "keep; /* forever", "line 1: unterminated comment"},
		{"unterminated text", "vacation text:\r\nhello\r\n", "line 1: unterminated multi-line string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.script)
			if assert.Error(t, err) {
				assert.Equal(t, tt.msg, err.Error())
			}
		})
	}
}
