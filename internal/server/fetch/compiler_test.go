package fetch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/mime"
	"petrel/internal/server/parser"
)

func compile(t *testing.T, items string, opts Options) (*Plan, error) {
	t.Helper()
	tok := parser.NewTokenizer(0)
	_, err := tok.FeedLine([]byte(items))
	require.NoError(t, err)
	return Compile(tok.Args(), opts)
}

func TestCompileSimpleItems(t *testing.T) {
	p, err := compile(t, "(FLAGS UID rfc822.size INTERNALDATE)", Options{})
	require.NoError(t, err)
	assert.True(t, p.Flags)
	assert.True(t, p.UID)
	assert.True(t, p.Size)
	assert.True(t, p.InternalDate)
	assert.False(t, p.NeedsMessage())
	assert.False(t, p.SetsSeen())
}

func TestCompileMacros(t *testing.T) {
	tests := []struct {
		items string
		want  Plan
	}{
		{"FAST", Plan{Flags: true, InternalDate: true, Size: true}},
		{"ALL", Plan{Flags: true, InternalDate: true, Size: true, Envelope: true}},
		{"FULL", Plan{Flags: true, InternalDate: true, Size: true, Envelope: true, Body: true}},
	}
	for _, tt := range tests {
		t.Run(tt.items, func(t *testing.T) {
			p, err := compile(t, tt.items, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *p)
		})
	}
}

func TestCompileUIDFetchImpliesUID(t *testing.T) {
	p, err := compile(t, "FLAGS", Options{UID: true})
	require.NoError(t, err)
	assert.True(t, p.UID)
}

func TestCompileSections(t *testing.T) {
	tests := []struct {
		items string
		want  BodyFetch
		label string
	}{
		{"BODY[]", BodyFetch{Item: mime.ItemAll}, "BODY[]"},
		{"BODY.PEEK[TEXT]", BodyFetch{Item: mime.ItemText, Peek: true}, "BODY[TEXT]"},
		{"BODY[1.2]", BodyFetch{Partspec: "1.2", Item: mime.ItemAll}, "BODY[1.2]"},
		{"BODY[2.MIME]", BodyFetch{Partspec: "2", Item: mime.ItemMIME}, "BODY[2.MIME]"},
		{"BODY[1.header]", BodyFetch{Partspec: "1", Item: mime.ItemHeader}, "BODY[1.HEADER]"},
		{"BODY[1]<0.100>", BodyFetch{Partspec: "1", Item: mime.ItemAll, HasRange: true, OctetCount: 100}, "BODY[1]"},
		{
			"BODY.PEEK[HEADER.FIELDS (From Subject)]",
			BodyFetch{Item: mime.ItemHeaderFields, Fields: []string{"From", "Subject"}, Peek: true},
			"BODY[HEADER.FIELDS (From Subject)]",
		},
		{
			"BODY[HEADER.FIELDS.NOT (Received)]<10.20>",
			BodyFetch{Item: mime.ItemHeaderFieldsNot, Fields: []string{"Received"}, HasRange: true, OctetStart: 10, OctetCount: 20},
			"BODY[HEADER.FIELDS.NOT (Received)]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.items, func(t *testing.T) {
			p, err := compile(t, tt.items, Options{})
			require.NoError(t, err)
			require.Len(t, p.Sections, 1)
			assert.Equal(t, tt.want, p.Sections[0])
			assert.Equal(t, tt.label, p.Sections[0].Label())
		})
	}
}

func TestCompileKeepsSectionOrder(t *testing.T) {
	p, err := compile(t, "(BODY.PEEK[2] UID BODY[1] BODY[HEADER])", Options{})
	require.NoError(t, err)
	require.Len(t, p.Sections, 3)
	assert.Equal(t, "2", p.Sections[0].Partspec)
	assert.Equal(t, "1", p.Sections[1].Partspec)
	assert.Equal(t, mime.ItemHeader, p.Sections[2].Item)
	assert.True(t, p.SetsSeen())
	assert.True(t, p.NeedsMessage())
}

func TestCompileHeaderFieldsFromCache(t *testing.T) {
	p, err := compile(t, "BODY.PEEK[HEADER.FIELDS (Subject)]", Options{})
	require.NoError(t, err)
	assert.False(t, p.NeedsMessage())
	assert.False(t, p.SetsSeen())

	p, err = compile(t, "BODY.PEEK[1.HEADER.FIELDS (Subject)]", Options{})
	require.NoError(t, err)
	assert.True(t, p.NeedsMessage(), "nested header fields come from the parsed message")
}

func TestCompileCondstoreModifiers(t *testing.T) {
	p, err := compile(t, "(FLAGS) (CHANGEDSINCE 12345)", Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), p.ChangedSince)
	assert.True(t, p.Condstore)
	assert.True(t, p.Modseq)

	p, err = compile(t, "(FLAGS MODSEQ)", Options{})
	require.NoError(t, err)
	assert.True(t, p.Condstore)

	p, err = compile(t, "(FLAGS) (CHANGEDSINCE 5 VANISHED)", Options{UID: true, QResync: true})
	require.NoError(t, err)
	assert.True(t, p.Vanished)
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name  string
		items string
		opts  Options
	}{
		{"unknown item", "(FLAGS BOGUS)", Options{}},
		{"peek without section", "BODY.PEEK", Options{}},
		{"leading dot", "BODY[.1]", Options{}},
		{"double dot", "BODY[1..2]", Options{}},
		{"trailing dot", "BODY[1.]", Options{}},
		{"zero part", "BODY[0]", Options{}},
		{"digit glued to keyword", "BODY[1HEADER]", Options{}},
		{"mime without part", "BODY[MIME]", Options{}},
		{"unknown section", "BODY[BOGUS]", Options{}},
		{"missing header list", "BODY[HEADER.FIELDS]", Options{}},
		{"empty header list", "BODY[HEADER.FIELDS ()]", Options{}},
		{"text with list", "BODY[TEXT (From)]", Options{}},
		{"range without dot", "BODY[]<10>", Options{}},
		{"range with two dots", "BODY[]<1.2.3>", Options{}},
		{"range dot first", "BODY[]<.10>", Options{}},
		{"range dot last", "BODY[]<10.>", Options{}},
		{"range zero count", "BODY[]<0.0>", Options{}},
		{"range not numeric", "BODY[]<a.b>", Options{}},
		{"changedsince without value", "(FLAGS) (CHANGEDSINCE)", Options{}},
		{"vanished without qresync", "(FLAGS) (CHANGEDSINCE 5 VANISHED)", Options{UID: true}},
		{"vanished without uid", "(FLAGS) (CHANGEDSINCE 5 VANISHED)", Options{QResync: true}},
		{"vanished without changedsince", "(FLAGS) (VANISHED)", Options{UID: true, QResync: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := compile(t, tt.items, tt.opts)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, ErrBadArguments), "got %v", err)
		})
	}
}

func TestCompileRejectsEmptyArguments(t *testing.T) {
	_, err := Compile(nil, Options{})
	assert.True(t, errors.Is(err, ErrBadArguments))
}
