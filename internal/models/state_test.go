package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientState_ZeroValue(t *testing.T) {
	var state ClientState
	assert.Equal(t, StateNotAuthenticated, state.State)
	assert.False(t, state.Authenticated())
	assert.False(t, state.Selected())
}

func TestClientState_Unselect(t *testing.T) {
	state := ClientState{
		State:    StateSelected,
		Mailbox:  NewMailboxState(MailboxMeta{ID: 1, Name: "INBOX"}, nil),
		ReadOnly: true,
	}
	require.True(t, state.Selected())
	state.Unselect()
	assert.Equal(t, StateAuthenticated, state.State)
	assert.Nil(t, state.Mailbox)
	assert.False(t, state.ReadOnly)
}

func rows(uids ...uint32) []MessageInfo {
	var out []MessageInfo
	for _, u := range uids {
		out = append(out, MessageInfo{UID: u, Modseq: uint64(u)})
	}
	return out
}

func TestNewMailboxStateNumbersByUID(t *testing.T) {
	in := rows(9, 2, 5)
	in[1].Flags[FlagSeen] = true
	in = append(in, MessageInfo{UID: 7, Expunged: true})

	s := NewMailboxState(MailboxMeta{ID: 1, UIDNext: 3}, in)
	assert.Equal(t, []uint32{2, 5, 9}, s.UIDs())
	assert.EqualValues(t, 3, s.Exists)
	assert.EqualValues(t, 2, s.Unseen)
	assert.EqualValues(t, 10, s.UIDNext, "uidnext never trails the highest uid")

	msn, ok := s.MSN(9)
	require.True(t, ok)
	assert.EqualValues(t, 3, msn)
	uid, ok := s.UID(1)
	require.True(t, ok)
	assert.EqualValues(t, 2, uid)
	_, ok = s.MSN(7)
	assert.False(t, ok, "expunged rows are not part of the view")
	_, ok = s.UID(4)
	assert.False(t, ok)
	assert.EqualValues(t, 2, s.FirstUnseen())
}

func TestMergeDoesNotTouchOriginal(t *testing.T) {
	old := NewMailboxState(MailboxMeta{ID: 1, Seq: 3}, rows(1, 2, 3))

	changed := []MessageInfo{{UID: 2, Expunged: true}, {UID: 4, Modseq: 5}}
	changed = append(changed, MessageInfo{UID: 3, Modseq: 4})
	changed[2].Flags[FlagFlagged] = true

	next := old.Merge(MailboxMeta{ID: 1, Seq: 5}, changed)

	assert.Equal(t, []uint32{1, 2, 3}, old.UIDs())
	m, _ := old.Message(3)
	assert.False(t, m.Flags[FlagFlagged])

	assert.Equal(t, []uint32{1, 3, 4}, next.UIDs())
	m, _ = next.Message(3)
	assert.True(t, m.Flags[FlagFlagged])
	assert.EqualValues(t, 2, m.MSN)
	assert.EqualValues(t, 5, next.HighestModseq())
}

func TestFlagUpdateApply(t *testing.T) {
	var cur Flags
	cur[FlagSeen] = true
	kw := []string{"$Work"}

	add := ParseFlagList(StoreAdd, []string{`\flagged`, "$Todo", `\Recent`})
	f, k := add.Apply(cur, kw)
	assert.True(t, f[FlagSeen])
	assert.True(t, f[FlagFlagged])
	assert.False(t, f[FlagRecent])
	assert.Equal(t, []string{"$Work", "$Todo"}, k)

	del := ParseFlagList(StoreRemove, []string{`\Seen`, "$work"})
	f, k = del.Apply(f, k)
	assert.False(t, f[FlagSeen])
	assert.Equal(t, []string{"$Todo"}, k)

	cur[FlagRecent] = true
	set := ParseFlagList(StoreReplace, []string{`\Draft`})
	f, k = set.Apply(cur, kw)
	assert.False(t, f[FlagSeen])
	assert.True(t, f[FlagDraft])
	assert.True(t, f[FlagRecent], "replace keeps the server managed flag")
	assert.Empty(t, k)
}

func TestParseRights(t *testing.T) {
	r, err := ParseRights("rlw")
	require.NoError(t, err)
	assert.Equal(t, Rights("lrw"), r)

	r, err = ParseRights("cd")
	require.NoError(t, err)
	assert.Equal(t, Rights("kxte"), r)
	assert.True(t, r.Has(RightExpunge))
	assert.False(t, r.Has(RightSeen))

	_, err = ParseRights("lz")
	assert.ErrorIs(t, err, ErrInvalidRights)

	assert.Equal(t, Rights("lrs"), Rights("sl").Union("r"))
	assert.Equal(t, Rights("ls"), Rights("lrs").Without("r"))
}
