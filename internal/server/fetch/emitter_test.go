package fetch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/models"
)

// part 1 of a single part message is its body: exactly 50 bytes
var fiftyByteBody = strings.Repeat("x", 48) + "\r\n"

func rawMessage(i int) string {
	return fmt.Sprintf("From: Alice <alice@example.org>\r\n"+
		"To: bob@example.org\r\n"+
		"Subject: message %d\r\n"+
		"X-Index: %d\r\n"+
		"\r\n", i, i) + fiftyByteBody
}

type fixture struct {
	store *db.DBManager
	owner int64
	box   db.Mailbox
	em    *Emitter
}

func newFixture(t *testing.T, messages int) *fixture {
	t.Helper()
	store, err := db.NewDBManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	owner, err := store.CreateUser(ctx, "bob", "secret", db.PasswordPlain)
	require.NoError(t, err)
	box, err := store.GetMailbox(ctx, owner, "INBOX")
	require.NoError(t, err)
	for i := 1; i <= messages; i++ {
		_, err := store.AppendMessage(ctx, owner, box.ID, []byte(rawMessage(i)), models.FlagUpdate{}, time.Unix(1700000000, 0).UTC())
		require.NoError(t, err)
	}
	return &fixture{store: store, owner: owner, box: box, em: NewEmitter(store, auth.NewACL(store))}
}

func (f *fixture) state(t *testing.T) *models.MailboxState {
	t.Helper()
	st, err := f.store.RefreshMailboxState(context.Background(), f.owner, f.box.ID)
	require.NoError(t, err)
	return st
}

func (f *fixture) fetch(t *testing.T, items string, st *models.MailboxState, uids []uint32, user int64) (string, Result) {
	t.Helper()
	plan, err := compile(t, items, Options{})
	require.NoError(t, err)
	var buf bytes.Buffer
	res, err := f.em.Emit(context.Background(), &buf, Request{Plan: plan, State: st, UIDs: uids, UserID: user})
	require.NoError(t, err)
	return buf.String(), res
}

func TestEmitFlagsAndUID(t *testing.T) {
	f := newFixture(t, 3)
	st := f.state(t)
	out, res := f.fetch(t, "(FLAGS UID)", st, st.UIDs(), f.owner)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t,
		"* 1 FETCH (FLAGS (\\Recent) UID 1)\r\n"+
			"* 2 FETCH (FLAGS (\\Recent) UID 2)\r\n"+
			"* 3 FETCH (FLAGS (\\Recent) UID 3)\r\n", out)
}

func TestEmitItemOrderIsFixed(t *testing.T) {
	f := newFixture(t, 1)
	st := f.state(t)
	out, _ := f.fetch(t, "(UID ENVELOPE FLAGS RFC822.SIZE INTERNALDATE MODSEQ)", st, st.UIDs(), f.owner)

	order := []string{"MODSEQ (", "INTERNALDATE \"", "RFC822.SIZE", "FLAGS (", "UID 1", "ENVELOPE ("}
	last := -1
	for _, item := range order {
		i := strings.Index(out, item)
		require.GreaterOrEqual(t, i, 0, "missing %s in %q", item, out)
		assert.Greater(t, i, last, "%s out of order", item)
		last = i
	}
}

func TestEmitPartialIsClamped(t *testing.T) {
	f := newFixture(t, 1)
	st := f.state(t)
	out, _ := f.fetch(t, "(BODY.PEEK[1]<0.100>)", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[1]<0> {50}\r\n"+fiftyByteBody+")\r\n", out)

	out, _ = f.fetch(t, "(BODY.PEEK[1]<40.100>)", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[1]<40> {10}\r\n"+fiftyByteBody[40:]+")\r\n", out)
}

func TestEmitMissingPartIsNIL(t *testing.T) {
	f := newFixture(t, 1)
	st := f.state(t)
	out, _ := f.fetch(t, "(BODY.PEEK[3])", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[3] NIL)\r\n", out)
}

func TestEmitEmptyBodyIsZeroLengthLiteral(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.store.AppendMessage(context.Background(), f.owner, f.box.ID,
		[]byte("Subject: x\r\n\r\n"), models.FlagUpdate{}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	st := f.state(t)

	out, _ := f.fetch(t, "(BODY.PEEK[TEXT])", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[TEXT] {0}\r\n)\r\n", out)

	out, _ = f.fetch(t, "(BODY.PEEK[TEXT]<0.10>)", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[TEXT]<0> {0}\r\n)\r\n", out)
}

func TestEmitChangedSince(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	_, err := f.store.SetFlag(ctx, f.owner, f.box.ID, 2, models.FlagFlagged, true)
	require.NoError(t, err)
	st := f.state(t)

	out, res := f.fetch(t, "(FLAGS) (CHANGEDSINCE 3)", st, st.UIDs(), f.owner)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "* 2 FETCH (MODSEQ (4) FLAGS (\\Flagged \\Recent))\r\n", out)
}

func TestEmitHeaderBatchingMatchesSingleFetches(t *testing.T) {
	f := newFixture(t, 7)
	st := f.state(t)
	uids := st.UIDs()

	for _, items := range []string{
		"(BODY.PEEK[HEADER.FIELDS (Subject X-Index)])",
		"(BODY.PEEK[HEADER.FIELDS.NOT (To)]<5.30> ENVELOPE)",
	} {
		f.em.batch = 3
		batched, _ := f.fetch(t, items, st, uids, f.owner)

		var single strings.Builder
		for _, uid := range uids {
			f.em.batch = BatchSize
			out, _ := f.fetch(t, items, st, []uint32{uid}, f.owner)
			single.WriteString(out)
		}
		assert.Equal(t, single.String(), batched, items)
	}
}

func TestEmitHeaderFieldsMatchParsedMessage(t *testing.T) {
	f := newFixture(t, 1)
	st := f.state(t)
	cached, _ := f.fetch(t, "(BODY.PEEK[HEADER.FIELDS (subject from)])", st, st.UIDs(), f.owner)
	assert.Equal(t, "* 1 FETCH (BODY[HEADER.FIELDS (subject from)] {55}\r\n"+
		"From: Alice <alice@example.org>\r\nSubject: message 1\r\n\r\n)\r\n", cached)
}

func TestEmitSeenGatedByACL(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	alice, err := f.store.CreateUser(ctx, "alice", "pw", db.PasswordPlain)
	require.NoError(t, err)
	require.NoError(t, f.store.SetACL(ctx, f.owner, f.box.ID, "alice", "lr"))

	st := f.state(t)
	before, _ := st.Message(1)
	out, res := f.fetch(t, "(BODY[])", st, st.UIDs(), alice)
	assert.Empty(t, res.Updated)
	assert.Equal(t, 1, strings.Count(out, "FETCH"))
	after, _ := f.state(t).Message(1)
	assert.False(t, after.Flags[models.FlagSeen])
	assert.Equal(t, before.Modseq, after.Modseq)

	require.NoError(t, f.store.SetACL(ctx, f.owner, f.box.ID, "alice", "lrs"))
	st = f.state(t)
	out, res = f.fetch(t, "(BODY[])", st, st.UIDs(), alice)
	require.Len(t, res.Updated, 1)
	assert.True(t, res.Updated[0].Flags[models.FlagSeen])
	assert.True(t, strings.HasSuffix(out, ")\r\n* 1 FETCH (FLAGS (\\Seen \\Recent))\r\n"), out)
	after, _ = f.state(t).Message(1)
	assert.True(t, after.Flags[models.FlagSeen])
	assert.Greater(t, after.Modseq, before.Modseq)
}

func TestEmitPeekAndReadOnlyLeaveSeenAlone(t *testing.T) {
	f := newFixture(t, 1)
	st := f.state(t)
	_, res := f.fetch(t, "(BODY.PEEK[] RFC822.PEEK RFC822.HEADER)", st, st.UIDs(), f.owner)
	assert.Empty(t, res.Updated)

	plan, err := compile(t, "(RFC822)", Options{})
	require.NoError(t, err)
	var buf bytes.Buffer
	res, err = f.em.Emit(context.Background(), &buf, Request{Plan: plan, State: st, UIDs: st.UIDs(), UserID: f.owner, ReadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, res.Updated)
	assert.NotZero(t, f.state(t).Unseen)
}

func TestEmitSkipsUnknownUIDs(t *testing.T) {
	f := newFixture(t, 2)
	st := f.state(t)
	out, res := f.fetch(t, "(UID)", st, []uint32{2, 9}, f.owner)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "* 2 FETCH (UID 2)\r\n", out)
}
