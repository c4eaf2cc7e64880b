package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/db"
	"petrel/internal/models"
)

const message = "From: alice@example.org\r\nSubject: hi\r\n\r\nbody\r\n"

type session struct {
	r          *Reconciler
	view, base *models.MailboxState
	opts       Options
}

func (s *session) sync(t *testing.T) []string {
	t.Helper()
	up, err := s.r.Sync(context.Background(), s.view, s.base, s.opts)
	require.NoError(t, err)
	s.view, s.base = up.View, up.Base
	return up.Lines
}

type fixture struct {
	store *db.DBManager
	owner int64
	box   int64
}

func newFixture(t *testing.T, messages int) *fixture {
	t.Helper()
	store, err := db.NewDBManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	owner, err := store.CreateUser(ctx, "bob", "pw", db.PasswordPlain)
	require.NoError(t, err)
	mb, err := store.GetMailbox(ctx, owner, "INBOX")
	require.NoError(t, err)
	f := &fixture{store: store, owner: owner, box: mb.ID}
	f.append(t, messages)
	return f
}

func (f *fixture) append(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.AppendMessage(context.Background(), f.owner, f.box, []byte(message), models.FlagUpdate{}, time.Now())
		require.NoError(t, err)
	}
}

func (f *fixture) open(t *testing.T, strategy Strategy) *session {
	t.Helper()
	view, base, err := f.store.ClearRecent(context.Background(), f.owner, f.box)
	require.NoError(t, err)
	return &session{r: New(f.store, strategy), view: view, base: base}
}

func (f *fixture) flag(t *testing.T, uid uint32, flag models.Flag, value bool) {
	t.Helper()
	_, err := f.store.SetFlag(context.Background(), f.owner, f.box, uid, flag, value)
	require.NoError(t, err)
}

func (f *fixture) expunge(t *testing.T, uids ...uint32) {
	t.Helper()
	_, err := f.store.Expunge(context.Background(), f.owner, f.box, uids, false)
	require.NoError(t, err)
}

func TestSyncUnchangedMailboxIsSilent(t *testing.T) {
	f := newFixture(t, 3)
	s := f.open(t, StrategyFull)
	assert.Empty(t, s.sync(t))
	assert.Empty(t, s.sync(t))
}

func TestSyncReportsNewMessagesFirst(t *testing.T) {
	f := newFixture(t, 3)
	s := f.open(t, StrategyFull)
	f.append(t, 1)
	lines := s.sync(t)
	require.NotEmpty(t, lines)
	assert.Equal(t, "* 4 EXISTS", lines[0])
	assert.Equal(t, []string{"* 4 EXISTS", "* 4 RECENT"}, lines)
	assert.Equal(t, uint32(4), s.view.Exists)
}

func TestSecondSessionSeesNoRecentForOldMessages(t *testing.T) {
	f := newFixture(t, 3)
	first := f.open(t, StrategyFull)
	second := f.open(t, StrategyFull)
	assert.Equal(t, uint32(3), first.view.Recent)
	assert.Equal(t, uint32(0), second.view.Recent)

	f.append(t, 1)
	assert.Equal(t, []string{"* 4 EXISTS", "* 1 RECENT"}, second.sync(t))
}

func TestSyncExpungesInDescendingOrder(t *testing.T) {
	f := newFixture(t, 5)
	s := f.open(t, StrategyFull)
	f.expunge(t, 2, 4)
	assert.Equal(t, []string{"* 4 EXPUNGE", "* 2 EXPUNGE"}, s.sync(t))
	assert.Equal(t, []uint32{1, 3, 5}, s.view.UIDs())
}

func TestSyncReportsFlagChanges(t *testing.T) {
	f := newFixture(t, 2)
	s := f.open(t, StrategyFull)
	f.flag(t, 2, models.FlagSeen, true)
	assert.Equal(t, []string{`* 2 FETCH (FLAGS (\Seen \Recent))`}, s.sync(t))
}

func TestSyncModseqUnderCondstore(t *testing.T) {
	f := newFixture(t, 2)
	s := f.open(t, StrategyFull)
	s.opts.Condstore = true
	f.flag(t, 1, models.FlagFlagged, true)
	lines := s.sync(t)
	require.Len(t, lines, 1)
	msg, _ := s.view.Message(1)
	assert.Equal(t, fmt.Sprintf(`* 1 FETCH (FLAGS (\Flagged \Recent) MODSEQ (%d))`, msg.Modseq), lines[0])
}

func TestSyncReportsNewKeywords(t *testing.T) {
	f := newFixture(t, 1)
	s := f.open(t, StrategyFull)
	_, _, err := f.store.SetFlags(context.Background(), f.owner, f.box, []uint32{1},
		models.ParseFlagList(models.StoreAdd, []string{"$Important"}), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`* FLAGS (\Seen \Answered \Deleted \Flagged \Draft $Important)`,
		`* 1 FETCH (FLAGS (\Recent $Important))`,
	}, s.sync(t))
}

func TestSyncVanishedUnderQResync(t *testing.T) {
	f := newFixture(t, 5)
	s := f.open(t, StrategyFull)
	s.opts = Options{Condstore: true, QResync: true}
	f.expunge(t, 2, 3, 5)
	assert.Equal(t, []string{"* VANISHED 2:3,5"}, s.sync(t))
}

func TestSuppressedExpungeIsDeferred(t *testing.T) {
	f := newFixture(t, 3)
	s := f.open(t, StrategyFull)
	f.expunge(t, 2)
	f.append(t, 1)

	s.opts.Suppress = true
	assert.Equal(t, []string{"* 4 EXISTS", "* 4 RECENT"}, s.sync(t))
	assert.Equal(t, []uint32{1, 2, 3, 4}, s.view.UIDs(), "expunged message stays visible")
	assert.Empty(t, s.sync(t))

	s.opts.Suppress = false
	assert.Equal(t, []string{"* 2 EXPUNGE"}, s.sync(t))
	assert.Equal(t, []uint32{1, 3, 4}, s.view.UIDs())
}

// existsTracker replays a response stream and fails when EXISTS drops
// without matching EXPUNGE responses.
type existsTracker struct {
	t      *testing.T
	exists int
}

func (e *existsTracker) feed(lines []string) {
	for _, l := range lines {
		f := strings.Fields(l)
		switch {
		case len(f) == 3 && f[2] == "EXPUNGE":
			e.exists--
		case len(f) == 3 && f[2] == "EXISTS":
			n, err := strconv.Atoi(f[1])
			require.NoError(e.t, err)
			assert.GreaterOrEqual(e.t, n, e.exists, "EXISTS decreased silently: %q", lines)
			e.exists = n
		}
	}
}

func TestStrategiesProduceIdenticalNotifications(t *testing.T) {
	f := newFixture(t, 4)
	full := f.open(t, StrategyFull)
	diff := &session{r: New(f.store, StrategyDiff), view: full.view, base: full.base}
	tracker := &existsTracker{t: t, exists: int(full.view.Exists)}

	steps := []func(){
		func() { f.append(t, 2) },
		func() { f.flag(t, 1, models.FlagSeen, true) },
		func() { f.expunge(t, 2) },
		func() {
			f.flag(t, 3, models.FlagDeleted, true)
			f.append(t, 1)
			f.expunge(t, 3)
		},
		func() {},
		func() {
			f.expunge(t, 1, 5)
			f.flag(t, 4, models.FlagAnswered, true)
		},
		func() { f.append(t, 3) },
	}
	for i, step := range steps {
		step()
		for _, suppress := range []bool{i == 3, false} {
			full.opts.Suppress, diff.opts.Suppress = suppress, suppress
			a := full.sync(t)
			// make the diff session compute its own snapshot
			f.store.States().Drop(f.owner, f.box)
			b := diff.sync(t)
			assert.Equal(t, a, b, "step %d", i)
			tracker.feed(a)
			assert.Equal(t, full.view.UIDs(), diff.view.UIDs(), "step %d", i)
		}
	}
	assert.Equal(t, int(full.view.Exists), tracker.exists)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(2)
	require.NoError(t, err)
	assert.Equal(t, StrategyDiff, s)
	_, err = ParseStrategy(3)
	assert.Error(t, err)
}
