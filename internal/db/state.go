package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	"petrel/internal/models"
)

type rowQueryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// loadRows reads message rows of a mailbox matching cond. Expunged rows
// come back with Expunged set and no physical message.
func loadRows(ctx context.Context, q rowQueryer, mailboxID int64, cond string, args []interface{}) ([]models.MessageInfo, error) {
	query := `
		SELECT mm.uid, mm.seen, mm.answered, mm.deleted, mm.flagged, mm.draft, mm.recent,
			mm.keywords, mm.modseq, mm.status, mm.message_id,
			COALESCE(msg.internal_date, 0), COALESCE(msg.size, 0)
		FROM message_mailbox mm LEFT JOIN messages msg ON msg.id = mm.message_id
		WHERE mm.mailbox_id = ? AND ` + cond + `
		ORDER BY mm.uid`
	rows, err := q.QueryContext(ctx, query, append([]interface{}{mailboxID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MessageInfo
	for rows.Next() {
		var (
			r        models.MessageInfo
			keywords string
			status   int
			physID   sql.NullInt64
			date     int64
		)
		err := rows.Scan(&r.UID,
			&r.Flags[models.FlagSeen], &r.Flags[models.FlagAnswered], &r.Flags[models.FlagDeleted],
			&r.Flags[models.FlagFlagged], &r.Flags[models.FlagDraft], &r.Flags[models.FlagRecent],
			&keywords, &r.Modseq, &status, &physID, &date, &r.RFCSize)
		if err != nil {
			return nil, err
		}
		r.Keywords = decodeKeywords(keywords)
		r.Expunged = status == 2
		r.PhysID = physID.Int64
		r.InternalDate = time.Unix(date, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

type stateKey struct {
	owner   int64
	mailbox int64
}

// StateCache holds the newest published snapshot of each mailbox. All
// sessions viewing a mailbox share these values.
type StateCache struct {
	mu     sync.Mutex
	states map[stateKey]*models.MailboxState
}

// NewStateCache returns an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{states: make(map[stateKey]*models.MailboxState)}
}

// Get returns the published snapshot of a mailbox, or nil.
func (c *StateCache) Get(owner, mailbox int64) *models.MailboxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[stateKey{owner, mailbox}]
}

// Publish stores s unless a snapshot at least as new is already cached,
// and returns whichever snapshot the cache holds afterwards.
func (c *StateCache) Publish(s *models.MailboxState) *models.MailboxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := stateKey{s.OwnerID, s.ID}
	if cur, ok := c.states[key]; ok && cur.UIDValidity == s.UIDValidity && cur.Seq >= s.Seq {
		return cur
	}
	c.states[key] = s
	return s
}

// Drop forgets a mailbox.
func (c *StateCache) Drop(owner, mailbox int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, stateKey{owner, mailbox})
}

// DropOwner forgets every mailbox of owner.
func (c *StateCache) DropOwner(owner int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.states {
		if k.owner == owner {
			delete(c.states, k)
		}
	}
}

func (m *DBManager) ownerName(ctx context.Context, ownerID int64) string {
	if name, ok := m.usernames.Load(ownerID); ok {
		return name.(string)
	}
	u, err := m.GetUserByID(ctx, ownerID)
	if err != nil {
		return ""
	}
	m.usernames.Store(ownerID, u.Username)
	return u.Username
}

// ProbeSequence reads the current sequence counter of a mailbox.
func (m *DBManager) ProbeSequence(ctx context.Context, ownerID, mailboxID int64) (uint64, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = db.QueryRowContext(ctx, "SELECT seq FROM mailboxes WHERE id = ?", mailboxID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, errors.Wrap(ErrNotFound, "mailbox")
	}
	return seq, err
}

// RefreshMailboxState builds a snapshot from every live row.
func (m *DBManager) RefreshMailboxState(ctx context.Context, ownerID, mailboxID int64) (*models.MailboxState, error) {
	seq, err := m.ProbeSequence(ctx, ownerID, mailboxID)
	if err != nil {
		return nil, err
	}
	if cached := m.states.Get(ownerID, mailboxID); cached != nil && cached.Seq == seq {
		return cached, nil
	}
	mb, rows, err := m.readState(ctx, ownerID, mailboxID, "mm.status = 0", nil)
	if err != nil {
		return nil, err
	}
	return m.states.Publish(models.NewMailboxState(mb.Meta(m.ownerName(ctx, ownerID)), rows)), nil
}

// RefreshMailboxStateSince brings base up to date by reading only the rows
// that changed after base was taken, expunged rows included.
func (m *DBManager) RefreshMailboxStateSince(ctx context.Context, base *models.MailboxState) (*models.MailboxState, error) {
	seq, err := m.ProbeSequence(ctx, base.OwnerID, base.ID)
	if err != nil {
		return nil, err
	}
	if seq == base.Seq {
		return base, nil
	}
	if cached := m.states.Get(base.OwnerID, base.ID); cached != nil && cached.Seq == seq && cached.UIDValidity == base.UIDValidity {
		return cached, nil
	}
	mb, rows, err := m.readState(ctx, base.OwnerID, base.ID, "mm.modseq > ?", []interface{}{base.Seq})
	if err != nil {
		return nil, err
	}
	if mb.UIDValidity != base.UIDValidity {
		return m.RefreshMailboxState(ctx, base.OwnerID, base.ID)
	}
	return m.states.Publish(base.Merge(mb.Meta(base.Owner), rows)), nil
}

func (m *DBManager) readState(ctx context.Context, ownerID, mailboxID int64, cond string, args []interface{}) (Mailbox, []models.MessageInfo, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return Mailbox{}, nil, err
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Mailbox{}, nil, err
	}
	defer tx.Rollback()

	mb, err := getMailboxByID(ctx, tx, ownerID, mailboxID)
	if err != nil {
		return mb, nil, err
	}
	rows, err := loadRows(ctx, tx, mailboxID, cond, args)
	if err != nil {
		return mb, nil, err
	}
	return mb, rows, tx.Commit()
}

// ClearRecent takes a snapshot and clears \Recent in the same transaction.
// It returns the view as the caller should present it, recent flags
// intact, and the snapshot of the store after the clear.
func (m *DBManager) ClearRecent(ctx context.Context, ownerID, mailboxID int64) (view, base *models.MailboxState, err error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := loadRows(ctx, tx, mailboxID, "mm.status = 0", nil)
	if err != nil {
		return nil, nil, err
	}
	var recent []int
	for i, r := range rows {
		if r.Flags[models.FlagRecent] {
			recent = append(recent, i)
		}
	}
	if len(recent) > 0 {
		seq, err := bumpSeq(ctx, tx, mailboxID)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE message_mailbox SET recent = FALSE, modseq = ? WHERE mailbox_id = ? AND status = 0 AND recent",
			seq, mailboxID); err != nil {
			return nil, nil, errors.Wrap(err, "failed to clear recent")
		}
	}
	mb, err := getMailboxByID(ctx, tx, ownerID, mailboxID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	meta := mb.Meta(m.ownerName(ctx, ownerID))
	cleared := make([]models.MessageInfo, len(rows))
	copy(cleared, rows)
	for _, i := range recent {
		rows[i].Modseq = mb.Seq
		cleared[i].Modseq = mb.Seq
		cleared[i].Flags[models.FlagRecent] = false
	}
	base = m.states.Publish(models.NewMailboxState(meta, cleared))
	view = models.NewMailboxState(meta, rows)
	return view, base, nil
}

// ExpungedSince returns the uids expunged from a mailbox after modseq, as
// reported by QRESYNC.
func (m *DBManager) ExpungedSince(ctx context.Context, ownerID, mailboxID int64, modseq uint64) ([]uint32, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := loadRows(ctx, db, mailboxID, "mm.status = 2 AND mm.modseq > ?", []interface{}{modseq})
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, len(rows))
	for i, r := range rows {
		uids[i] = r.UID
	}
	return uids, nil
}
