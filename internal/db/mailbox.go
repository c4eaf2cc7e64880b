package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"petrel/internal/models"
)

// Mailbox is a mailbox row of a user database.
type Mailbox struct {
	ID          int64
	OwnerID     int64
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	Seq         uint64
	SpecialUse  string
	NoSelect    bool
}

// Meta converts the row into snapshot metadata.
func (mb Mailbox) Meta(owner string) models.MailboxMeta {
	return models.MailboxMeta{
		ID:          mb.ID,
		OwnerID:     mb.OwnerID,
		Owner:       owner,
		Name:        mb.Name,
		UIDValidity: mb.UIDValidity,
		UIDNext:     mb.UIDNext,
		Seq:         mb.Seq,
		NoSelect:    mb.NoSelect,
	}
}

// MailboxStatus holds the counters reported by STATUS.
type MailboxStatus struct {
	Messages      uint32
	Recent        uint32
	Unseen        uint32
	UIDNext       uint32
	UIDValidity   uint32
	HighestModseq uint64
	Size          int64
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const mailboxColumns = "id, name, uid_validity, uid_next, seq, special_use, no_select"

func scanMailbox(row interface{ Scan(...interface{}) error }, ownerID int64) (Mailbox, error) {
	mb := Mailbox{OwnerID: ownerID}
	err := row.Scan(&mb.ID, &mb.Name, &mb.UIDValidity, &mb.UIDNext, &mb.Seq, &mb.SpecialUse, &mb.NoSelect)
	return mb, err
}

func getMailbox(ctx context.Context, q queryer, ownerID int64, name string) (Mailbox, error) {
	mb, err := scanMailbox(q.QueryRowContext(ctx,
		"SELECT "+mailboxColumns+" FROM mailboxes WHERE name = ?", canonicalName(name)), ownerID)
	if err == sql.ErrNoRows {
		return mb, errors.Wrap(ErrNotFound, name)
	}
	return mb, err
}

func getMailboxByID(ctx context.Context, q queryer, ownerID, id int64) (Mailbox, error) {
	mb, err := scanMailbox(q.QueryRowContext(ctx,
		"SELECT "+mailboxColumns+" FROM mailboxes WHERE id = ?", id), ownerID)
	if err == sql.ErrNoRows {
		return mb, errors.Wrap(ErrNotFound, "mailbox")
	}
	return mb, err
}

// GetMailbox looks up a mailbox of ownerID by name.
func (m *DBManager) GetMailbox(ctx context.Context, ownerID int64, name string) (Mailbox, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return Mailbox{}, err
	}
	return getMailbox(ctx, db, ownerID, name)
}

// GetMailboxByID looks up a mailbox of ownerID by id.
func (m *DBManager) GetMailboxByID(ctx context.Context, ownerID, id int64) (Mailbox, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return Mailbox{}, err
	}
	return getMailboxByID(ctx, db, ownerID, id)
}

// CreateMailbox creates name and any missing parent levels. A trailing
// hierarchy separator only declares the intent to create children.
func (m *DBManager) CreateMailbox(ctx context.Context, ownerID int64, name string) (int64, error) {
	name = canonicalName(strings.TrimSuffix(name, "/"))
	if name == "" {
		return 0, errors.New("mailbox name cannot be empty")
	}
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// A \Noselect placeholder left by DELETE becomes selectable again.
	var placeholder int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM mailboxes WHERE name = ? AND no_select", name).Scan(&placeholder)
	if err == nil {
		if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET no_select = FALSE WHERE id = ?", placeholder); err != nil {
			return 0, err
		}
		return placeholder, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	if err := ensureParents(tx, name); err != nil {
		return 0, err
	}
	id, err := createMailbox(tx, name, "")
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// DeleteMailbox removes a mailbox and its messages. A mailbox with
// inferior names is kept as a \Noselect placeholder after its messages are
// expunged.
func (m *DBManager) DeleteMailbox(ctx context.Context, ownerID int64, name string) error {
	name = canonicalName(name)
	if name == "INBOX" {
		return errors.Wrap(ErrNotAllowed, "cannot delete INBOX")
	}
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return err
	}
	mb, err := getMailbox(ctx, db, ownerID, name)
	if err != nil {
		return err
	}

	var children int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes WHERE name LIKE ? ESCAPE '\\'",
		likeEscape(name)+"/%").Scan(&children)
	if err != nil {
		return err
	}
	if children > 0 && mb.NoSelect {
		return errors.Wrap(ErrNotAllowed, "mailbox has inferior hierarchical names")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var keys []string
	if children > 0 {
		if _, keys, err = expungeRows(ctx, tx, mb.ID, nil, false); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET no_select = TRUE WHERE id = ?", mb.ID); err != nil {
			return err
		}
	} else {
		if keys, err = detachMessages(ctx, tx, "mailbox_id = ?", mb.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", mb.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if children == 0 {
		m.states.Drop(ownerID, mb.ID)
		if _, err := m.sharedDB.ExecContext(ctx,
			"DELETE FROM mailbox_acl WHERE owner_id = ? AND mailbox_id = ?", ownerID, mb.ID); err != nil {
			return err
		}
	}
	m.deleteBlobs(ctx, keys)
	return nil
}

// RenameMailbox renames a mailbox and its inferior names. Renaming INBOX
// moves its messages into a new mailbox and leaves INBOX empty.
func (m *DBManager) RenameMailbox(ctx context.Context, ownerID int64, oldName, newName string) error {
	oldName, newName = canonicalName(oldName), canonicalName(strings.TrimSuffix(newName, "/"))
	if newName == "INBOX" {
		return errors.Wrap(ErrNotAllowed, "cannot rename to INBOX")
	}
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	src, err := getMailbox(ctx, tx, ownerID, oldName)
	if err != nil {
		return err
	}
	exists, err := mailboxExists(tx, newName)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrap(ErrExists, newName)
	}
	if err := ensureParents(tx, newName); err != nil {
		return err
	}

	if oldName == "INBOX" {
		if err := m.renameInbox(ctx, tx, src, newName); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET name = ? WHERE id = ?", newName, src.ID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, name FROM mailboxes WHERE name LIKE ? ESCAPE '\\'",
		likeEscape(oldName)+"/%")
	if err != nil {
		return err
	}
	type mailboxUpdate struct {
		id      int64
		newName string
	}
	var updates []mailboxUpdate
	for rows.Next() {
		var id int64
		var childName string
		if err := rows.Scan(&id, &childName); err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, mailboxUpdate{id: id, newName: newName + childName[len(oldName):]})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET name = ? WHERE id = ?", update.newName, update.id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.states.Drop(ownerID, src.ID)
	for _, update := range updates {
		m.states.Drop(ownerID, update.id)
	}
	return nil
}

// renameInbox moves every live INBOX message into a fresh mailbox. The
// moved messages keep their flags but receive new uids.
func (m *DBManager) renameInbox(ctx context.Context, tx *sql.Tx, inbox Mailbox, newName string) error {
	dstID, err := createMailbox(tx, newName, "")
	if err != nil {
		return err
	}
	uids, err := liveUIDs(ctx, tx, inbox.ID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if _, err := m.copyWithin(ctx, tx, inbox.ID, dstID, uids); err != nil {
		return err
	}
	_, _, err = expungeRows(ctx, tx, inbox.ID, uids, false)
	return err
}

// ListMailboxes returns every mailbox of ownerID ordered by name.
func (m *DBManager) ListMailboxes(ctx context.Context, ownerID int64) ([]Mailbox, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT "+mailboxColumns+" FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows, ownerID)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

// Subscribe adds name to the subscription list.
func (m *DBManager) Subscribe(ctx context.Context, userID int64, name string) error {
	db, err := m.userDB(ctx, userID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)", canonicalName(name))
	return err
}

// Unsubscribe removes name from the subscription list.
func (m *DBManager) Unsubscribe(ctx context.Context, userID int64, name string) error {
	db, err := m.userDB(ctx, userID)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, "DELETE FROM subscriptions WHERE mailbox_name = ?", canonicalName(name))
	if err != nil {
		return err
	}
	return requireRow(result, name)
}

// ListSubscriptions returns the subscribed names. Names need not exist.
func (m *DBManager) ListSubscriptions(ctx context.Context, userID int64) ([]string, error) {
	db, err := m.userDB(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT mailbox_name FROM subscriptions ORDER BY mailbox_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Status computes the STATUS counters of a mailbox without selecting it.
func (m *DBManager) Status(ctx context.Context, ownerID, mailboxID int64) (MailboxStatus, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return MailboxStatus{}, err
	}
	mb, err := getMailboxByID(ctx, db, ownerID, mailboxID)
	if err != nil {
		return MailboxStatus{}, err
	}
	st := MailboxStatus{UIDNext: mb.UIDNext, UIDValidity: mb.UIDValidity, HighestModseq: mb.Seq}
	if st.HighestModseq == 0 {
		st.HighestModseq = 1
	}
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(mm.recent), 0),
			COALESCE(SUM(NOT mm.seen), 0),
			COALESCE(SUM(msg.size), 0)
		FROM message_mailbox mm JOIN messages msg ON msg.id = mm.message_id
		WHERE mm.mailbox_id = ? AND mm.status = 0
	`, mailboxID).Scan(&st.Messages, &st.Recent, &st.Unseen, &st.Size)
	return st, err
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
