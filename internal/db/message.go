package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/blobstorage"
	"petrel/internal/mime"
	"petrel/internal/models"
)

// CopyResult maps source uids onto the uids assigned in the destination,
// as reported by COPYUID.
type CopyResult struct {
	UIDValidity uint32
	Source      []uint32
	Dest        []uint32
}

// bumpSeq advances the mailbox sequence counter. Every transaction that
// mutates a mailbox calls it exactly once and stamps the touched rows with
// the returned value.
func bumpSeq(ctx context.Context, tx *sql.Tx, mailboxID int64) (uint64, error) {
	var seq uint64
	err := tx.QueryRowContext(ctx,
		"UPDATE mailboxes SET seq = seq + 1 WHERE id = ? RETURNING seq", mailboxID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, errors.Wrap(ErrNotFound, "mailbox")
	}
	return seq, err
}

func allocateUID(ctx context.Context, tx *sql.Tx, mailboxID int64) (uint32, error) {
	var uid uint32
	err := tx.QueryRowContext(ctx,
		"UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ? RETURNING uid_next - 1", mailboxID).Scan(&uid)
	return uid, err
}

func selectableMailbox(ctx context.Context, tx *sql.Tx, ownerID, mailboxID int64) (Mailbox, error) {
	mb, err := getMailboxByID(ctx, tx, ownerID, mailboxID)
	if err != nil {
		return mb, err
	}
	if mb.NoSelect {
		return mb, errors.Wrap(ErrNotAllowed, "mailbox is not selectable")
	}
	return mb, nil
}

func encodeKeywords(kw []string) string {
	return strings.Join(kw, " ")
}

func decodeKeywords(s string) []string {
	return strings.Fields(s)
}

// AppendMessage stores raw in a mailbox and returns the assigned uid. The
// flags are applied on top of \Recent.
func (m *DBManager) AppendMessage(ctx context.Context, ownerID, mailboxID int64, raw []byte, flags models.FlagUpdate, internalDate time.Time) (uint32, error) {
	raw = mime.CRLF(raw)
	if err := m.checkQuota(ctx, ownerID, int64(len(raw))); err != nil {
		return 0, err
	}
	msg, err := mime.Parse(raw)
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse message")
	}
	if internalDate.IsZero() {
		internalDate = time.Now()
	}

	key := blobstorage.Key(ownerID, raw)
	if err := m.blobs.Put(ctx, key, raw); err != nil {
		return 0, err
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

	if _, err := selectableMailbox(ctx, tx, ownerID, mailboxID); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (blob_key, size, internal_date, envelope, bodystructure, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key, len(raw), internalDate.Unix(), msg.Envelope(), msg.BodyStructure(true), msg.BodyStructure(false))
	if err != nil {
		return 0, errors.Wrap(err, "failed to store message")
	}
	physID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, f := range msg.HeaderFields() {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_headers (message_id, position, name, value) VALUES (?, ?, ?, ?)",
			physID, i, f.Name, f.Value); err != nil {
			return 0, errors.Wrap(err, "failed to store header")
		}
	}

	seq, err := bumpSeq(ctx, tx, mailboxID)
	if err != nil {
		return 0, err
	}
	sys, kw := flags.Apply(models.Flags{}, nil)
	uid, err := insertRow(ctx, tx, mailboxID, physID, sys, kw, seq)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	m.log.WithFields(log.Fields{"user_id": ownerID, "mailbox_id": mailboxID, "uid": uid}).Debug("message appended")
	return uid, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, mailboxID, physID int64, f models.Flags, kw []string, seq uint64) (uint32, error) {
	uid, err := allocateUID(ctx, tx, mailboxID)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_mailbox
			(mailbox_id, message_id, uid, seen, answered, deleted, flagged, draft, recent, keywords, modseq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?)
	`, mailboxID, physID, uid,
		f[models.FlagSeen], f[models.FlagAnswered], f[models.FlagDeleted], f[models.FlagFlagged], f[models.FlagDraft],
		encodeKeywords(kw), seq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to add message to mailbox")
	}
	return uid, nil
}

// liveRows loads the live rows of a mailbox restricted to uids. A nil uids
// selects every live row.
func liveRows(ctx context.Context, q rowQueryer, mailboxID int64, uids []uint32) ([]models.MessageInfo, error) {
	rows, err := loadRows(ctx, q, mailboxID, "mm.status = 0", nil)
	if err != nil || uids == nil {
		return rows, err
	}
	want := make(map[uint32]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}
	out := rows[:0]
	for _, r := range rows {
		if _, ok := want[r.UID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func liveUIDs(ctx context.Context, q rowQueryer, mailboxID int64) ([]uint32, error) {
	rows, err := liveRows(ctx, q, mailboxID, nil)
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, len(rows))
	for i, r := range rows {
		uids[i] = r.UID
	}
	return uids, nil
}

// copyWithin duplicates rows between two mailboxes of the same user. The
// copies share the physical message.
func (m *DBManager) copyWithin(ctx context.Context, tx *sql.Tx, srcID, dstID int64, uids []uint32) (CopyResult, error) {
	var res CopyResult
	rows, err := liveRows(ctx, tx, srcID, uids)
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, nil
	}
	seq, err := bumpSeq(ctx, tx, dstID)
	if err != nil {
		return res, err
	}
	for _, r := range rows {
		uid, err := insertRow(ctx, tx, dstID, r.PhysID, r.Flags, r.Keywords, seq)
		if err != nil {
			return res, err
		}
		res.Source = append(res.Source, r.UID)
		res.Dest = append(res.Dest, uid)
	}
	return res, nil
}

// CopyMessages copies uids of one mailbox into another, possibly owned by
// a different user.
func (m *DBManager) CopyMessages(ctx context.Context, srcOwner, srcMailbox int64, uids []uint32, dstOwner, dstMailbox int64) (CopyResult, error) {
	if srcOwner != dstOwner {
		return m.copyAcross(ctx, srcOwner, srcMailbox, uids, dstOwner, dstMailbox)
	}
	if err := m.checkQuota(ctx, dstOwner, 0); err != nil {
		return CopyResult{}, err
	}
	db, err := m.userDB(ctx, srcOwner)
	if err != nil {
		return CopyResult{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return CopyResult{}, err
	}
	defer tx.Rollback()

	dst, err := selectableMailbox(ctx, tx, dstOwner, dstMailbox)
	if err != nil {
		return CopyResult{}, err
	}
	res, err := m.copyWithin(ctx, tx, srcMailbox, dstMailbox, uids)
	if err != nil {
		return res, err
	}
	res.UIDValidity = dst.UIDValidity
	return res, tx.Commit()
}

// copyAcross re-appends each message, since physical rows live in the
// owner's own database.
func (m *DBManager) copyAcross(ctx context.Context, srcOwner, srcMailbox int64, uids []uint32, dstOwner, dstMailbox int64) (CopyResult, error) {
	var res CopyResult
	db, err := m.userDB(ctx, srcOwner)
	if err != nil {
		return res, err
	}
	dst, err := m.GetMailboxByID(ctx, dstOwner, dstMailbox)
	if err != nil {
		return res, err
	}
	res.UIDValidity = dst.UIDValidity
	rows, err := liveRows(ctx, db, srcMailbox, uids)
	if err != nil {
		return res, err
	}
	for _, r := range rows {
		raw, err := m.MessageRaw(ctx, srcOwner, r.PhysID)
		if err != nil {
			return res, err
		}
		update := models.FlagUpdate{Op: models.StoreReplace, System: r.Flags, Keywords: r.Keywords}
		uid, err := m.AppendMessage(ctx, dstOwner, dstMailbox, raw, update, r.InternalDate)
		if err != nil {
			return res, err
		}
		res.Source = append(res.Source, r.UID)
		res.Dest = append(res.Dest, uid)
	}
	return res, nil
}

// MoveMessages copies uids and expunges them from the source.
func (m *DBManager) MoveMessages(ctx context.Context, srcOwner, srcMailbox int64, uids []uint32, dstOwner, dstMailbox int64) (CopyResult, error) {
	if srcOwner != dstOwner {
		res, err := m.copyAcross(ctx, srcOwner, srcMailbox, uids, dstOwner, dstMailbox)
		if err != nil {
			return res, err
		}
		_, err = m.Expunge(ctx, srcOwner, srcMailbox, res.Source, false)
		return res, err
	}

	db, err := m.userDB(ctx, srcOwner)
	if err != nil {
		return CopyResult{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return CopyResult{}, err
	}
	defer tx.Rollback()

	dst, err := selectableMailbox(ctx, tx, dstOwner, dstMailbox)
	if err != nil {
		return CopyResult{}, err
	}
	res, err := m.copyWithin(ctx, tx, srcMailbox, dstMailbox, uids)
	if err != nil {
		return res, err
	}
	res.UIDValidity = dst.UIDValidity
	var keys []string
	if len(res.Source) > 0 {
		if _, keys, err = expungeRows(ctx, tx, srcMailbox, res.Source, false); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	m.deleteBlobs(ctx, keys)
	return res, nil
}

// Expunge removes messages from a mailbox. With onlyDeleted only rows
// carrying \Deleted are removed. A nil uids means every row. The expunged
// uids are returned in ascending order.
func (m *DBManager) Expunge(ctx context.Context, ownerID, mailboxID int64, uids []uint32, onlyDeleted bool) ([]uint32, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	expunged, keys, err := expungeRows(ctx, tx, mailboxID, uids, onlyDeleted)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.deleteBlobs(ctx, keys)
	return expunged, nil
}

// expungeRows marks rows expunged and drops physical messages nothing
// references any more. It returns the blob keys that became unreferenced;
// callers delete them after commit.
func expungeRows(ctx context.Context, tx *sql.Tx, mailboxID int64, uids []uint32, onlyDeleted bool) ([]uint32, []string, error) {
	rows, err := liveRows(ctx, tx, mailboxID, uids)
	if err != nil {
		return nil, nil, err
	}
	var targets []models.MessageInfo
	for _, r := range rows {
		if onlyDeleted && !r.Flags[models.FlagDeleted] {
			continue
		}
		targets = append(targets, r)
	}
	if len(targets) == 0 {
		return nil, nil, nil
	}

	seq, err := bumpSeq(ctx, tx, mailboxID)
	if err != nil {
		return nil, nil, err
	}
	var expunged []uint32
	physIDs := make([]int64, 0, len(targets))
	for _, r := range targets {
		_, err := tx.ExecContext(ctx, `
			UPDATE message_mailbox SET status = 2, modseq = ?, message_id = NULL, recent = FALSE
			WHERE mailbox_id = ? AND uid = ?
		`, seq, mailboxID, r.UID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to expunge message")
		}
		expunged = append(expunged, r.UID)
		physIDs = append(physIDs, r.PhysID)
	}
	keys, err := collectOrphans(ctx, tx, physIDs)
	return expunged, keys, err
}

// detachMessages deletes the rows matching where and cleans up what they
// referenced.
func detachMessages(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT DISTINCT message_id FROM message_mailbox WHERE message_id IS NOT NULL AND "+where, args...)
	if err != nil {
		return nil, err
	}
	var physIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		physIDs = append(physIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM message_mailbox WHERE "+where, args...); err != nil {
		return nil, err
	}
	return collectOrphans(ctx, tx, physIDs)
}

func collectOrphans(ctx context.Context, tx *sql.Tx, physIDs []int64) ([]string, error) {
	var keys []string
	seen := make(map[int64]bool, len(physIDs))
	for _, id := range physIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		var refs int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM message_mailbox WHERE message_id = ?", id).Scan(&refs); err != nil {
			return nil, err
		}
		if refs > 0 {
			continue
		}
		var key string
		err := tx.QueryRowContext(ctx, "SELECT blob_key FROM messages WHERE id = ?", id).Scan(&key)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return nil, err
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE blob_key = ?", key).Scan(&refs); err != nil {
			return nil, err
		}
		if refs == 0 {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// deleteBlobs is best effort: an orphaned blob wastes space but breaks
// nothing.
func (m *DBManager) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := m.blobs.Delete(ctx, key); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("failed to delete blob")
		}
	}
}

// SetFlags applies update to uids. Rows whose modseq exceeds a non-zero
// unchangedSince are left alone and reported as failed. The returned rows
// carry the flags and modseq of every other addressed message, changed or
// not.
func (m *DBManager) SetFlags(ctx context.Context, ownerID, mailboxID int64, uids []uint32, update models.FlagUpdate, unchangedSince uint64) ([]models.MessageInfo, []uint32, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := liveRows(ctx, tx, mailboxID, uids)
	if err != nil {
		return nil, nil, err
	}

	var (
		results []models.MessageInfo
		failed  []uint32
		seq     uint64
	)
	for _, r := range rows {
		if unchangedSince > 0 && r.Modseq > unchangedSince {
			failed = append(failed, r.UID)
			continue
		}
		flags, kw := update.Apply(r.Flags, r.Keywords)
		if flags == r.Flags && models.SameKeywords(kw, r.Keywords) {
			results = append(results, r)
			continue
		}
		if seq == 0 {
			if seq, err = bumpSeq(ctx, tx, mailboxID); err != nil {
				return nil, nil, err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE message_mailbox
			SET seen = ?, answered = ?, deleted = ?, flagged = ?, draft = ?, keywords = ?, modseq = ?
			WHERE mailbox_id = ? AND uid = ?
		`, flags[models.FlagSeen], flags[models.FlagAnswered], flags[models.FlagDeleted],
			flags[models.FlagFlagged], flags[models.FlagDraft], encodeKeywords(kw), seq, mailboxID, r.UID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to update flags")
		}
		r.Flags, r.Keywords, r.Modseq = flags, kw, seq
		results = append(results, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return results, failed, nil
}

// SetFlag sets or clears one system flag of one message.
func (m *DBManager) SetFlag(ctx context.Context, ownerID, mailboxID int64, uid uint32, flag models.Flag, value bool) (models.MessageInfo, error) {
	update := models.FlagUpdate{Op: models.StoreAdd}
	if !value {
		update.Op = models.StoreRemove
	}
	update.System[flag] = true
	rows, _, err := m.SetFlags(ctx, ownerID, mailboxID, []uint32{uid}, update, 0)
	if err != nil {
		return models.MessageInfo{}, err
	}
	if len(rows) == 0 {
		return models.MessageInfo{}, errors.Wrap(ErrNotFound, "message")
	}
	return rows[0], nil
}

// FetchPhysMessageID maps a uid onto its physical message id.
func (m *DBManager) FetchPhysMessageID(ctx context.Context, ownerID, mailboxID int64, uid uint32) (int64, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	var id sql.NullInt64
	err = db.QueryRowContext(ctx,
		"SELECT message_id FROM message_mailbox WHERE mailbox_id = ? AND uid = ? AND status = 0",
		mailboxID, uid).Scan(&id)
	if err == sql.ErrNoRows || (err == nil && !id.Valid) {
		return 0, errors.Wrapf(ErrNotFound, "uid %d", uid)
	}
	return id.Int64, err
}

// MessageRaw loads the full RFC 822 text of a physical message.
func (m *DBManager) MessageRaw(ctx context.Context, ownerID, physID int64) ([]byte, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var key string
	err = db.QueryRowContext(ctx, "SELECT blob_key FROM messages WHERE id = ?", physID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "message %d", physID)
	}
	if err != nil {
		return nil, err
	}
	return m.blobs.Get(ctx, key)
}

// FetchStructure returns the cached BODYSTRUCTURE (extended) or BODY
// string of a physical message.
func (m *DBManager) FetchStructure(ctx context.Context, ownerID, physID int64, extended bool) (string, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return "", err
	}
	column := "body"
	if extended {
		column = "bodystructure"
	}
	var s string
	err = db.QueryRowContext(ctx, "SELECT "+column+" FROM messages WHERE id = ?", physID).Scan(&s)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(ErrNotFound, "message %d", physID)
	}
	return s, err
}

// FetchHeaderBatch returns the cached header fields of every live message
// with lo <= uid <= hi, in one query. With names set only those fields
// are returned.
func (m *DBManager) FetchHeaderBatch(ctx context.Context, ownerID, mailboxID int64, lo, hi uint32, names []string) (map[uint32][]mime.Field, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT mm.uid, h.name, h.value
		FROM message_mailbox mm JOIN message_headers h ON h.message_id = mm.message_id
		WHERE mm.mailbox_id = ? AND mm.status = 0 AND mm.uid BETWEEN ? AND ?
		ORDER BY mm.uid, h.position
	`, mailboxID, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keep map[string]bool
	if names != nil {
		keep = make(map[string]bool, len(names))
		for _, n := range names {
			keep[strings.ToLower(n)] = true
		}
	}
	out := make(map[uint32][]mime.Field)
	for rows.Next() {
		var uid uint32
		var f mime.Field
		if err := rows.Scan(&uid, &f.Name, &f.Value); err != nil {
			return nil, err
		}
		if keep != nil && !keep[strings.ToLower(f.Name)] {
			if _, ok := out[uid]; !ok {
				out[uid] = nil
			}
			continue
		}
		out[uid] = append(out[uid], f)
	}
	return out, rows.Err()
}

// FetchEnvelopeBatch returns the cached ENVELOPE strings of every live
// message with lo <= uid <= hi.
func (m *DBManager) FetchEnvelopeBatch(ctx context.Context, ownerID, mailboxID int64, lo, hi uint32) (map[uint32]string, error) {
	db, err := m.userDB(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT mm.uid, msg.envelope
		FROM message_mailbox mm JOIN messages msg ON msg.id = mm.message_id
		WHERE mm.mailbox_id = ? AND mm.status = 0 AND mm.uid BETWEEN ? AND ?
	`, mailboxID, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint32]string)
	for rows.Next() {
		var uid uint32
		var env string
		if err := rows.Scan(&uid, &env); err != nil {
			return nil, err
		}
		out[uid] = env
	}
	return out, rows.Err()
}
