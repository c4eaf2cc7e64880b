package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"petrel/internal/models"
)

// Anyone is the ACL identifier matching every authenticated user.
const Anyone = "anyone"

// SharedMailbox is an ACL entry granting the grantee access to a mailbox
// of another user.
type SharedMailbox struct {
	OwnerID   int64
	MailboxID int64
	Rights    models.Rights
}

// GetACL returns the access list of a mailbox keyed by grantee. The owner
// is not listed; it implicitly holds every right.
func (m *DBManager) GetACL(ctx context.Context, ownerID, mailboxID int64) (map[string]models.Rights, error) {
	rows, err := m.sharedDB.QueryContext(ctx,
		"SELECT grantee, rights FROM mailbox_acl WHERE owner_id = ? AND mailbox_id = ? ORDER BY grantee",
		ownerID, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.Rights)
	for rows.Next() {
		var grantee, rights string
		if err := rows.Scan(&grantee, &rights); err != nil {
			return nil, err
		}
		out[grantee] = models.Rights(rights)
	}
	return out, rows.Err()
}

// SetACL replaces the rights of grantee. Empty rights remove the entry.
func (m *DBManager) SetACL(ctx context.Context, ownerID, mailboxID int64, grantee string, rights models.Rights) error {
	if rights == "" {
		return m.DeleteACL(ctx, ownerID, mailboxID, grantee)
	}
	_, err := m.sharedDB.ExecContext(ctx, `
		INSERT INTO mailbox_acl (owner_id, mailbox_id, grantee, rights) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, mailbox_id, grantee) DO UPDATE SET rights = excluded.rights
	`, ownerID, mailboxID, normalizeGrantee(grantee), string(rights))
	return errors.Wrap(err, "failed to set acl")
}

// DeleteACL removes the entry of grantee.
func (m *DBManager) DeleteACL(ctx context.Context, ownerID, mailboxID int64, grantee string) error {
	_, err := m.sharedDB.ExecContext(ctx,
		"DELETE FROM mailbox_acl WHERE owner_id = ? AND mailbox_id = ? AND grantee = ?",
		ownerID, mailboxID, normalizeGrantee(grantee))
	return err
}

// RightsFor returns the rights grantee holds on a mailbox of another user,
// including those granted to anyone.
func (m *DBManager) RightsFor(ctx context.Context, ownerID, mailboxID int64, grantee string) (models.Rights, error) {
	var out models.Rights
	for _, who := range []string{normalizeGrantee(grantee), Anyone} {
		var rights string
		err := m.sharedDB.QueryRowContext(ctx,
			"SELECT rights FROM mailbox_acl WHERE owner_id = ? AND mailbox_id = ? AND grantee = ?",
			ownerID, mailboxID, who).Scan(&rights)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", err
		}
		out = out.Union(models.Rights(rights))
	}
	return out, nil
}

// SharedWith lists the mailboxes of other users on which grantee holds
// any right.
func (m *DBManager) SharedWith(ctx context.Context, granteeID int64, grantee string) ([]SharedMailbox, error) {
	rows, err := m.sharedDB.QueryContext(ctx, `
		SELECT owner_id, mailbox_id, rights FROM mailbox_acl
		WHERE (grantee = ? OR grantee = ?) AND owner_id != ?
		ORDER BY owner_id, mailbox_id
	`, normalizeGrantee(grantee), Anyone, granteeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SharedMailbox
	for rows.Next() {
		var s SharedMailbox
		var rights string
		if err := rows.Scan(&s.OwnerID, &s.MailboxID, &rights); err != nil {
			return nil, err
		}
		s.Rights = models.Rights(rights)
		if n := len(out); n > 0 && out[n-1].OwnerID == s.OwnerID && out[n-1].MailboxID == s.MailboxID {
			out[n-1].Rights = out[n-1].Rights.Union(s.Rights)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func normalizeGrantee(grantee string) string {
	return NormalizeUsername(grantee)
}
