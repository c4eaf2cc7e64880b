package db

import (
	"context"

	"github.com/pkg/errors"
)

// Usage is the storage accounted to one user.
type Usage struct {
	Bytes    int64
	Messages int64
}

// QuotaLimit returns the per-user storage limit in bytes, zero when
// unlimited.
func (m *DBManager) QuotaLimit() int64 {
	return m.quota
}

// QuotaUsage sums the size of every live message of the user. A message
// present in two mailboxes counts twice.
func (m *DBManager) QuotaUsage(ctx context.Context, userID int64) (Usage, error) {
	db, err := m.userDB(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(msg.size), 0), COUNT(*)
		FROM message_mailbox mm JOIN messages msg ON msg.id = mm.message_id
		WHERE mm.status = 0
	`).Scan(&u.Bytes, &u.Messages)
	return u, err
}

func (m *DBManager) checkQuota(ctx context.Context, userID int64, extra int64) error {
	if m.quota <= 0 {
		return nil
	}
	u, err := m.QuotaUsage(ctx, userID)
	if err != nil {
		return err
	}
	if u.Bytes+extra > m.quota {
		return errors.Wrapf(ErrQuotaExceeded, "%d of %d bytes used", u.Bytes, m.quota)
	}
	return nil
}
