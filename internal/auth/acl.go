package auth

import (
	"context"

	"petrel/internal/db"
	"petrel/internal/models"
)

// ACL evaluates RFC 4314 rights on mailbox snapshots.
type ACL struct {
	store *db.DBManager
}

// NewACL returns an evaluator over store.
func NewACL(store *db.DBManager) *ACL {
	return &ACL{store: store}
}

// Rights returns the rights userID holds on the mailbox of st. The owner
// holds every right.
func (a *ACL) Rights(ctx context.Context, st *models.MailboxState, userID int64) (models.Rights, error) {
	return a.RightsOn(ctx, st.OwnerID, st.ID, userID)
}

// RightsOn is Rights for a mailbox that is not loaded.
func (a *ACL) RightsOn(ctx context.Context, ownerID, mailboxID, userID int64) (models.Rights, error) {
	if ownerID == userID {
		return models.AllRights, nil
	}
	u, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return a.store.RightsFor(ctx, ownerID, mailboxID, u.Username)
}

// HasRight reports whether userID holds right on the mailbox of st.
func (a *ACL) HasRight(ctx context.Context, st *models.MailboxState, userID int64, right models.Right) (bool, error) {
	rights, err := a.Rights(ctx, st, userID)
	if err != nil {
		return false, err
	}
	return rights.Has(right), nil
}
