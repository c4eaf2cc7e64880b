package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Every table of a user database belongs to that one user, so none of them
// carries a user_id column.
var userSchema = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		uid_validity INTEGER NOT NULL,
		uid_next INTEGER NOT NULL DEFAULT 1,
		seq INTEGER NOT NULL DEFAULT 0,
		special_use TEXT NOT NULL DEFAULT '',
		no_select BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		blob_key TEXT NOT NULL,
		size INTEGER NOT NULL,
		internal_date INTEGER NOT NULL,
		envelope TEXT NOT NULL,
		bodystructure TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,
	// status 0 is live, 2 is expunged. Expunged rows are kept so diff
	// reloads can observe the removal.
	`CREATE TABLE IF NOT EXISTS message_mailbox (
		id INTEGER PRIMARY KEY,
		mailbox_id INTEGER NOT NULL,
		message_id INTEGER,
		uid INTEGER NOT NULL,
		seen BOOLEAN NOT NULL DEFAULT FALSE,
		answered BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		draft BOOLEAN NOT NULL DEFAULT FALSE,
		recent BOOLEAN NOT NULL DEFAULT TRUE,
		keywords TEXT NOT NULL DEFAULT '',
		modseq INTEGER NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE SET NULL,
		UNIQUE(mailbox_id, uid)
	);`,
	`CREATE TABLE IF NOT EXISTS message_headers (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		mailbox_name TEXT NOT NULL UNIQUE,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,
}

var userIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_message_mailbox_modseq ON message_mailbox(mailbox_id, modseq)",
	"CREATE INDEX IF NOT EXISTS idx_message_mailbox_message ON message_mailbox(message_id)",
	"CREATE INDEX IF NOT EXISTS idx_message_headers_message ON message_headers(message_id, position)",
	"CREATE INDEX IF NOT EXISTS idx_messages_blob ON messages(blob_key)",
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func createMailbox(db execer, name, specialUse string) (int64, error) {
	if name == "" {
		return 0, errors.New("mailbox name cannot be empty")
	}

	// UIDVALIDITY only has to change when a name is reused, a timestamp
	// does that.
	uidValidity := uint32(time.Now().Unix())

	result, err := db.Exec(`
		INSERT INTO mailboxes (name, uid_validity, uid_next, special_use)
		VALUES (?, ?, 1, ?)
	`, name, uidValidity, specialUse)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrap(ErrExists, name)
		}
		return 0, err
	}
	return result.LastInsertId()
}

func mailboxExists(db execer, name string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM mailboxes WHERE name = ?", name).Scan(&count)
	return count > 0, err
}

// canonicalName maps any case of INBOX onto INBOX. Other names are case
// sensitive.
func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// parentNames lists the hierarchy levels above name, outermost first.
func parentNames(name string) []string {
	parts := strings.Split(name, "/")
	var out []string
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "" {
			continue
		}
		out = append(out, strings.Join(parts[:i+1], "/"))
	}
	return out
}

// ensureParents creates the missing hierarchy levels above name.
func ensureParents(tx execer, name string) error {
	for _, parent := range parentNames(name) {
		exists, err := mailboxExists(tx, parent)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := createMailbox(tx, parent, ""); err != nil && !errors.Is(err, ErrExists) {
			return errors.Wrapf(err, "failed to create parent hierarchy %s", parent)
		}
	}
	return nil
}
