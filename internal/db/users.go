package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// Password types stored with a user row.
const (
	PasswordBcrypt   = "bcrypt"
	PasswordPlain    = "plain"
	PasswordExternal = "external"
)

// User is an account row of the shared database.
type User struct {
	ID           int64
	Username     string
	Domain       string
	Password     string
	PasswordType string
	Enabled      bool
}

// NormalizeUsername lowercases a login and strips the default domain, so
// "Bob" and "bob@localhost" name the same account.
func NormalizeUsername(username string) string {
	u := strings.ToLower(strings.TrimSpace(username))
	return strings.TrimSuffix(u, "@"+DefaultDomain)
}

func splitDomain(username string) string {
	if i := strings.LastIndexByte(username, '@'); i >= 0 {
		return username[i+1:]
	}
	return DefaultDomain
}

// GetOrCreateDomain returns the id of domain, creating it when missing.
func (m *DBManager) GetOrCreateDomain(ctx context.Context, domain string) (int64, error) {
	domain = strings.ToLower(domain)
	var id int64
	err := m.sharedDB.QueryRowContext(ctx, "SELECT id FROM domains WHERE domain = ?", domain).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	result, err := m.sharedDB.ExecContext(ctx, "INSERT INTO domains (domain) VALUES (?)", domain)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create domain")
	}
	return result.LastInsertId()
}

// CreateUser adds an account. password is stored as given; hashing is the
// caller's concern.
func (m *DBManager) CreateUser(ctx context.Context, username, password, passwordType string) (int64, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return 0, errors.New("username cannot be empty")
	}
	domainID, err := m.GetOrCreateDomain(ctx, splitDomain(username))
	if err != nil {
		return 0, err
	}
	result, err := m.sharedDB.ExecContext(ctx, `
		INSERT INTO users (username, domain_id, password, password_type)
		VALUES (?, ?, ?, ?)
	`, username, domainID, password, passwordType)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrap(ErrExists, username)
		}
		return 0, errors.Wrap(err, "failed to create user")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := m.GetUserDB(id); err != nil {
		return 0, err
	}
	m.log.WithField("user", username).Info("user created")
	return id, nil
}

// EnsureUser returns the id of username, provisioning an externally
// authenticated account when it does not exist yet.
func (m *DBManager) EnsureUser(ctx context.Context, username string) (int64, error) {
	u, err := m.GetUser(ctx, username)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	id, err := m.CreateUser(ctx, username, "", PasswordExternal)
	if errors.Is(err, ErrExists) {
		u, err := m.GetUser(ctx, username)
		if err != nil {
			return 0, err
		}
		return u.ID, nil
	}
	return id, err
}

// GetUser looks an account up by login name.
func (m *DBManager) GetUser(ctx context.Context, username string) (*User, error) {
	username = NormalizeUsername(username)
	return m.scanUser(m.sharedDB.QueryRowContext(ctx, `
		SELECT u.id, u.username, d.domain, u.password, u.password_type, u.enabled
		FROM users u JOIN domains d ON d.id = u.domain_id
		WHERE u.username = ?
	`, username), username)
}

// GetUserByID looks an account up by id.
func (m *DBManager) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return m.scanUser(m.sharedDB.QueryRowContext(ctx, `
		SELECT u.id, u.username, d.domain, u.password, u.password_type, u.enabled
		FROM users u JOIN domains d ON d.id = u.domain_id
		WHERE u.id = ?
	`, id), "user")
}

func (m *DBManager) scanUser(row *sql.Row, what string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Domain, &u.Password, &u.PasswordType, &u.Enabled)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, what)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetPassword replaces the stored password of username.
func (m *DBManager) SetPassword(ctx context.Context, username, password, passwordType string) error {
	result, err := m.sharedDB.ExecContext(ctx,
		"UPDATE users SET password = ?, password_type = ? WHERE username = ?",
		password, passwordType, NormalizeUsername(username))
	if err != nil {
		return err
	}
	return requireRow(result, username)
}

// DeleteUser removes the account together with its database, ACL entries
// and scripts.
func (m *DBManager) DeleteUser(ctx context.Context, username string) error {
	u, err := m.GetUser(ctx, username)
	if err != nil {
		return err
	}
	tx, err := m.sharedDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mailbox_acl WHERE owner_id = ? OR grantee = ?", u.ID, u.Username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sieve_scripts WHERE user_id = ?", u.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", u.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.log.WithField("user", u.Username).Info("user deleted")
	return m.dropUserDB(u.ID)
}

// DomainEnabled reports whether mail for domain is accepted.
func (m *DBManager) DomainEnabled(ctx context.Context, domain string) (bool, error) {
	var enabled bool
	err := m.sharedDB.QueryRowContext(ctx, "SELECT enabled FROM domains WHERE domain = ?", strings.ToLower(domain)).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return enabled, err
}

func requireRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, what)
	}
	return nil
}
