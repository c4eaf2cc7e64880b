package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/blobstorage"
)

var (
	// ErrNotFound is returned when a user, mailbox, message or script is missing.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating something that already exists.
	ErrExists = errors.New("already exists")
	// ErrQuotaExceeded is returned when a delivery or append would exceed the quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNotAllowed is returned for operations the store refuses, such as
	// deleting INBOX.
	ErrNotAllowed = errors.New("operation not allowed")
)

// DefaultDomain is the domain of logins given without one.
const DefaultDomain = "localhost"

// DBManager manages the shared database, the per-user databases, the blob
// store and the cache of published mailbox snapshots.
type DBManager struct {
	basePath    string
	sharedDB    *sql.DB
	userDBCache map[int64]*sql.DB
	cacheMutex  sync.RWMutex

	blobs     blobstorage.Store
	states    *StateCache
	usernames sync.Map
	quota     int64
	log       *log.Entry
}

// Option configures a DBManager.
type Option func(*DBManager)

// WithBlobStore replaces the default SQLite blob store.
func WithBlobStore(s blobstorage.Store) Option {
	return func(m *DBManager) { m.blobs = s }
}

// WithQuota limits the storage of each user to limit bytes. Zero means
// unlimited.
func WithQuota(limit int64) Option {
	return func(m *DBManager) { m.quota = limit }
}

// NewDBManager opens (creating when needed) the databases under basePath.
func NewDBManager(basePath string, opts ...Option) (*DBManager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	manager := &DBManager{
		basePath:    basePath,
		userDBCache: make(map[int64]*sql.DB),
		states:      NewStateCache(),
		log:         log.WithField("component", "store"),
	}
	for _, opt := range opts {
		opt(manager)
	}

	if err := manager.initSharedDB(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize shared database")
	}
	if manager.blobs == nil {
		store, err := blobstorage.NewSQLiteStore(manager.sharedDB)
		if err != nil {
			_ = manager.sharedDB.Close()
			return nil, err
		}
		manager.blobs = store
	}
	return manager, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer per file; transactions would otherwise contend for the lock.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// GetSharedDB returns the shared database connection.
func (m *DBManager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// Blobs returns the blob store.
func (m *DBManager) Blobs() blobstorage.Store {
	return m.blobs
}

// States returns the snapshot cache.
func (m *DBManager) States() *StateCache {
	return m.states
}

// GetUserDB returns the database of one user, creating its schema and
// default mailboxes on first use.
func (m *DBManager) GetUserDB(userID int64) (*sql.DB, error) {
	m.cacheMutex.RLock()
	if db, exists := m.userDBCache[userID]; exists {
		m.cacheMutex.RUnlock()
		return db, nil
	}
	m.cacheMutex.RUnlock()

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	// Double-check after acquiring write lock
	if db, exists := m.userDBCache[userID]; exists {
		return db, nil
	}

	dbPath := m.getUserDBPath(userID)
	exists := false
	if _, err := os.Stat(dbPath); err == nil {
		exists = true
	}

	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open user database")
	}

	if !exists {
		if err := m.initUserDB(db); err != nil {
			_ = db.Close()
			_ = os.Remove(dbPath)
			return nil, errors.Wrap(err, "failed to initialize user database")
		}
		m.log.WithField("user_id", userID).Debug("created user database")
	}

	m.userDBCache[userID] = db
	return db, nil
}

func (m *DBManager) userDB(ctx context.Context, userID int64) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.GetUserDB(userID)
}

func (m *DBManager) initSharedDB() error {
	db, err := openSQLite(filepath.Join(m.basePath, "shared.db"))
	if err != nil {
		return err
	}
	if err := execAll(db, sharedSchema); err != nil {
		_ = db.Close()
		return err
	}
	if err := execAll(db, sharedIndexes); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "failed to create shared indexes")
	}
	m.sharedDB = db
	return nil
}

func (m *DBManager) initUserDB(db *sql.DB) error {
	if err := execAll(db, userSchema); err != nil {
		return err
	}
	if err := execAll(db, userIndexes); err != nil {
		return errors.Wrap(err, "failed to create user indexes")
	}
	return createDefaultMailboxes(db)
}

func execAll(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (m *DBManager) getUserDBPath(userID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("user_db_%d.db", userID))
}

// dropUserDB closes and removes the database file of a deleted user.
func (m *DBManager) dropUserDB(userID int64) error {
	m.cacheMutex.Lock()
	db, ok := m.userDBCache[userID]
	delete(m.userDBCache, userID)
	m.cacheMutex.Unlock()
	if ok {
		_ = db.Close()
	}
	m.states.DropOwner(userID)
	err := os.Remove(m.getUserDBPath(userID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(m.getUserDBPath(userID) + suffix)
	}
	return nil
}

// Close closes all database connections.
func (m *DBManager) Close() error {
	var lastErr error

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	for userID, db := range m.userDBCache {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.userDBCache, userID)
	}

	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// createDefaultMailboxes creates default mailboxes for a new user
func createDefaultMailboxes(db *sql.DB) error {
	defaultMailboxes := []struct {
		name       string
		specialUse string
	}{
		{"INBOX", ""},
		{"Sent", "\\Sent"},
		{"Drafts", "\\Drafts"},
		{"Trash", "\\Trash"},
	}

	for _, mbx := range defaultMailboxes {
		if _, err := createMailbox(db, mbx.name, mbx.specialUse); err != nil {
			return errors.Wrapf(err, "failed to create mailbox %s", mbx.name)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
