package db

var sharedSchema = []string{
	`CREATE TABLE IF NOT EXISTS domains (
		id INTEGER PRIMARY KEY,
		domain TEXT NOT NULL UNIQUE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		domain_id INTEGER NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		password_type TEXT NOT NULL DEFAULT 'bcrypt',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (domain_id) REFERENCES domains(id)
	);`,
	`CREATE TABLE IF NOT EXISTS mailbox_acl (
		id INTEGER PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		mailbox_id INTEGER NOT NULL,
		grantee TEXT NOT NULL,
		rights TEXT NOT NULL,
		FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
		UNIQUE(owner_id, mailbox_id, grantee)
	);`,
	`CREATE TABLE IF NOT EXISTS sieve_scripts (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		script TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		UNIQUE(user_id, name)
	);`,
}

var sharedIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_users_domain ON users(domain_id)",
	"CREATE INDEX IF NOT EXISTS idx_mailbox_acl_grantee ON mailbox_acl(grantee)",
}
