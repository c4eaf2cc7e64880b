package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "petrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 143, cfg.IMAP.Port)
	assert.Equal(t, 995, cfg.POP3.TLSPort)
	assert.Equal(t, 4190, cfg.Sieve.Port)
	assert.Equal(t, 2, cfg.IMAP.MailboxUpdateStrategy)
	assert.Equal(t, "INBOX", cfg.Delivery.DefaultFolder)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
hostname: mail.example.com
imap:
  port: 1143
  tls_port: 0
  mailbox_update_strategy: 1
  allow_plaintext: true
pop3:
  port: 0
  tls_port: 0
sieve:
  quota: 4096
  max_scripts: 3
database:
  path: /tmp/petrel
auth:
  driver: jwt
  jwt_secret: s3cret
blob_storage:
  enabled: true
  bucket: mail
  region: us-east-1
  use_path_style: true
logging:
  level: debug
  format: json
metrics:
  address: 127.0.0.1:9100
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.Hostname)
	assert.Equal(t, 1143, cfg.IMAP.Port)
	assert.Equal(t, 0, cfg.IMAP.TLSPort)
	assert.True(t, cfg.IMAP.AllowPlaintext)
	assert.Equal(t, 1, cfg.IMAP.MailboxUpdateStrategy)
	// untouched keys keep their defaults
	assert.Equal(t, 1800, cfg.IMAP.Timeout)
	assert.Equal(t, "0.0.0.0", cfg.IMAP.BindIP)
	assert.Equal(t, int64(4096), cfg.Sieve.Quota)
	assert.Equal(t, 3, cfg.Sieve.MaxScripts)
	assert.Equal(t, int64(1<<20), cfg.Sieve.MaxScriptSize)
	assert.Equal(t, "/tmp/petrel", cfg.Database.Path)
	assert.Equal(t, "jwt", cfg.Auth.Driver)
	assert.True(t, cfg.BlobStorage.UsePathStyle)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)
	assert.Equal(t, "127.0.0.1:24", cfg.LMTP.TCPAddress)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "imap:\n  prot: 143\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigSearchPaths(t *testing.T) {
	saved := SearchPaths
	t.Cleanup(func() { SearchPaths = saved })

	dir := t.TempDir()
	SearchPaths = []string{filepath.Join(dir, "missing.yaml")}
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Hostname)

	found := writeConfig(t, "hostname: found.example\n")
	SearchPaths = []string{filepath.Join(dir, "missing.yaml"), found}
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "found.example", cfg.Hostname)
}

func TestValidateNamesKey(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"strategy", func(c *Config) { c.IMAP.MailboxUpdateStrategy = 3 }, "imap.mailbox_update_strategy"},
		{"port", func(c *Config) { c.POP3.Port = 70000 }, "pop3.port"},
		{"bindip", func(c *Config) { c.Sieve.BindIP = "nowhere" }, "sieve.bindip"},
		{"cert without key", func(c *Config) { c.IMAP.TLSKey = "" }, "imap: tls_cert and tls_key"},
		{"database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"auth", func(c *Config) { c.Auth.Driver = "ldap" }, "auth.driver"},
		{"blob storage", func(c *Config) { c.BlobStorage.Enabled = true }, "blob_storage.bucket"},
		{"lmtp", func(c *Config) { c.LMTP.MaxRecipients = 0 }, "lmtp.max_recipients"},
		{"logging", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"script size", func(c *Config) { c.Sieve.MaxScriptSize = 0 }, "sieve.max_script_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.IMAP.TLSCert, cfg.IMAP.TLSKey = "cert.pem", "key.pem"
			tt.mutate(cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.key)
			}
		})
	}
}

func TestServiceAddr(t *testing.T) {
	s := ServiceConfig{BindIP: "::1"}
	assert.Equal(t, "[::1]:143", s.Addr(143))
	cfg, err := s.TLSConfig()
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSampleConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "petrel.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.Hostname)
	assert.Equal(t, []string{"example.com"}, cfg.Delivery.AllowedDomains)
	assert.Equal(t, int64(1073741824), cfg.Delivery.Quota())
	assert.Equal(t, "petrel", cfg.IMAP.EffectiveUser)
}
