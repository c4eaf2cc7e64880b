// Package conf loads the petrel configuration file.
package conf

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"petrel/internal/auth"
	"petrel/internal/blobstorage"
	"petrel/internal/delivery/config"
)

// SearchPaths are tried in order when no configuration file is named.
var SearchPaths = []string{
	"/etc/petrel/petrel.yaml",
	"./config/petrel.yaml",
	"./petrel.yaml",
}

// ServiceConfig holds the listener and session settings shared by the
// IMAP, POP3 and ManageSieve services. A zero port disables that listener;
// the implicit TLS listener also stays off until tls_cert is set.
type ServiceConfig struct {
	Port               int    `yaml:"port"`
	TLSPort            int    `yaml:"tls_port"`
	BindIP             string `yaml:"bindip"`
	Backlog            int    `yaml:"backlog"`
	EffectiveUser      string `yaml:"effective_user"`
	EffectiveGroup     string `yaml:"effective_group"`
	MaxMessageSize     int64  `yaml:"max_message_size"`
	Timeout            int    `yaml:"timeout"`       // seconds
	LoginTimeout       int    `yaml:"login_timeout"` // seconds
	MaxFaultyResponses int    `yaml:"max_faulty_responses"`
	TLSCert            string `yaml:"tls_cert"`
	TLSKey             string `yaml:"tls_key"`
	AllowPlaintext     bool   `yaml:"allow_plaintext"`
}

// IMAPConfig adds the mailbox reload strategy: 1 reloads the whole
// mailbox, 2 reads only changed rows.
type IMAPConfig struct {
	ServiceConfig         `yaml:",inline"`
	MailboxUpdateStrategy int `yaml:"mailbox_update_strategy"`
}

// SieveConfig adds the script limits of the ManageSieve service.
type SieveConfig struct {
	ServiceConfig `yaml:",inline"`
	MaxScriptSize int64 `yaml:"max_script_size"`
	Quota         int64 `yaml:"quota"`
	MaxScripts    int   `yaml:"max_scripts"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// MaxConnections bounds the IMAP worker pool, which runs the store calls.
	MaxConnections int `yaml:"max_connections"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warning, error
	Format string `yaml:"format"` // text, json, discard
	// SyslogAddress additionally ships entries to syslog; "local" uses the
	// local daemon, anything else is dialed over SyslogNetwork.
	SyslogAddress string `yaml:"syslog_address"`
	SyslogNetwork string `yaml:"syslog_network"`
}

type MetricsConfig struct {
	// Address of the prometheus endpoint; empty disables it.
	Address string `yaml:"address"`
}

type Config struct {
	Hostname    string                `yaml:"hostname"`
	IMAP        IMAPConfig            `yaml:"imap"`
	POP3        ServiceConfig         `yaml:"pop3"`
	Sieve       SieveConfig           `yaml:"sieve"`
	LMTP        config.LMTPConfig     `yaml:"lmtp"`
	Delivery    config.DeliveryConfig `yaml:"delivery"`
	Database    DatabaseConfig        `yaml:"database"`
	Auth        auth.Config           `yaml:"auth"`
	BlobStorage blobstorage.Config    `yaml:"blob_storage"`
	Logging     LoggingConfig         `yaml:"logging"`
	Metrics     MetricsConfig         `yaml:"metrics"`
}

func defaultService(port, tlsPort, timeout int) ServiceConfig {
	return ServiceConfig{
		Port:               port,
		TLSPort:            tlsPort,
		BindIP:             "0.0.0.0",
		Backlog:            128,
		MaxMessageSize:     52428800, // 50MB
		Timeout:            timeout,
		LoginTimeout:       60,
		MaxFaultyResponses: 5,
	}
}

// DefaultConfig returns the settings used for every key the file omits.
func DefaultConfig() *Config {
	return &Config{
		Hostname: "localhost",
		IMAP: IMAPConfig{
			ServiceConfig:         defaultService(143, 993, 1800),
			MailboxUpdateStrategy: 2,
		},
		POP3: defaultService(110, 995, 600),
		Sieve: SieveConfig{
			ServiceConfig: defaultService(4190, 0, 600),
			MaxScriptSize: 1 << 20,
		},
		LMTP:     config.DefaultLMTP(),
		Delivery: config.DefaultDelivery(),
		Database: DatabaseConfig{
			Path:           "/var/lib/petrel",
			MaxConnections: 8,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the file at path, or the first of SearchPaths that
// exists when path is empty. Without any file the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	if path != "" {
		b, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read configuration")
		}
		data = b
	} else {
		for _, p := range SearchPaths {
			b, err := os.ReadFile(filepath.Clean(p))
			if err == nil {
				data, path = b, p
				break
			}
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "failed to read %s", p)
			}
		}
		if data == nil {
			log.Warn("no configuration file found, using defaults")
			return cfg, cfg.Validate()
		}
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

func (s ServiceConfig) validate(name string) error {
	for key, port := range map[string]int{"port": s.Port, "tls_port": s.TLSPort} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s.%s: %d is not a valid port", name, key, port)
		}
	}
	if s.BindIP != "" && net.ParseIP(s.BindIP) == nil {
		return errors.Errorf("%s.bindip: %q is not an IP address", name, s.BindIP)
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return errors.Errorf("%s: tls_cert and tls_key must be set together", name)
	}
	if s.Timeout < 0 || s.LoginTimeout < 0 {
		return errors.Errorf("%s: timeouts must not be negative", name)
	}
	if s.MaxFaultyResponses < 0 {
		return errors.Errorf("%s.max_faulty_responses must not be negative", name)
	}
	if s.MaxMessageSize < 0 {
		return errors.Errorf("%s.max_message_size must not be negative", name)
	}
	return nil
}

// Validate reports the first invalid key.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname must not be empty")
	}
	if err := c.IMAP.validate("imap"); err != nil {
		return err
	}
	if s := c.IMAP.MailboxUpdateStrategy; s != 1 && s != 2 {
		return errors.Errorf("imap.mailbox_update_strategy: %d is neither 1 nor 2", s)
	}
	if err := c.POP3.validate("pop3"); err != nil {
		return err
	}
	if err := c.Sieve.validate("sieve"); err != nil {
		return err
	}
	if c.Sieve.MaxScriptSize <= 0 {
		return errors.New("sieve.max_script_size must be positive")
	}
	if c.Sieve.Quota < 0 || c.Sieve.MaxScripts < 0 {
		return errors.New("sieve: quota and max_scripts must not be negative")
	}
	if err := c.LMTP.Validate(); err != nil {
		return err
	}
	if err := c.Delivery.Validate(); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database.max_connections must be positive")
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.BlobStorage.Validate(); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "warning", "error":
	default:
		return errors.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "discard":
	default:
		return errors.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// Addr joins the bind address with port.
func (s ServiceConfig) Addr(port int) string {
	return net.JoinHostPort(s.BindIP, strconv.Itoa(port))
}

// TLSConfig loads the service certificate, or returns nil when none is
// configured.
func (s ServiceConfig) TLSConfig() (*tls.Config, error) {
	if s.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (s ServiceConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func (s ServiceConfig) LoginTimeoutDuration() time.Duration {
	return time.Duration(s.LoginTimeout) * time.Second
}
