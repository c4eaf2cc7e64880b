// Package config holds the settings of the LMTP delivery service.
package config

import (
	"strings"

	"github.com/pkg/errors"
)

// LMTPConfig holds LMTP server configuration
type LMTPConfig struct {
	UnixSocket    string `yaml:"unix_socket"`
	TCPAddress    string `yaml:"tcp_address"`
	MaxSize       int64  `yaml:"max_size"`       // Maximum message size in bytes
	Timeout       int    `yaml:"timeout"`        // Connection timeout in seconds
	Hostname      string `yaml:"hostname"`       // Server hostname for LHLO
	MaxRecipients int    `yaml:"max_recipients"` // Maximum recipients per transaction
}

// DeliveryConfig holds delivery-specific configuration
type DeliveryConfig struct {
	DefaultFolder     string   `yaml:"default_folder"`
	QuotaEnabled      bool     `yaml:"quota_enabled"`
	QuotaLimit        int64    `yaml:"quota_limit"` // bytes per user
	AllowedDomains    []string `yaml:"allowed_domains"`
	RejectUnknownUser bool     `yaml:"reject_unknown_user"`
}

// DefaultLMTP returns the LMTP defaults.
func DefaultLMTP() LMTPConfig {
	return LMTPConfig{
		UnixSocket:    "/var/run/petrel/lmtp.sock",
		TCPAddress:    "127.0.0.1:24",
		MaxSize:       52428800, // 50MB
		Timeout:       300,
		Hostname:      "localhost",
		MaxRecipients: 100,
	}
}

// DefaultDelivery returns the delivery defaults.
func DefaultDelivery() DeliveryConfig {
	return DeliveryConfig{
		DefaultFolder: "INBOX",
		QuotaLimit:    1073741824, // 1GB
	}
}

// Validate checks the LMTP block.
func (c LMTPConfig) Validate() error {
	if c.UnixSocket == "" && c.TCPAddress == "" {
		return errors.New("lmtp: at least one of unix_socket or tcp_address must be specified")
	}
	if c.MaxSize <= 0 {
		return errors.New("lmtp.max_size must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("lmtp.timeout must be positive")
	}
	if c.MaxRecipients <= 0 {
		return errors.New("lmtp.max_recipients must be positive")
	}
	return nil
}

// Validate checks the delivery block.
func (c DeliveryConfig) Validate() error {
	if c.DefaultFolder == "" {
		return errors.New("delivery.default_folder cannot be empty")
	}
	if c.QuotaEnabled && c.QuotaLimit <= 0 {
		return errors.New("delivery.quota_limit must be positive when quota is enabled")
	}
	for _, d := range c.AllowedDomains {
		if d == "" || strings.ContainsAny(d, "@ ") {
			return errors.Errorf("delivery.allowed_domains: invalid domain %q", d)
		}
	}
	return nil
}

// Quota returns the per-user limit the store enforces, zero when disabled.
func (c DeliveryConfig) Quota() int64 {
	if !c.QuotaEnabled {
		return 0
	}
	return c.QuotaLimit
}

// DomainAllowed reports whether mail for domain is accepted. An empty
// list accepts every domain.
func (c DeliveryConfig) DomainAllowed(domain string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.AllowedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
