// Package storage files delivered messages into user mailboxes.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/delivery/config"
	"petrel/internal/delivery/parser"
	"petrel/internal/metrics"
	"petrel/internal/models"
)

var (
	// ErrUnknownUser is returned for recipients without an account when
	// unknown users are rejected.
	ErrUnknownUser = errors.New("user does not exist")
	// ErrDomainNotAllowed is returned for recipients outside the accepted
	// domains.
	ErrDomainNotAllowed = errors.New("relay not permitted")
	// ErrInvalidAddress is returned for recipients that are not user@domain.
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Storage handles message storage operations
type Storage struct {
	store *db.DBManager
	cfg   config.DeliveryConfig
	log   *log.Entry
}

// NewStorage creates a new storage handler
func NewStorage(store *db.DBManager, cfg config.DeliveryConfig) *Storage {
	return &Storage{store: store, cfg: cfg, log: log.WithField("service", "lmtp")}
}

// CheckRecipient decides at RCPT time whether mail for recipient is
// accepted.
func (s *Storage) CheckRecipient(ctx context.Context, recipient string) error {
	domain, err := parser.ExtractDomain(recipient)
	if err != nil {
		return errors.Wrap(ErrInvalidAddress, recipient)
	}
	if !s.cfg.DomainAllowed(domain) {
		return ErrDomainNotAllowed
	}
	if !s.cfg.RejectUnknownUser {
		return nil
	}
	_, err = s.store.GetUser(ctx, recipient)
	if errors.Is(err, db.ErrNotFound) {
		return ErrUnknownUser
	}
	return err
}

// DeliverMessage stores a message for one recipient. trace is prepended
// to the stored copy.
func (s *Storage) DeliverMessage(ctx context.Context, recipient string, msg *parser.Message, trace []byte) error {
	userID, err := s.user(ctx, recipient)
	if err != nil {
		return err
	}
	mailboxID, err := s.mailbox(ctx, userID, s.cfg.DefaultFolder)
	if err != nil {
		return err
	}

	raw := make([]byte, 0, len(trace)+len(msg.Raw))
	raw = append(append(raw, trace...), msg.Raw...)
	uid, err := s.store.AppendMessage(ctx, userID, mailboxID, raw, models.FlagUpdate{}, time.Now())
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"recipient": recipient, "mailbox": s.cfg.DefaultFolder, "uid": uid}).Info("message delivered")
	return nil
}

// DeliverToMultipleRecipients delivers a message to multiple recipients.
// traceFor builds the trace fields of each copy.
func (s *Storage) DeliverToMultipleRecipients(ctx context.Context, recipients []string, msg *parser.Message, traceFor func(rcpt string) []byte) map[string]error {
	results := make(map[string]error, len(recipients))
	for _, rcpt := range recipients {
		var trace []byte
		if traceFor != nil {
			trace = traceFor(rcpt)
		}
		err := s.DeliverMessage(ctx, rcpt, msg, trace)
		results[rcpt] = err
		metrics.Deliveries.WithLabelValues(Outcome(err)).Inc()
	}
	return results
}

// Outcome is the metrics label of a delivery result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownUser):
		return "unknown"
	case errors.Is(err, db.ErrQuotaExceeded):
		return "quota"
	}
	return "error"
}

func (s *Storage) user(ctx context.Context, recipient string) (int64, error) {
	if s.cfg.RejectUnknownUser {
		u, err := s.store.GetUser(ctx, recipient)
		if errors.Is(err, db.ErrNotFound) {
			return 0, ErrUnknownUser
		}
		if err != nil {
			return 0, err
		}
		return u.ID, nil
	}
	return s.store.EnsureUser(ctx, recipient)
}

// mailbox returns the delivery folder, creating it when missing.
func (s *Storage) mailbox(ctx context.Context, userID int64, folder string) (int64, error) {
	mb, err := s.store.GetMailbox(ctx, userID, folder)
	if err == nil {
		return mb.ID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return 0, err
	}
	id, err := s.store.CreateMailbox(ctx, userID, folder)
	if errors.Is(err, db.ErrExists) {
		mb, err = s.store.GetMailbox(ctx, userID, folder)
		if err != nil {
			return 0, err
		}
		return mb.ID, nil
	}
	return id, errors.Wrap(err, "failed to create mailbox")
}

// CheckQuota reports db.ErrQuotaExceeded when size more bytes would not
// fit the quota of recipient. Unknown users pass.
func (s *Storage) CheckQuota(ctx context.Context, recipient string, size int64) error {
	limit := s.store.QuotaLimit()
	if limit <= 0 || size <= 0 {
		return nil
	}
	u, err := s.store.GetUser(ctx, recipient)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	usage, err := s.store.QuotaUsage(ctx, u.ID)
	if err != nil {
		return err
	}
	if usage.Bytes+size > limit {
		return errors.Wrapf(db.ErrQuotaExceeded, "%d of %d bytes used", usage.Bytes, limit)
	}
	return nil
}
