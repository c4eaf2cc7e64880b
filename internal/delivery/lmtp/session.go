package lmtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/delivery/config"
	"petrel/internal/delivery/parser"
	"petrel/internal/delivery/storage"
)

// errQuit ends the session after QUIT was answered.
var errQuit = errors.New("quit")

// Session represents an LMTP session
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	storage    *storage.Storage
	config     config.LMTPConfig
	log        *log.Entry
	mailFrom   string
	hasFrom    bool
	size       int64
	recipients []string
	helo       string
}

// NewSession creates a new LMTP session
func NewSession(conn net.Conn, stor *storage.Storage, cfg config.LMTPConfig, entry *log.Entry) *Session {
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		storage: stor,
		config:  cfg,
		log:     entry,
	}
}

// Handle handles the LMTP session
func (s *Session) Handle(ctx context.Context) error {
	s.extendDeadline()
	if err := s.sendResponse(220, "%s LMTP Service ready", s.config.Hostname); err != nil {
		return err
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read error")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.log.Debug("C: " + line)

		cmd, args, _ := strings.Cut(line, " ")
		if err := s.handleCommand(ctx, strings.ToUpper(cmd), args); err != nil {
			if err == errQuit {
				return nil
			}
			return err
		}
		s.extendDeadline()
	}
}

func (s *Session) extendDeadline() {
	if s.config.Timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(time.Duration(s.config.Timeout) * time.Second))
	}
}

// handleCommand handles a single LMTP command
func (s *Session) handleCommand(ctx context.Context, cmd, args string) error {
	switch cmd {
	case "LHLO":
		return s.handleLHLO(args)
	case "MAIL":
		return s.handleMAIL(args)
	case "RCPT":
		return s.handleRCPT(ctx, args)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.reset()
		return s.sendResponse(250, "2.0.0 Reset state")
	case "NOOP":
		return s.sendResponse(250, "2.0.0 OK")
	case "QUIT":
		if err := s.sendResponse(221, "2.0.0 Bye"); err != nil {
			return err
		}
		return errQuit
	case "VRFY":
		return s.sendResponse(252, "2.5.0 Cannot VRFY user, but will accept message")
	case "HELP":
		return s.sendResponse(214, "Commands: LHLO MAIL RCPT DATA RSET NOOP QUIT VRFY")
	case "HELO", "EHLO":
		return s.sendResponse(500, "5.5.1 This is an LMTP server, use LHLO")
	default:
		return s.sendResponse(500, "5.5.2 Command not recognized")
	}
}

// handleLHLO handles the LHLO command
func (s *Session) handleLHLO(args string) error {
	if args == "" {
		return s.sendResponse(501, "5.5.4 LHLO requires domain address")
	}
	s.helo = args
	s.reset()
	lines := []string{
		s.config.Hostname,
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.config.MaxSize),
		"8BITMIME",
	}
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.queue("250" + sep + l)
	}
	return s.flush()
}

// handleMAIL handles the MAIL FROM command
func (s *Session) handleMAIL(args string) error {
	if s.helo == "" {
		return s.sendResponse(503, "5.5.1 Please send LHLO first")
	}
	if s.hasFrom {
		return s.sendResponse(503, "5.5.1 Sender already specified")
	}
	path, err := parser.ParsePath(args, "FROM")
	if err != nil {
		return s.sendResponse(501, "5.5.4 Invalid MAIL FROM syntax: %v", errors.Cause(err))
	}
	if v, ok := path.Params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return s.sendResponse(501, "5.5.4 Invalid SIZE parameter")
		}
		if size > s.config.MaxSize {
			return s.sendResponse(552, "5.3.4 Message size exceeds fixed maximum message size")
		}
		s.size = size
	}
	s.mailFrom, s.hasFrom = path.Address, true
	return s.sendResponse(250, "2.1.0 Sender OK")
}

// handleRCPT handles the RCPT TO command
func (s *Session) handleRCPT(ctx context.Context, args string) error {
	if !s.hasFrom {
		return s.sendResponse(503, "5.5.1 Please send MAIL FROM first")
	}
	if len(s.recipients) >= s.config.MaxRecipients {
		return s.sendResponse(452, "4.5.3 Too many recipients")
	}
	path, err := parser.ParsePath(args, "TO")
	if err != nil {
		return s.sendResponse(501, "5.5.4 Invalid RCPT TO syntax: %v", errors.Cause(err))
	}
	to := path.Address

	err = s.storage.CheckRecipient(ctx, to)
	switch {
	case errors.Is(err, storage.ErrDomainNotAllowed):
		return s.sendResponse(550, "5.7.1 Relay not permitted")
	case errors.Is(err, storage.ErrUnknownUser):
		return s.sendResponse(550, "5.1.1 User does not exist")
	case errors.Is(err, storage.ErrInvalidAddress):
		return s.sendResponse(550, "5.1.3 Invalid recipient address")
	case err != nil:
		s.log.WithError(err).Error("recipient check failed")
		return s.sendResponse(451, "4.3.0 Temporary failure")
	}

	if err := s.storage.CheckQuota(ctx, to, s.size); errors.Is(err, db.ErrQuotaExceeded) {
		return s.sendResponse(452, "4.2.2 Mailbox full")
	} else if err != nil {
		s.log.WithError(err).Error("quota check failed")
		return s.sendResponse(451, "4.3.0 Temporary failure")
	}

	s.recipients = append(s.recipients, to)
	return s.sendResponse(250, "2.1.5 Recipient OK")
}

// handleDATA handles the DATA command. Every accepted recipient gets its
// own reply.
func (s *Session) handleDATA(ctx context.Context) error {
	if !s.hasFrom {
		return s.sendResponse(503, "5.5.1 Please send MAIL FROM first")
	}
	if len(s.recipients) == 0 {
		return s.sendResponse(503, "5.5.1 Please send RCPT TO first")
	}
	if err := s.sendResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}
	defer s.reset()

	data, err := parser.ReadData(s.reader, s.config.MaxSize)
	if errors.Is(err, parser.ErrTooLarge) {
		return s.replyAll(552, "5.3.4 Message size exceeds fixed maximum message size")
	}
	if err != nil {
		return err
	}

	msg, err := parser.ParseMessage(data)
	if err == nil {
		err = parser.ValidateMessage(msg, s.config.MaxSize)
	}
	if err != nil {
		s.log.WithError(err).Info("message rejected")
		return s.replyAll(554, "5.6.0 Message validation failed: %v", errors.Cause(err))
	}

	now := time.Now()
	results := s.storage.DeliverToMultipleRecipients(ctx, s.recipients, msg, func(rcpt string) []byte {
		return parser.TraceHeaders(s.mailFrom, rcpt, s.helo, s.config.Hostname, now)
	})
	for _, rcpt := range s.recipients {
		err := results[rcpt]
		switch {
		case err == nil:
			s.queue(fmt.Sprintf("250 2.0.0 <%s> Message accepted for delivery", rcpt))
		case errors.Is(err, db.ErrQuotaExceeded):
			s.queue(fmt.Sprintf("452 4.2.2 <%s> Mailbox full", rcpt))
		case errors.Is(err, storage.ErrUnknownUser):
			s.queue(fmt.Sprintf("550 5.1.1 <%s> User does not exist", rcpt))
		default:
			s.log.WithError(err).WithField("recipient", rcpt).Error("delivery failed")
			s.queue(fmt.Sprintf("451 4.3.0 <%s> Delivery failed", rcpt))
		}
	}
	return s.flush()
}

func (s *Session) replyAll(code int, format string, args ...interface{}) error {
	text := fmt.Sprintf(format, args...)
	for range s.recipients {
		s.queue(fmt.Sprintf("%d %s", code, text))
	}
	return s.flush()
}

func (s *Session) reset() {
	s.mailFrom, s.hasFrom, s.size = "", false, 0
	s.recipients = nil
}

// sendResponse sends a formatted response
func (s *Session) sendResponse(code int, format string, args ...interface{}) error {
	s.queue(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
	return s.flush()
}

func (s *Session) queue(line string) {
	s.log.Debug("S: " + line)
	_, _ = s.writer.WriteString(line + "\r\n")
}

func (s *Session) flush() error {
	return errors.Wrap(s.writer.Flush(), "write error")
}
