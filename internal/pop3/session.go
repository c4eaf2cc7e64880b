package pop3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/metrics"
	"petrel/internal/models"
)

const maxLine = 4096

var (
	errQuit        = errors.New("quit")
	errLineTooLong = errors.New("line too long")
)

// message is one maildrop entry. Numbers are fixed for the whole session.
type message struct {
	uid     uint32
	size    int64
	deleted bool
}

type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    *log.Entry

	user     string
	userID   int64
	inbox    db.Mailbox
	maildrop []message
	faults   int
}

func newSession(srv *Server, conn net.Conn, entry *log.Entry) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLine),
		writer: bufio.NewWriter(conn),
		log:    entry,
	}
}

func (s *session) handle(ctx context.Context) error {
	s.extendDeadline()
	if err := s.reply("+OK %s POP3 server ready", s.srv.cfg.Hostname); err != nil {
		return err
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		cmd, args, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "PASS" || cmd == "AUTH" {
			s.log.Debug("C: " + cmd + " ***")
		} else {
			s.log.Debug("C: " + line)
		}

		start := time.Now()
		ok, err := s.dispatch(ctx, cmd, strings.TrimSpace(args))
		result := "ok"
		if !ok {
			result = "no"
		}
		metrics.ObserveCommand("pop3", cmd, result, start)
		if err == errQuit {
			return nil
		}
		if err != nil {
			return err
		}
		if ok {
			s.faults = 0
		} else if s.faults++; s.faults >= s.srv.cfg.MaxFaultyResponses {
			_ = s.reply("-ERR Too many invalid commands")
			return errors.New("too many faults")
		}
		s.extendDeadline()
	}
}

func (s *session) extendDeadline() {
	_ = s.conn.SetDeadline(time.Now().Add(s.srv.cfg.Timeout))
}

func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		_ = s.reply("-ERR Line too long")
		return "", errLineTooLong
	}
	if err != nil {
		return "", errors.Wrap(err, "read error")
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *session) authenticated() bool {
	return s.userID != 0
}

func (s *session) isTLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *session) plaintextAllowed() bool {
	return s.srv.cfg.AllowPlaintext || s.isTLS()
}

// dispatch runs one command. ok is false when the reply was -ERR.
func (s *session) dispatch(ctx context.Context, cmd, args string) (ok bool, err error) {
	switch cmd {
	case "CAPA":
		return true, s.capa()
	case "NOOP":
		return true, s.reply("+OK")
	case "QUIT":
		return true, s.quit(ctx)
	}
	if !s.authenticated() {
		switch cmd {
		case "STLS":
			return s.stls()
		case "USER":
			return s.userCmd(args)
		case "PASS":
			return s.pass(ctx, args)
		case "AUTH":
			return s.auth(ctx, args)
		}
		return false, s.reply("-ERR Unknown command or wrong state")
	}

	switch cmd {
	case "STAT":
		count, size := s.totals()
		return true, s.reply("+OK %d %d", count, size)
	case "LIST":
		return s.listing(args, func(n int, m message) string { return fmt.Sprintf("%d %d", n, m.size) })
	case "UIDL":
		return s.listing(args, func(n int, m message) string {
			return fmt.Sprintf("%d %d.%d", n, s.inbox.UIDValidity, m.uid)
		})
	case "RETR":
		return s.retr(ctx, args)
	case "TOP":
		return s.top(ctx, args)
	case "DELE":
		return s.dele(args)
	case "RSET":
		for i := range s.maildrop {
			s.maildrop[i].deleted = false
		}
		count, size := s.totals()
		return true, s.reply("+OK maildrop has %d messages (%d octets)", count, size)
	}
	return false, s.reply("-ERR Unknown command or wrong state")
}

func (s *session) capa() error {
	lines := []string{"+OK Capability list follows", "TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE", "PIPELINING"}
	if !s.authenticated() {
		if s.srv.cfg.TLS != nil && !s.isTLS() {
			lines = append(lines, "STLS")
		}
		if s.plaintextAllowed() {
			lines = append(lines, "USER", "SASL "+sasl.Plain)
		}
	}
	lines = append(lines, "IMPLEMENTATION petrel", ".")
	for _, l := range lines {
		s.queue(l)
	}
	return s.flush()
}

func (s *session) stls() (bool, error) {
	if s.isTLS() {
		return false, s.reply("-ERR TLS already active")
	}
	if s.srv.cfg.TLS == nil {
		return false, s.reply("-ERR TLS not available")
	}
	if err := s.reply("+OK Begin TLS negotiation"); err != nil {
		return false, err
	}
	conn := tls.Server(s.conn, s.srv.cfg.TLS)
	if err := conn.Handshake(); err != nil {
		return false, errors.Wrap(err, "TLS handshake failed")
	}
	// pipelined plaintext must not survive the upgrade
	s.conn = conn
	s.reader = bufio.NewReaderSize(conn, maxLine)
	s.writer = bufio.NewWriter(conn)
	s.user = ""
	return true, nil
}

func (s *session) userCmd(args string) (bool, error) {
	if !s.plaintextAllowed() {
		return false, s.reply("-ERR [AUTH] Plaintext authentication disallowed without TLS")
	}
	if args == "" {
		return false, s.reply("-ERR USER requires a username")
	}
	s.user = args
	return true, s.reply("+OK Password required for %s", args)
}

func (s *session) pass(ctx context.Context, args string) (bool, error) {
	if s.user == "" {
		return false, s.reply("-ERR Send USER first")
	}
	user := s.user
	s.user = ""
	id, err := s.srv.backend.ValidateCredentials(ctx, user, args)
	return s.finishLogin(ctx, user, id, err)
}

func (s *session) auth(ctx context.Context, args string) (bool, error) {
	if args == "" {
		// RFC 5034 lists the mechanisms on a bare AUTH
		s.queue("+OK")
		for _, m := range auth.Mechanisms(s.srv.backend) {
			s.queue(m)
		}
		s.queue(".")
		return true, s.flush()
	}
	if !s.plaintextAllowed() {
		return false, s.reply("-ERR [AUTH] Plaintext authentication disallowed without TLS")
	}
	mech, initial, hasInitial := strings.Cut(args, " ")
	var res auth.Result
	server, err := auth.NewServer(ctx, mech, s.srv.backend, s.srv.cfg.Hostname, &res)
	if err != nil {
		return false, s.reply("-ERR Unsupported authentication mechanism")
	}

	var response []byte
	if hasInitial && initial != "=" {
		if response, err = base64.StdEncoding.DecodeString(initial); err != nil {
			return false, s.reply("-ERR Invalid base64 data")
		}
	}
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			s.log.WithError(err).Info("authentication failed")
			return false, s.reply("-ERR [AUTH] Authentication failed")
		}
		if done {
			return s.finishLogin(ctx, res.Username, res.UserID, nil)
		}
		if err := s.reply("+ %s", base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return false, err
		}
		line, err := s.readLine()
		if err != nil {
			return false, err
		}
		if line == "*" {
			return false, s.reply("-ERR Authentication cancelled")
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			return false, s.reply("-ERR Invalid base64 data")
		}
	}
}

// finishLogin opens the maildrop after a credential check.
func (s *session) finishLogin(ctx context.Context, user string, id int64, err error) (bool, error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.log.WithField("username", user).Info("login failed")
		return false, s.reply("-ERR [AUTH] Authentication failed")
	case err != nil:
		s.log.WithError(err).Error("authentication backend failed")
		return false, s.reply("-ERR [SYS/TEMP] Authentication service unavailable")
	}
	if err := s.openMaildrop(ctx, id); err != nil {
		s.log.WithError(err).Error("failed to open maildrop")
		return false, s.reply("-ERR [SYS/TEMP] Unable to open maildrop")
	}
	s.userID = id
	s.log = s.log.WithField("user", user)
	s.log.Info("user logged in")
	count, size := s.totals()
	return true, s.reply("+OK %s has %d messages (%d octets)", user, count, size)
}

func (s *session) openMaildrop(ctx context.Context, userID int64) error {
	mb, err := s.srv.store.GetMailbox(ctx, userID, "INBOX")
	if err != nil {
		return err
	}
	st, err := s.srv.store.RefreshMailboxState(ctx, userID, mb.ID)
	if err != nil {
		return err
	}
	s.inbox = mb
	s.maildrop = s.maildrop[:0]
	for _, row := range st.Rows() {
		s.maildrop = append(s.maildrop, message{uid: row.UID, size: row.RFCSize})
	}
	return nil
}

func (s *session) totals() (count int, size int64) {
	for _, m := range s.maildrop {
		if !m.deleted {
			count++
			size += m.size
		}
	}
	return count, size
}

// lookup resolves a message number argument.
func (s *session) lookup(arg string) (int, *message, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.maildrop) {
		return 0, nil, s.reply("-ERR No such message")
	}
	m := &s.maildrop[n-1]
	if m.deleted {
		return 0, nil, s.reply("-ERR Message %d already deleted", n)
	}
	return n, m, nil
}

func (s *session) listing(args string, format func(n int, m message) string) (bool, error) {
	if args != "" {
		n, m, err := s.lookup(args)
		if m == nil {
			return false, err
		}
		return true, s.reply("+OK %s", format(n, *m))
	}
	count, size := s.totals()
	s.queue(fmt.Sprintf("+OK %d messages (%d octets)", count, size))
	for i, m := range s.maildrop {
		if !m.deleted {
			s.queue(format(i+1, m))
		}
	}
	s.queue(".")
	return true, s.flush()
}

func (s *session) load(ctx context.Context, m *message) ([]byte, error) {
	phys, err := s.srv.store.FetchPhysMessageID(ctx, s.userID, s.inbox.ID, m.uid)
	if err != nil {
		return nil, err
	}
	return s.srv.store.MessageRaw(ctx, s.userID, phys)
}

func (s *session) retr(ctx context.Context, args string) (bool, error) {
	_, m, err := s.lookup(args)
	if m == nil {
		return false, err
	}
	raw, err := s.load(ctx, m)
	if err != nil {
		s.log.WithError(err).WithField("uid", m.uid).Error("failed to load message")
		return false, s.reply("-ERR [SYS/TEMP] Unable to read message")
	}
	if _, err := s.srv.store.SetFlag(ctx, s.userID, s.inbox.ID, m.uid, models.FlagSeen, true); err != nil {
		s.log.WithError(err).Warn("failed to set \\Seen")
	}
	s.queue(fmt.Sprintf("+OK %d octets", m.size))
	s.multiline(raw, -1)
	return true, s.flush()
}

func (s *session) top(ctx context.Context, args string) (bool, error) {
	num, lines, _ := strings.Cut(args, " ")
	count, err := strconv.Atoi(strings.TrimSpace(lines))
	if err != nil || count < 0 {
		return false, s.reply("-ERR TOP requires a message number and a line count")
	}
	_, m, err := s.lookup(num)
	if m == nil {
		return false, err
	}
	raw, err := s.load(ctx, m)
	if err != nil {
		s.log.WithError(err).WithField("uid", m.uid).Error("failed to load message")
		return false, s.reply("-ERR [SYS/TEMP] Unable to read message")
	}
	s.queue("+OK")
	s.multiline(raw, count)
	return true, s.flush()
}

// multiline queues raw dot-stuffed and terminated. A non-negative
// bodyLines stops after the header and that many body lines.
func (s *session) multiline(raw []byte, bodyLines int) {
	inBody := false
	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line, raw = raw[:i], raw[i+1:]
		} else {
			raw = nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if inBody {
			if bodyLines == 0 {
				break
			}
			if bodyLines > 0 {
				bodyLines--
			}
		} else if len(line) == 0 {
			inBody = true
		}
		if len(line) > 0 && line[0] == '.' {
			_ = s.writer.WriteByte('.')
		}
		_, _ = s.writer.Write(line)
		_, _ = s.writer.WriteString("\r\n")
	}
	s.queue(".")
}

func (s *session) dele(args string) (bool, error) {
	n, m, err := s.lookup(args)
	if m == nil {
		return false, err
	}
	m.deleted = true
	return true, s.reply("+OK Message %d deleted", n)
}

// quit enters the UPDATE state: messages marked with DELE are expunged.
func (s *session) quit(ctx context.Context) error {
	if !s.authenticated() {
		_ = s.reply("+OK %s POP3 server signing off", s.srv.cfg.Hostname)
		return errQuit
	}
	var uids []uint32
	for _, m := range s.maildrop {
		if m.deleted {
			uids = append(uids, m.uid)
		}
	}
	if len(uids) > 0 {
		if _, err := s.srv.store.Expunge(ctx, s.userID, s.inbox.ID, uids, false); err != nil {
			s.log.WithError(err).Error("failed to remove deleted messages")
			_ = s.reply("-ERR [SYS/TEMP] Some deleted messages not removed")
			return errQuit
		}
	}
	count, _ := s.totals()
	_ = s.reply("+OK %s POP3 server signing off (%d messages left)", s.srv.cfg.Hostname, count)
	return errQuit
}

func (s *session) reply(format string, args ...interface{}) error {
	s.queue(fmt.Sprintf(format, args...))
	return s.flush()
}

func (s *session) queue(line string) {
	s.log.Debug("S: " + line)
	_, _ = s.writer.WriteString(line + "\r\n")
}

func (s *session) flush() error {
	return errors.Wrap(s.writer.Flush(), "write error")
}
