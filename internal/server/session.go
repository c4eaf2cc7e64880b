package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/auth"
	"petrel/internal/models"
	"petrel/internal/server/parser"
	"petrel/internal/server/reactor"
	"petrel/internal/server/reconcile"
	"petrel/internal/server/transport"
)

// maxLineLength bounds a command line that has no terminator yet.
const maxLineLength = 64 * 1024

// Session is one IMAP connection. Input, Tick and Expire run on the reactor;
// command handlers run on a worker while the reactor holds the connection
// corked, so exactly one goroutine touches the session at any time.
type Session struct {
	srv  *IMAPServer
	r    *reactor.Reactor
	conn *transport.Connection

	state models.ClientState
	// base is the store snapshot the view in state.Mailbox derives from.
	base   *models.MailboxState
	rights models.Rights

	tok  *parser.Tokenizer
	cmd  *command
	skip bool

	auth *exchange
	idle *command

	out    bytes.Buffer
	faults int
	log    *log.Entry
}

// exchange is an AUTHENTICATE in progress.
type exchange struct {
	cmd    *command
	server sasl.Server
	result auth.Result
}

func newSession(srv *IMAPServer, r *reactor.Reactor, c *transport.Connection) *Session {
	return &Session{
		srv:  srv,
		r:    r,
		conn: c,
		tok:  parser.NewTokenizer(srv.cfg.MaxMessageSize),
		log: srv.log.WithFields(log.Fields{
			"session": c.ID,
			"remote":  c.RemoteAddr().String(),
		}),
	}
}

// Start sends the greeting.
func (s *Session) Start() {
	s.send("* OK [CAPABILITY " + s.srv.capabilities(s) + "] petrel ready.")
	s.flush()
}

// Input consumes complete statements until the buffer runs dry or a
// command went to the worker pool.
func (s *Session) Input() {
	for !s.r.Busy(s.conn) && s.state.State != models.StateLogout && !s.conn.Closed() {
		if s.tok.InLiteral() {
			chunk := s.conn.ReadN(int(s.tok.LiteralRemaining()))
			if len(chunk) == 0 {
				break
			}
			s.tok.FeedLiteral(chunk)
			continue
		}
		line, ok := s.conn.ReadLine()
		if !ok {
			if s.conn.Buffered() > maxLineLength {
				s.send("* BYE Line too long")
				s.disconnect()
			}
			break
		}
		s.line(line)
	}
	s.flush()
}

func (s *Session) line(line []byte) {
	switch {
	case s.idle != nil:
		s.idleLine(line)
		return
	case s.auth != nil:
		s.authLine(line)
		return
	case s.skip:
		s.skip = false
		s.tok.Reset()
		s.cmd = nil
		return
	}

	if s.cmd == nil {
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}
		cl, err := parser.SplitCommand(line)
		switch {
		case errors.Is(err, parser.ErrInvalidTag):
			s.logClient(string(line))
			s.send("* BAD Invalid tag specified")
			s.fault()
			return
		case errors.Is(err, parser.ErrNoCommand):
			s.logClient(string(line))
			s.send(cl.Tag + " BAD No command specified")
			s.fault()
			return
		case err != nil:
			s.logClient(string(line))
			s.send(fmt.Sprintf("%s BAD %s", cl.Tag, errors.Cause(err)))
			s.fault()
			return
		}
		s.cmd = newCommand(s, cl)
		s.logClient(maskCommand(cl, line))
		line = cl.Rest
	} else {
		s.logClient(string(line))
	}

	status, err := s.tok.FeedLine(line)
	switch {
	case errors.Is(err, parser.ErrLiteralTooLarge):
		s.send(s.cmd.tag + " NO [TOOBIG] Literal too large")
		s.fault()
		if s.tok.InLiteral() {
			// the bytes of a non-synchronizing literal follow anyway
			s.skip = true
			return
		}
		s.endStatement()
		return
	case err != nil:
		s.send(fmt.Sprintf("%s BAD %s", s.cmd.tag, errors.Cause(err)))
		s.fault()
		s.endStatement()
		return
	}
	switch status {
	case parser.StatusLiteral:
		s.send("+ Ready for literal data")
		s.flush()
		return
	case parser.StatusLiteralPlus:
		return
	}

	cmd := s.cmd
	cmd.args = s.tok.Args()
	s.endStatement()
	s.execute(cmd)
}

func (s *Session) endStatement() {
	s.tok.Reset()
	s.cmd = nil
}

func (s *Session) idleLine(line []byte) {
	cmd := s.idle
	s.idle = nil
	s.logClient(string(line))
	if !strings.EqualFold(strings.TrimSpace(string(line)), "DONE") {
		cmd.bad("Expected DONE")
	} else {
		cmd.ok("IDLE terminated")
	}
	cmd.deferred = false
	s.complete(context.Background(), cmd)
	s.apply(cmd)
}

func (s *Session) authLine(line []byte) {
	ex := s.auth
	s.auth = nil
	s.logClient("<sasl response>")
	_, err := s.tok.FeedLine(line)
	args := s.tok.Args()
	s.tok.Reset()
	ex.cmd.deferred = false
	switch {
	case errors.Is(err, parser.ErrCancelled):
		ex.cmd.bad("Authentication exchange cancelled")
		s.complete(context.Background(), ex.cmd)
		s.apply(ex.cmd)
		return
	case err != nil:
		ex.cmd.bad("Invalid base64 data")
		s.complete(context.Background(), ex.cmd)
		s.apply(ex.cmd)
		return
	}
	var response []byte
	if len(args) > 0 {
		response = []byte(args[len(args)-1])
	}
	s.authStep(ex, response)
}

// authStep feeds one client response to the SASL server on a worker.
func (s *Session) authStep(ex *exchange, response []byte) {
	cmd := ex.cmd
	err := s.r.Dispatch(s.conn, func(ctx context.Context) func() {
		challenge, done, err := ex.server.Next(response)
		switch {
		case err != nil:
			s.log.WithError(err).Info("authentication failed")
			cmd.no("[AUTHENTICATIONFAILED] Authentication failed")
		case done:
			s.login(ex.result.Username, ex.result.UserID)
			cmd.ok("[CAPABILITY " + s.srv.capabilities(s) + "] Authenticated")
		default:
			return func() {
				s.sendContinuation(challenge)
				s.tok.BeginSASL()
				cmd.deferred = true
				s.auth = ex
				s.flush()
			}
		}
		s.complete(ctx, cmd)
		return func() { s.apply(cmd) }
	})
	if err != nil {
		cmd.no("[UNAVAILABLE] Server shutting down")
		s.complete(context.Background(), cmd)
		s.apply(cmd)
	}
}

func (s *Session) sendContinuation(challenge []byte) {
	s.send("+ " + base64.StdEncoding.EncodeToString(challenge))
}

// login moves the session to the authenticated state.
func (s *Session) login(username string, userID int64) {
	s.state.State = models.StateAuthenticated
	s.state.Username = username
	s.state.UserID = userID
	s.log = s.log.WithField("user", username)
	s.log.Info("user logged in")
}

// Tick polls the selected mailbox while the session idles.
func (s *Session) Tick(time.Time) {
	if s.idle == nil || !s.state.Selected() {
		return
	}
	_ = s.r.Dispatch(s.conn, func(ctx context.Context) func() {
		lines, err := s.sync(ctx, false)
		return func() {
			if err != nil {
				s.lost(err)
				return
			}
			for _, l := range lines {
				s.EnqueueUnsolicited(l)
			}
		}
	})
}

// Timeout is the idle limit for the current state.
func (s *Session) Timeout() time.Duration {
	if s.state.Authenticated() {
		return s.srv.cfg.Timeout
	}
	return s.srv.cfg.LoginTimeout
}

// Expire says goodbye to an idle client.
func (s *Session) Expire() {
	s.send("* BYE Idle timeout, closing connection")
	s.state.State = models.StateLogout
	s.flush()
}

// Closed is called once the reactor dropped the connection. A job may still
// be running on the session, so only the log is touched.
func (s *Session) Closed() {
	s.log.Debug("session closed")
}

// EnqueueUnsolicited writes an untagged response outside of a command.
func (s *Session) EnqueueUnsolicited(line string) {
	s.send(line)
	s.flush()
}

// plaintextAllowed reports whether credentials may be sent now.
func (s *Session) plaintextAllowed() bool {
	return s.srv.cfg.AllowPlaintext || s.conn.IsTLS()
}

// sync reconciles the view of the selected mailbox with the store.
func (s *Session) sync(ctx context.Context, suppress bool) ([]string, error) {
	up, err := s.srv.reconciler.Sync(ctx, s.state.Mailbox, s.base, reconcile.Options{
		Condstore: s.state.Condstore,
		QResync:   s.state.QResync,
		Suppress:  suppress,
	})
	if err != nil {
		return nil, err
	}
	s.state.Mailbox, s.base = up.View, up.Base
	return up.Lines, nil
}

// lost ends a session whose mailbox view can no longer be trusted.
func (s *Session) lost(err error) {
	s.log.WithError(err).Error("mailbox reconciliation failed")
	s.send("* BYE [UNAVAILABLE] Mailbox state lost, closing connection")
	s.disconnect()
}

func (s *Session) fault() {
	s.faults++
	if s.faults < s.srv.cfg.MaxFaultyResponses {
		return
	}
	s.log.Warn("too many invalid commands")
	s.send("* BYE [ALERT] Too many invalid commands")
	s.disconnect()
}

func (s *Session) disconnect() {
	s.state.State = models.StateLogout
	s.flush()
	s.conn.CloseAfterFlush()
}

// send queues one response line on the reactor-owned buffer.
func (s *Session) send(line string) {
	s.log.Debug("S: " + line)
	s.out.WriteString(line)
	s.out.WriteString("\r\n")
}

func (s *Session) flush() {
	if s.out.Len() == 0 {
		return
	}
	s.conn.Write(s.out.Bytes())
	s.out.Reset()
}

func (s *Session) logClient(line string) {
	s.log.Debug("C: " + line)
}

// maskCommand hides the credentials of LOGIN and AUTHENTICATE initial
// responses.
func maskCommand(cl parser.CommandLine, line []byte) string {
	switch cl.Command {
	case "LOGIN":
		user, _, _ := strings.Cut(string(cl.Rest), " ")
		return cl.Tag + " LOGIN " + user + " ***"
	case "AUTHENTICATE":
		mech, rest, _ := strings.Cut(string(cl.Rest), " ")
		if rest != "" {
			return cl.Tag + " AUTHENTICATE " + mech + " ***"
		}
	}
	return string(line)
}
