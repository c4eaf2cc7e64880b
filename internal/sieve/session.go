package sieve

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/metrics"
)

const maxNameLength = 512

var errLogout = errors.New("logout")

type session struct {
	srv    *Server
	conn   net.Conn
	rd     *reader
	writer *bufio.Writer
	log    *log.Entry

	user   string
	userID int64
	faults int
}

func newSession(srv *Server, conn net.Conn, entry *log.Entry) *session {
	s := &session{srv: srv, log: entry}
	s.attach(conn)
	return s
}

func (s *session) attach(conn net.Conn) {
	s.conn = conn
	s.rd = &reader{r: bufio.NewReaderSize(conn, maxLine), maxLiteral: s.srv.cfg.MaxScriptSize}
	s.writer = bufio.NewWriter(conn)
}

func (s *session) handle(ctx context.Context) error {
	s.extendDeadline()
	s.capabilities()
	s.queue(fmt.Sprintf("OK %s", quote(s.srv.cfg.Hostname+" ManageSieve ready")))
	if err := s.flush(); err != nil {
		return err
	}

	for {
		cmd, err := s.rd.next()
		if err == errLineTooLong {
			s.bye("Line too long")
			return err
		}
		if err != nil && !errors.Is(err, errSyntax) {
			return err
		}
		if err == nil && len(cmd.words) == 0 {
			continue
		}
		name := "?"
		if len(cmd.words) > 0 {
			name = strings.ToUpper(cmd.words[0])
		}
		if name == "AUTHENTICATE" {
			s.log.Debug("C: AUTHENTICATE ***")
		} else {
			s.log.Debug("C: " + name)
		}

		start := time.Now()
		var ok bool
		if err != nil {
			ok = s.no("", "Syntax error in arguments")
		} else {
			ok, err = s.dispatch(ctx, name, cmd)
		}
		result := "ok"
		if !ok {
			result = "no"
		}
		metrics.ObserveCommand("sieve", name, result, start)

		if err == errLogout {
			_ = s.flush()
			return nil
		}
		if err != nil {
			return err
		}
		if ok {
			s.faults = 0
		} else if s.faults++; s.faults >= s.srv.cfg.MaxFaultyResponses {
			s.bye("Too many errors, closing connection.")
			return errors.New("too many faults")
		}
		if err := s.flush(); err != nil {
			return err
		}
		s.extendDeadline()
	}
}

func (s *session) extendDeadline() {
	_ = s.conn.SetDeadline(time.Now().Add(s.srv.cfg.Timeout))
}

func (s *session) isTLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *session) plaintextAllowed() bool {
	return s.srv.cfg.AllowPlaintext || s.isTLS()
}

func (s *session) dispatch(ctx context.Context, name string, cmd *command) (bool, error) {
	args := cmd.words[1:]
	switch name {
	case "CAPABILITY":
		s.capabilities()
		return s.ok("", ""), nil
	case "NOOP":
		if len(args) > 0 {
			return s.ok("TAG "+quote(args[0]), "Done"), nil
		}
		return s.ok("", "Done"), nil
	case "LOGOUT":
		s.ok("", "Logout complete.")
		return true, errLogout
	case "STARTTLS":
		return s.startTLS()
	case "AUTHENTICATE":
		if s.userID != 0 {
			return s.no("", "Already authenticated."), nil
		}
		return s.authenticate(ctx, args)
	}

	if s.userID == 0 {
		switch name {
		case "HAVESPACE", "PUTSCRIPT", "LISTSCRIPTS", "SETACTIVE", "GETSCRIPT",
			"DELETESCRIPT", "RENAMESCRIPT", "CHECKSCRIPT":
			return s.no("", "Please authenticate first."), nil
		}
		return s.no("", "Unknown command."), nil
	}

	need := map[string]int{
		"HAVESPACE": 2, "PUTSCRIPT": 2, "LISTSCRIPTS": 0, "SETACTIVE": 1, "GETSCRIPT": 1,
		"DELETESCRIPT": 1, "RENAMESCRIPT": 2, "CHECKSCRIPT": 1,
	}
	n, known := need[name]
	if !known {
		return s.no("", "Unknown command."), nil
	}
	if len(args) < n {
		return s.no("", "This command requires an argument."), nil
	}
	if cmd.oversized {
		return s.no("QUOTA/MAXSIZE", "Script exceeds maximum size."), nil
	}

	switch name {
	case "HAVESPACE":
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || size < 0 {
			return s.no("", "Invalid script size."), nil
		}
		return s.haveSpace(ctx, args[0], size)
	case "PUTSCRIPT":
		return s.putScript(ctx, args[0], args[1])
	case "LISTSCRIPTS":
		return s.listScripts(ctx)
	case "SETACTIVE":
		return s.setActive(ctx, args[0])
	case "GETSCRIPT":
		return s.getScript(ctx, args[0])
	case "DELETESCRIPT":
		return s.deleteScript(ctx, args[0])
	case "RENAMESCRIPT":
		return s.renameScript(ctx, args[0], args[1])
	default:
		if err := Check(args[0]); err != nil {
			return s.no("", fmt.Sprintf("Script error: %v.", err)), nil
		}
		return s.ok("", "Script is valid."), nil
	}
}

func (s *session) capabilities() {
	s.queue(`"IMPLEMENTATION" "petrel"`)
	var mechs []string
	if s.plaintextAllowed() {
		mechs = auth.Mechanisms(s.srv.backend)
	}
	s.queue(`"SASL" ` + quote(strings.Join(mechs, " ")))
	s.queue(`"SIEVE" ` + quote(Extensions))
	if s.srv.cfg.TLS != nil && !s.isTLS() {
		s.queue(`"STARTTLS"`)
	}
	if s.srv.cfg.MaxScriptSize > 0 {
		s.queue(fmt.Sprintf(`"MAXSCRIPTSIZE" "%d"`, s.srv.cfg.MaxScriptSize))
	}
	s.queue(`"VERSION" "1.0"`)
}

func (s *session) startTLS() (bool, error) {
	switch {
	case s.isTLS():
		return s.no("", "TLS already active."), nil
	case s.srv.cfg.TLS == nil:
		return s.no("", "TLS not available."), nil
	case s.userID != 0:
		return s.no("", "Already authenticated."), nil
	}
	s.ok("", "Begin TLS negotiation now.")
	if err := s.flush(); err != nil {
		return false, err
	}
	conn := tls.Server(s.conn, s.srv.cfg.TLS)
	if err := conn.Handshake(); err != nil {
		return false, errors.Wrap(err, "TLS handshake failed")
	}
	// pipelined plaintext must not survive the upgrade
	s.attach(conn)
	s.capabilities()
	return s.ok("", ""), nil
}

func (s *session) authenticate(ctx context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		return s.no("", "This command requires an argument."), nil
	}
	if !s.plaintextAllowed() {
		return s.no("ENCRYPT-NEEDED", "Authentication requires TLS."), nil
	}
	var res auth.Result
	server, err := auth.NewServer(ctx, args[0], s.srv.backend, s.srv.cfg.Hostname, &res)
	if err != nil {
		return s.no("", "Authentication scheme not supported."), nil
	}

	var response []byte
	if len(args) > 1 {
		if response, err = base64.StdEncoding.DecodeString(args[1]); err != nil {
			return s.no("", "SASL decode error."), nil
		}
	}
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			s.log.WithError(err).Info("authentication failed")
			return s.no("", "Username or password incorrect."), nil
		}
		if done {
			s.user, s.userID = res.Username, res.UserID
			s.log = s.log.WithField("user", res.Username)
			s.log.Info("user logged in")
			return s.ok("", "Authenticated."), nil
		}
		s.queue(quote(base64.StdEncoding.EncodeToString(challenge)))
		if err := s.flush(); err != nil {
			return false, err
		}
		reply, err := s.rd.next()
		if err != nil && !errors.Is(err, errSyntax) {
			return false, err
		}
		if err != nil || len(reply.words) != 1 {
			return s.no("", "Invalid SASL response."), nil
		}
		if reply.words[0] == "*" {
			return s.no("", "Authentication aborted."), nil
		}
		if response, err = base64.StdEncoding.DecodeString(reply.words[0]); err != nil {
			return s.no("", "SASL decode error."), nil
		}
	}
}

func validName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}

// checkSpace reports why a script of size bytes stored as name would not
// fit, as a response code and text.
func (s *session) checkSpace(ctx context.Context, name string, size int64) (code, text string, err error) {
	cfg := s.srv.cfg
	if cfg.MaxScriptSize > 0 && size > cfg.MaxScriptSize {
		return "QUOTA/MAXSIZE", "Script exceeds maximum size.", nil
	}
	if cfg.MaxScripts > 0 {
		scripts, err := s.srv.store.ListScripts(ctx, s.userID)
		if err != nil {
			return "", "", err
		}
		exists := false
		for _, sc := range scripts {
			exists = exists || sc.Name == name
		}
		if !exists && len(scripts) >= cfg.MaxScripts {
			return "QUOTA/MAXSCRIPTS", "Too many scripts.", nil
		}
	}
	if cfg.Quota > 0 {
		used, err := s.srv.store.ScriptSpace(ctx, s.userID, name)
		if err != nil {
			return "", "", err
		}
		if used+size > cfg.Quota {
			return "QUOTA", "Script exceeds available space.", nil
		}
	}
	return "", "", nil
}

func (s *session) haveSpace(ctx context.Context, name string, size int64) (bool, error) {
	if !validName(name) {
		return s.no("", "Invalid script name."), nil
	}
	code, text, err := s.checkSpace(ctx, name, size)
	if err != nil {
		return s.internal(err), nil
	}
	if text != "" {
		return s.no(code, text), nil
	}
	return s.ok("", ""), nil
}

func (s *session) putScript(ctx context.Context, name, body string) (bool, error) {
	if !validName(name) {
		return s.no("", "Invalid script name."), nil
	}
	code, text, err := s.checkSpace(ctx, name, int64(len(body)))
	if err != nil {
		return s.internal(err), nil
	}
	if text != "" {
		return s.no(code, text), nil
	}
	if err := Check(body); err != nil {
		return s.no("", fmt.Sprintf("Script error: %v.", err)), nil
	}
	if err := s.srv.store.PutScript(ctx, s.userID, name, body); err != nil {
		return s.internal(err), nil
	}
	s.log.WithField("script", name).Info("script stored")
	return s.ok("", "Script successfully received."), nil
}

func (s *session) listScripts(ctx context.Context) (bool, error) {
	scripts, err := s.srv.store.ListScripts(ctx, s.userID)
	if err != nil {
		return s.internal(err), nil
	}
	for _, sc := range scripts {
		if sc.Active {
			s.queue(quote(sc.Name) + " ACTIVE")
		} else {
			s.queue(quote(sc.Name))
		}
	}
	return s.ok("", ""), nil
}

func (s *session) setActive(ctx context.Context, name string) (bool, error) {
	err := s.srv.store.SetActiveScript(ctx, s.userID, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return s.no("NONEXISTENT", "Script does not exist."), nil
	case err != nil:
		return s.internal(err), nil
	case name == "":
		return s.ok("", "All scripts deactivated."), nil
	}
	return s.ok("", "Script activated."), nil
}

func (s *session) getScript(ctx context.Context, name string) (bool, error) {
	sc, err := s.srv.store.GetScript(ctx, s.userID, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return s.no("NONEXISTENT", "Script not found."), nil
	case err != nil:
		return s.internal(err), nil
	}
	s.queue(fmt.Sprintf("{%d}", len(sc.Body)))
	_, _ = s.writer.WriteString(sc.Body)
	s.queue("")
	return s.ok("", ""), nil
}

func (s *session) deleteScript(ctx context.Context, name string) (bool, error) {
	err := s.srv.store.DeleteScript(ctx, s.userID, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return s.no("NONEXISTENT", "Script not found."), nil
	case errors.Is(err, db.ErrNotAllowed):
		return s.no("ACTIVE", "You may not delete an active script."), nil
	case err != nil:
		return s.internal(err), nil
	}
	return s.ok("", ""), nil
}

func (s *session) renameScript(ctx context.Context, oldName, newName string) (bool, error) {
	if !validName(newName) {
		return s.no("", "Invalid script name."), nil
	}
	err := s.srv.store.RenameScript(ctx, s.userID, oldName, newName)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return s.no("NONEXISTENT", "Script not found."), nil
	case errors.Is(err, db.ErrExists):
		return s.no("ALREADYEXISTS", "A script with that name already exists."), nil
	case err != nil:
		return s.internal(err), nil
	}
	return s.ok("", ""), nil
}

func (s *session) internal(err error) bool {
	s.log.WithError(err).Error("script storage failed")
	return s.no("TRYLATER", "Internal error.")
}

// response renders an OK, NO or BYE line with optional code and text.
func response(kind, code, text string) string {
	line := kind
	if code != "" {
		line += " (" + code + ")"
	}
	if text != "" {
		line += " " + quote(text)
	}
	return line
}

func (s *session) ok(code, text string) bool {
	s.queue(response("OK", code, text))
	return true
}

func (s *session) no(code, text string) bool {
	s.queue(response("NO", code, text))
	return false
}

func (s *session) bye(text string) {
	s.queue(response("BYE", "", text))
	_ = s.flush()
}

func (s *session) queue(line string) {
	s.log.Debug("S: " + line)
	_, _ = s.writer.WriteString(line + "\r\n")
}

func (s *session) flush() error {
	return errors.Wrap(s.writer.Flush(), "write error")
}
