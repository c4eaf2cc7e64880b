package server

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/server/middleware"
	"petrel/internal/server/parser"
)

// command is one tagged statement. Handlers write untagged responses to
// out and set the completion status; nothing reaches the socket before the
// command is applied on the reactor.
type command struct {
	sess  *Session
	tag   string
	name  string
	uid   bool
	args  []string
	start time.Time

	status string
	text   string
	out    bytes.Buffer

	// sync runs a mailbox reconciliation before the tagged response.
	sync bool
	// suppress holds back EXPUNGE in that reconciliation.
	suppress bool
	// deferred commands finish later, after IDLE or a SASL exchange.
	deferred bool
	// after runs on the reactor once the output is queued.
	after func()
}

func newCommand(s *Session, cl parser.CommandLine) *command {
	return &command{sess: s, tag: cl.Tag, name: cl.Command, uid: cl.UID, start: time.Now()}
}

// ClientState implements middleware.Request.
func (c *command) ClientState() *models.ClientState { return &c.sess.state }

// NumArgs implements middleware.Request.
func (c *command) NumArgs() int { return len(c.args) }

// No implements middleware.Request.
func (c *command) No(format string, a ...interface{}) { c.no(fmt.Sprintf(format, a...)) }

// Bad implements middleware.Request.
func (c *command) Bad(format string, a ...interface{}) { c.bad(fmt.Sprintf(format, a...)) }

func (c *command) ok(text string)  { c.status, c.text = "OK", text }
func (c *command) no(text string)  { c.status, c.text = "NO", text }
func (c *command) bad(text string) { c.status, c.text = "BAD", text }

// send adds one untagged line.
func (c *command) send(format string, a ...interface{}) {
	line := fmt.Sprintf(format, a...)
	c.sess.log.Debug("S: " + line)
	c.out.WriteString(line)
	c.out.WriteString("\r\n")
}

// fullName is the command name including the UID prefix.
func (c *command) fullName() string {
	if c.uid {
		return "UID " + c.name
	}
	return c.name
}

func (c *command) completed() string {
	return c.fullName() + " completed"
}

type commandSpec struct {
	handler middleware.HandlerFunc[*command]
	// blocking commands run on a worker because they touch the store.
	blocking bool
	uid      bool
	// suppress marks commands iterating the view.
	suppress bool
}

func commandTable() map[string]commandSpec {
	auth := middleware.RequireAuth[*command]
	selected := middleware.RequireAuthAndMailbox[*command]
	minArgs := middleware.ValidateMinArgs[*command]

	return map[string]commandSpec{
		// any state
		"CAPABILITY": {handler: handleCapability},
		"NOOP":       {handler: handleNoop, blocking: true},
		"LOGOUT":     {handler: handleLogout},
		"ID":         {handler: handleID},

		// not authenticated
		"STARTTLS": {handler: middleware.RequireNotAuthenticated(
			middleware.ValidateNoArgs("STARTTLS command does not accept arguments", handleStartTLS))},
		"LOGIN": {handler: middleware.RequireNotAuthenticated(
			minArgs(2, "LOGIN requires username and password", handleLogin)), blocking: true},
		"AUTHENTICATE": {handler: middleware.RequireNotAuthenticated(
			minArgs(1, "AUTHENTICATE requires a mechanism", handleAuthenticate))},

		// authenticated
		"ENABLE":       {handler: auth(minArgs(1, "ENABLE requires capability names", handleEnable))},
		"SELECT":       {handler: auth(minArgs(1, "SELECT requires mailbox name", handleSelect)), blocking: true},
		"EXAMINE":      {handler: auth(minArgs(1, "EXAMINE requires mailbox name", handleSelect)), blocking: true},
		"CREATE":       {handler: auth(minArgs(1, "CREATE requires mailbox name", handleCreate)), blocking: true},
		"DELETE":       {handler: auth(minArgs(1, "DELETE requires mailbox name", handleDelete)), blocking: true},
		"RENAME":       {handler: auth(minArgs(2, "RENAME requires existing and new mailbox names", handleRename)), blocking: true},
		"SUBSCRIBE":    {handler: auth(minArgs(1, "SUBSCRIBE requires mailbox name", handleSubscribe)), blocking: true},
		"UNSUBSCRIBE":  {handler: auth(minArgs(1, "UNSUBSCRIBE requires mailbox name", handleUnsubscribe)), blocking: true},
		"LIST":         {handler: auth(minArgs(2, "LIST requires reference and mailbox arguments", handleList)), blocking: true},
		"LSUB":         {handler: auth(minArgs(2, "LSUB requires reference and mailbox arguments", handleLsub)), blocking: true},
		"STATUS":       {handler: auth(minArgs(2, "STATUS requires mailbox name and status items", handleStatus)), blocking: true},
		"APPEND":       {handler: auth(minArgs(2, "APPEND requires mailbox name and message literal", handleAppend)), blocking: true},
		"NAMESPACE":    {handler: auth(handleNamespace)},
		"GETACL":       {handler: auth(minArgs(1, "GETACL requires mailbox name", handleGetACL)), blocking: true},
		"SETACL":       {handler: auth(minArgs(3, "SETACL requires mailbox, identifier and rights", handleSetACL)), blocking: true},
		"DELETEACL":    {handler: auth(minArgs(2, "DELETEACL requires mailbox and identifier", handleDeleteACL)), blocking: true},
		"MYRIGHTS":     {handler: auth(minArgs(1, "MYRIGHTS requires mailbox name", handleMyRights)), blocking: true},
		"LISTRIGHTS":   {handler: auth(minArgs(2, "LISTRIGHTS requires mailbox and identifier", handleListRights)), blocking: true},
		"GETQUOTAROOT": {handler: auth(minArgs(1, "GETQUOTAROOT requires mailbox name", handleGetQuotaRoot)), blocking: true},
		"GETQUOTA":     {handler: auth(minArgs(1, "GETQUOTA requires quota root", handleGetQuota)), blocking: true},
		"SETQUOTA":     {handler: auth(handleSetQuota)},
		"IDLE":         {handler: auth(handleIdle)},

		// selected
		"CHECK":   {handler: selected(handleCheck), blocking: true},
		"CLOSE":   {handler: selected(handleClose), blocking: true},
		"UNSELECT": {handler: selected(handleUnselect)},
		"EXPUNGE": {handler: selected(handleExpunge), blocking: true, uid: true},
		"SEARCH":  {handler: selected(minArgs(1, "SEARCH requires search criteria", handleSearch)), blocking: true, uid: true, suppress: true},
		"SORT":    {handler: selected(minArgs(3, "SORT requires sort criteria, charset and search criteria", handleSort)), blocking: true, uid: true, suppress: true},
		"FETCH":   {handler: selected(minArgs(2, "FETCH requires sequence set and data items", handleFetch)), blocking: true, uid: true, suppress: true},
		"STORE":   {handler: selected(minArgs(3, "STORE requires sequence set, data item and flags", handleStore)), blocking: true, uid: true, suppress: true},
		"COPY":    {handler: selected(minArgs(2, "COPY requires sequence set and mailbox name", handleCopy)), blocking: true, uid: true},
		"MOVE":    {handler: selected(minArgs(2, "MOVE requires sequence set and mailbox name", handleMove)), blocking: true, uid: true},
	}
}

// execute runs a complete statement, inline or on the worker pool.
func (s *Session) execute(cmd *command) {
	spec, ok := s.srv.commands[cmd.name]
	if !ok || (cmd.uid && !spec.uid) {
		s.send(cmd.tag + " BAD command not recognized")
		metrics.ObserveCommand("imap", "unknown", "bad", cmd.start)
		s.fault()
		return
	}
	s.flush()
	cmd.sync = spec.blocking
	cmd.suppress = spec.suppress

	if !spec.blocking {
		ctx := context.Background()
		spec.handler(ctx, cmd)
		s.complete(ctx, cmd)
		s.apply(cmd)
		return
	}
	err := s.r.Dispatch(s.conn, func(ctx context.Context) func() {
		// commands iterating the view see it reconciled first, and the
		// updates precede their own output
		if cmd.suppress && s.state.Selected() {
			cmd.sync = false
			if !s.reconcile(ctx, cmd) {
				return func() { s.apply(cmd) }
			}
		}
		spec.handler(ctx, cmd)
		s.complete(ctx, cmd)
		return func() { s.apply(cmd) }
	})
	if err != nil {
		cmd.sync = false
		cmd.no("[UNAVAILABLE] Server shutting down")
		s.complete(context.Background(), cmd)
		s.apply(cmd)
	}
}

// complete runs the post-command reconciliation and appends the tagged
// response. It may run on a worker.
func (s *Session) complete(ctx context.Context, cmd *command) {
	if cmd.deferred {
		return
	}
	if cmd.status == "" {
		cmd.ok(cmd.completed())
	}
	if cmd.sync && cmd.status != "BAD" && s.state.Selected() {
		if !s.reconcile(ctx, cmd) {
			return
		}
	}
	cmd.send("%s %s %s", cmd.tag, cmd.status, cmd.text)
	metrics.ObserveCommand("imap", strings.ToLower(cmd.name), strings.ToLower(cmd.status), cmd.start)
}

// reconcile writes the pending mailbox updates to the command output. On
// failure the command ends with BYE and false is returned.
func (s *Session) reconcile(ctx context.Context, cmd *command) bool {
	lines, err := s.sync(ctx, cmd.suppress)
	if err != nil {
		s.log.WithError(err).Error("mailbox reconciliation failed")
		cmd.send("* BYE [UNAVAILABLE] Mailbox state lost, closing connection")
		cmd.status = "BYE"
		s.state.State = models.StateLogout
		return false
	}
	for _, l := range lines {
		cmd.send("%s", l)
	}
	return true
}

// apply hands the command output to the connection. Reactor only.
func (s *Session) apply(cmd *command) {
	s.flush()
	if cmd.out.Len() > 0 {
		s.conn.Write(cmd.out.Bytes())
		cmd.out.Reset()
	}
	after := cmd.after
	cmd.after = nil
	if cmd.deferred {
		// a deferred command may go back to a worker in after, which then
		// owns it
		if after != nil {
			after()
		}
		return
	}
	if after != nil {
		after()
	}
	switch cmd.status {
	case "OK":
		s.faults = 0
	case "NO", "BAD":
		s.fault()
	}
	if s.state.State == models.StateLogout {
		s.conn.CloseAfterFlush()
	}
	s.flush()
}
