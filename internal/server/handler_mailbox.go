package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"petrel/internal/db"
	"petrel/internal/models"
	"petrel/internal/server/parser"
	"petrel/internal/server/utils"
)

// sharedPrefix roots the namespace of mailboxes other users shared.
const sharedPrefix = "#Users/"

// target is a mailbox addressed by a command.
type target struct {
	mb db.Mailbox
	// name is the mailbox name as the client sees it.
	name   string
	rights models.Rights
}

func isShared(name string) bool {
	return strings.HasPrefix(name, sharedPrefix) || name == strings.TrimSuffix(sharedPrefix, "/")
}

// resolve looks up a mailbox in the personal or the shared namespace.
// Shared mailboxes without the lookup right do not exist for the user.
func (s *Session) resolve(ctx context.Context, name string) (target, error) {
	rest, shared := strings.CutPrefix(name, sharedPrefix)
	if !shared {
		mb, err := s.srv.store.GetMailbox(ctx, s.state.UserID, name)
		if err != nil {
			return target{}, err
		}
		return target{mb: mb, name: mb.Name, rights: models.AllRights}, nil
	}

	ownerName, box, ok := strings.Cut(rest, utils.Delimiter)
	if !ok || box == "" {
		return target{}, errors.Wrap(db.ErrNotFound, name)
	}
	owner, err := s.srv.store.GetUser(ctx, ownerName)
	if err != nil {
		return target{}, err
	}
	if owner.ID == s.state.UserID {
		return s.resolve(ctx, box)
	}
	mb, err := s.srv.store.GetMailbox(ctx, owner.ID, box)
	if err != nil {
		return target{}, err
	}
	rights, err := s.srv.acl.RightsOn(ctx, owner.ID, mb.ID, s.state.UserID)
	if err != nil {
		return target{}, err
	}
	if !rights.Has(models.RightLookup) {
		return target{}, errors.Wrap(db.ErrNotFound, name)
	}
	return target{mb: mb, name: sharedPrefix + owner.Username + utils.Delimiter + mb.Name, rights: rights}, nil
}

// failure maps a store error onto a NO response.
func failure(cmd *command, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		cmd.no("[NONEXISTENT] Mailbox does not exist")
	case errors.Is(err, db.ErrExists):
		cmd.no("[ALREADYEXISTS] Mailbox already exists")
	case errors.Is(err, db.ErrQuotaExceeded):
		cmd.no("[OVERQUOTA] Quota exceeded")
	case errors.Is(err, db.ErrNotAllowed):
		cmd.no(fmt.Sprintf("%s failure: %v", what, err))
	default:
		cmd.sess.log.WithError(err).WithField("command", cmd.name).Error("store operation failed")
		cmd.no("[SERVERBUG] " + what + " failed")
	}
}

type qresyncParams struct {
	uidValidity uint32
	modseq      uint64
	known       parser.SeqSet
}

type selectParams struct {
	condstore bool
	qresync   *qresyncParams
}

// closing returns the index of the parenthesis closing the one at open.
func closing(args []string, open int) int {
	depth := 0
	for i := open; i < len(args); i++ {
		switch args[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseSelectParams(args []string) (selectParams, error) {
	var p selectParams
	if len(args) == 0 {
		return p, nil
	}
	if args[0] != "(" || closing(args, 0) != len(args)-1 {
		return p, errors.New("parameters must be parenthesized")
	}
	args = args[1 : len(args)-1]
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "CONDSTORE":
			p.condstore = true
		case "QRESYNC":
			if i+1 >= len(args) || args[i+1] != "(" {
				return p, errors.New("QRESYNC requires a parameter list")
			}
			end := closing(args, i+1)
			if end < 0 {
				return p, errors.New("unbalanced QRESYNC parameters")
			}
			q, err := parseQResync(args[i+2 : end])
			if err != nil {
				return p, err
			}
			p.qresync = &q
			i = end
		default:
			return p, errors.Errorf("unknown parameter %s", args[i])
		}
	}
	return p, nil
}

func parseQResync(args []string) (qresyncParams, error) {
	var q qresyncParams
	if len(args) < 2 {
		return q, errors.New("QRESYNC requires uidvalidity and modseq")
	}
	uv, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || uv == 0 {
		return q, errors.New("invalid uidvalidity")
	}
	modseq, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil || modseq == 0 {
		return q, errors.New("invalid modseq")
	}
	q.uidValidity, q.modseq = uint32(uv), modseq
	// the optional sequence match data is accepted and ignored
	if len(args) > 2 && args[2] != "(" {
		if q.known, err = parser.ParseSeqSet(args[2]); err != nil {
			return q, errors.Wrap(err, "invalid known uids")
		}
	}
	return q, nil
}

func flagNames() []string {
	out := make([]string, 0, models.FlagRecent)
	for f := models.FlagSeen; f < models.FlagRecent; f++ {
		out = append(out, f.String())
	}
	return out
}

func handleSelect(ctx context.Context, cmd *command) {
	s := cmd.sess
	cmd.sync = false
	if s.state.Selected() {
		s.state.Unselect()
		s.base = nil
		if s.state.QResync {
			cmd.send("* OK [CLOSED] Previous mailbox is now closed")
		}
	}

	params, err := parseSelectParams(cmd.args[1:])
	if err != nil {
		cmd.bad(fmt.Sprintf("Invalid %s parameters: %v", cmd.name, err))
		return
	}
	if params.qresync != nil && !s.state.QResync {
		cmd.bad("QRESYNC is not enabled")
		return
	}

	t, err := s.resolve(ctx, cmd.args[0])
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	if t.mb.NoSelect {
		cmd.no("Mailbox is not selectable")
		return
	}
	if !t.rights.Has(models.RightRead) {
		cmd.no("[NOPERM] Permission denied")
		return
	}

	readOnly := cmd.name == "EXAMINE"
	var view, base *models.MailboxState
	if readOnly {
		base, err = s.srv.store.RefreshMailboxState(ctx, t.mb.OwnerID, t.mb.ID)
		view = base
	} else {
		view, base, err = s.srv.store.ClearRecent(ctx, t.mb.OwnerID, t.mb.ID)
	}
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	if params.condstore || params.qresync != nil {
		s.state.Condstore = true
	}
	s.state.State = models.StateSelected
	s.state.Mailbox = view
	s.state.ReadOnly = readOnly
	s.base = base
	s.rights = t.rights

	cmd.send("* FLAGS (%s)", strings.Join(append(flagNames(), view.Keywords...), " "))
	if readOnly {
		cmd.send("* OK [PERMANENTFLAGS ()] No permanent flags permitted")
	} else {
		perm := append(flagNames(), view.Keywords...)
		perm = append(perm, `\*`)
		cmd.send("* OK [PERMANENTFLAGS (%s)] Flags permitted", strings.Join(perm, " "))
	}
	cmd.send("* %d EXISTS", view.Exists)
	cmd.send("* %d RECENT", view.Recent)
	if n := view.FirstUnseen(); n > 0 {
		cmd.send("* OK [UNSEEN %d] Message %d is first unseen", n, n)
	}
	cmd.send("* OK [UIDVALIDITY %d] UIDs valid", view.UIDValidity)
	cmd.send("* OK [UIDNEXT %d] Predicted next UID", view.UIDNext)
	if s.state.Condstore {
		cmd.send("* OK [HIGHESTMODSEQ %d] Highest", view.HighestModseq())
	}
	if q := params.qresync; q != nil && q.uidValidity == view.UIDValidity {
		if err := s.resync(ctx, cmd, *q); err != nil {
			failure(cmd, err, cmd.name)
			return
		}
	}

	mode := "[READ-WRITE]"
	if readOnly {
		mode = "[READ-ONLY]"
	}
	s.log.WithField("mailbox", t.name).Debug("mailbox selected")
	cmd.ok(mode + " " + cmd.name + " completed")
}

// resync reports what changed since the client's modseq.
func (s *Session) resync(ctx context.Context, cmd *command, q qresyncParams) error {
	view := s.state.Mailbox
	star := view.UIDNext - 1
	known := func(uid uint32) bool { return q.known == nil || q.known.Contains(uid, star) }

	gone, err := s.srv.store.ExpungedSince(ctx, view.OwnerID, view.ID, q.modseq)
	if err != nil {
		return err
	}
	var vanished []uint32
	for _, uid := range gone {
		if known(uid) {
			vanished = append(vanished, uid)
		}
	}
	if len(vanished) > 0 {
		cmd.send("* VANISHED (EARLIER) %s", parser.FormatSet(vanished))
	}
	for _, m := range view.Rows() {
		if m.Modseq <= q.modseq || !known(m.UID) {
			continue
		}
		cmd.send("* %d FETCH (UID %d FLAGS (%s) MODSEQ (%d))", m.MSN, m.UID, strings.Join(m.FlagList(), " "), m.Modseq)
	}
	return nil
}

func handleCreate(ctx context.Context, cmd *command) {
	s := cmd.sess
	name := strings.TrimSuffix(cmd.args[0], utils.Delimiter)
	switch {
	case name == "":
		cmd.no("Cannot create mailbox with empty name")
		return
	case strings.EqualFold(name, "INBOX"):
		cmd.no("Cannot create INBOX - it already exists")
		return
	case isShared(name):
		cmd.no("[NOPERM] Cannot create mailboxes of other users")
		return
	}
	if _, err := s.srv.store.CreateMailbox(ctx, s.state.UserID, name); err != nil {
		failure(cmd, err, "Create")
		return
	}
	s.log.WithField("mailbox", name).Info("mailbox created")
}

func handleDelete(ctx context.Context, cmd *command) {
	s := cmd.sess
	name := cmd.args[0]
	switch {
	case strings.EqualFold(name, "INBOX"):
		cmd.no("Cannot delete INBOX")
		return
	case isShared(name):
		cmd.no("[NOPERM] Cannot delete mailboxes of other users")
		return
	}
	if s.state.Selected() && s.state.Mailbox.OwnerID == s.state.UserID && s.state.Mailbox.Name == name {
		s.state.Unselect()
		s.base = nil
	}
	if err := s.srv.store.DeleteMailbox(ctx, s.state.UserID, name); err != nil {
		failure(cmd, err, "Delete")
		return
	}
	s.log.WithField("mailbox", name).Info("mailbox deleted")
}

func handleRename(ctx context.Context, cmd *command) {
	s := cmd.sess
	from, to := cmd.args[0], strings.TrimSuffix(cmd.args[1], utils.Delimiter)
	switch {
	case strings.EqualFold(to, "INBOX"):
		cmd.no("Cannot rename to INBOX")
		return
	case isShared(from) || isShared(to):
		cmd.no("[NOPERM] Cannot rename mailboxes of other users")
		return
	}
	err := s.srv.store.RenameMailbox(ctx, s.state.UserID, from, to)
	switch {
	case errors.Is(err, db.ErrNotFound):
		cmd.no("[NONEXISTENT] Source mailbox does not exist")
	case errors.Is(err, db.ErrExists):
		cmd.no("[ALREADYEXISTS] Destination mailbox already exists")
	case err != nil:
		failure(cmd, err, "Rename")
	}
}

func handleSubscribe(ctx context.Context, cmd *command) {
	s := cmd.sess
	if err := s.srv.store.Subscribe(ctx, s.state.UserID, cmd.args[0]); err != nil {
		s.log.WithError(err).Error("subscribe failed")
		cmd.no("SUBSCRIBE failure: server error")
	}
}

func handleUnsubscribe(ctx context.Context, cmd *command) {
	s := cmd.sess
	err := s.srv.store.Unsubscribe(ctx, s.state.UserID, cmd.args[0])
	switch {
	case errors.Is(err, db.ErrNotFound):
		cmd.no("UNSUBSCRIBE failure: can't unsubscribe that name")
	case err != nil:
		s.log.WithError(err).Error("unsubscribe failed")
		cmd.no("UNSUBSCRIBE failure: server error")
	}
}

// listEntry describes one name LIST can return.
type listEntry struct {
	noSelect   bool
	specialUse string
}

// mailboxTree collects the personal mailboxes and those shared with the
// user, in name order.
func (s *Session) mailboxTree(ctx context.Context) (map[string]listEntry, []string, error) {
	entries := make(map[string]listEntry)
	own, err := s.srv.store.ListMailboxes(ctx, s.state.UserID)
	if err != nil {
		return nil, nil, err
	}
	for _, mb := range own {
		entries[mb.Name] = listEntry{noSelect: mb.NoSelect, specialUse: mb.SpecialUse}
	}

	shared, err := s.srv.store.SharedWith(ctx, s.state.UserID, s.state.Username)
	if err != nil {
		return nil, nil, err
	}
	owners := make(map[int64]string)
	for _, sh := range shared {
		if !sh.Rights.Has(models.RightLookup) {
			continue
		}
		owner, ok := owners[sh.OwnerID]
		if !ok {
			u, err := s.srv.store.GetUserByID(ctx, sh.OwnerID)
			if err != nil {
				continue
			}
			owner = u.Username
			owners[sh.OwnerID] = owner
		}
		mb, err := s.srv.store.GetMailboxByID(ctx, sh.OwnerID, sh.MailboxID)
		if err != nil {
			continue
		}
		entries[sharedPrefix+owner+utils.Delimiter+mb.Name] = listEntry{noSelect: mb.NoSelect}
		// intermediate levels of the shared tree
		for _, parent := range []string{strings.TrimSuffix(sharedPrefix, "/"), sharedPrefix + owner} {
			if _, ok := entries[parent]; !ok {
				entries[parent] = listEntry{noSelect: true}
			}
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return entries, names, nil
}

func (e listEntry) attributes(name string, names []string) string {
	var attrs []string
	if e.noSelect {
		attrs = append(attrs, `\Noselect`)
	}
	if utils.HasChildren(name, names) {
		attrs = append(attrs, `\HasChildren`)
	} else {
		attrs = append(attrs, `\HasNoChildren`)
	}
	if e.specialUse != "" {
		attrs = append(attrs, e.specialUse)
	}
	return strings.Join(attrs, " ")
}

func handleList(ctx context.Context, cmd *command) {
	s := cmd.sess
	reference, pattern := cmd.args[0], cmd.args[1]
	if pattern == "" {
		cmd.send(`* LIST (\Noselect) "%s" ""`, utils.Delimiter)
		return
	}
	entries, names, err := s.mailboxTree(ctx)
	if err != nil {
		s.log.WithError(err).Error("list failed")
		cmd.no("LIST failure: can't list mailboxes")
		return
	}
	for _, name := range utils.FilterMailboxes(names, reference, pattern) {
		cmd.send(`* LIST (%s) "%s" %s`, entries[name].attributes(name, names), utils.Delimiter, parser.Quote(name))
	}
}

func handleLsub(ctx context.Context, cmd *command) {
	s := cmd.sess
	reference, pattern := cmd.args[0], cmd.args[1]
	if pattern == "" {
		cmd.send(`* LSUB (\Noselect) "%s" ""`, utils.Delimiter)
		return
	}
	subs, err := s.srv.store.ListSubscriptions(ctx, s.state.UserID)
	if err != nil {
		s.log.WithError(err).Error("lsub failed")
		cmd.no("LSUB failure: can't list that reference or name")
		return
	}
	sort.Strings(subs)
	for _, name := range utils.FilterMailboxes(subs, reference, pattern) {
		cmd.send(`* LSUB () "%s" %s`, utils.Delimiter, parser.Quote(name))
	}
}

func handleStatus(ctx context.Context, cmd *command) {
	s := cmd.sess
	items := cmd.args[1:]
	if len(items) >= 2 && items[0] == "(" && items[len(items)-1] == ")" {
		items = items[1 : len(items)-1]
	}
	if len(items) == 0 {
		cmd.bad("STATUS requires status data items")
		return
	}
	t, err := s.resolve(ctx, cmd.args[0])
	if err != nil {
		cmd.no("STATUS failure: no status for that name")
		return
	}
	if !t.rights.Has(models.RightRead) {
		cmd.no("[NOPERM] Permission denied")
		return
	}
	st, err := s.srv.store.Status(ctx, t.mb.OwnerID, t.mb.ID)
	if err != nil {
		failure(cmd, err, "STATUS")
		return
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", st.Messages))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", st.Recent))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", st.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", st.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", st.Unseen))
		case "HIGHESTMODSEQ":
			s.state.Condstore = true
			parts = append(parts, fmt.Sprintf("HIGHESTMODSEQ %d", st.HighestModseq))
		case "SIZE":
			parts = append(parts, fmt.Sprintf("SIZE %d", st.Size))
		default:
			cmd.bad("Unknown status data item: " + item)
			return
		}
	}
	cmd.send("* STATUS %s (%s)", parser.Quote(t.name), strings.Join(parts, " "))
}

func handleNamespace(_ context.Context, cmd *command) {
	cmd.send(`* NAMESPACE (("" "%s")) ((%s "%s")) NIL`, utils.Delimiter, parser.Quote(sharedPrefix), utils.Delimiter)
}
