package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/mime"
	"petrel/internal/models"
	"petrel/internal/server/fetch"
	"petrel/internal/server/parser"
)

// messageSet resolves a sequence set against the view into ascending uids.
func (s *Session) messageSet(set string, uid bool) ([]uint32, error) {
	seq, err := parser.ParseSeqSet(set)
	if err != nil {
		return nil, err
	}
	view := s.state.Mailbox
	if uid {
		return seq.Select(view.UIDs(), view.MaxUID()), nil
	}
	msns := seq.Numbers(view.Exists)
	uids := make([]uint32, 0, len(msns))
	for _, n := range msns {
		if u, ok := view.UID(n); ok {
			uids = append(uids, u)
		}
	}
	return uids, nil
}

// observe folds rows the session changed itself into its view, so the next
// reconciliation does not report them again. It reports whether the view
// gained keywords.
func (s *Session) observe(rows []models.MessageInfo) bool {
	if len(rows) == 0 {
		return false
	}
	view := s.state.Mailbox
	changed := make([]models.MessageInfo, 0, len(rows))
	for _, r := range rows {
		prev, ok := view.Message(r.UID)
		if !ok {
			continue
		}
		r.MSN = prev.MSN
		r.Flags[models.FlagRecent] = prev.Flags[models.FlagRecent]
		changed = append(changed, r)
	}
	next := view.Merge(view.MailboxMeta, changed)
	s.state.Mailbox = next
	return !models.SameKeywords(view.Keywords, next.Keywords)
}

// parseDateTime reads an APPEND date-time, whose day may be space padded.
func parseDateTime(s string) (time.Time, error) {
	if t, err := time.Parse(mime.DateTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("_2-Jan-2006 15:04:05 -0700", s)
}

func handleAppend(ctx context.Context, cmd *command) {
	s := cmd.sess
	args := cmd.args[1:]
	raw, meta := args[len(args)-1], args[:len(args)-1]

	flags := models.FlagUpdate{Op: models.StoreAdd}
	if len(meta) > 0 && meta[0] == "(" {
		end := closing(meta, 0)
		if end < 0 {
			cmd.bad("Invalid flag list")
			return
		}
		flags = models.ParseFlagList(models.StoreAdd, meta[1:end])
		meta = meta[end+1:]
	}
	var date time.Time
	if len(meta) > 0 {
		d, err := parseDateTime(meta[0])
		if err != nil {
			cmd.bad("Invalid date-time")
			return
		}
		date, meta = d, meta[1:]
	}
	if len(meta) > 0 {
		cmd.bad("Invalid APPEND arguments")
		return
	}
	if s.srv.cfg.MaxMessageSize > 0 && int64(len(raw)) > s.srv.cfg.MaxMessageSize {
		cmd.no("[TOOBIG] Message size invalid or too large")
		return
	}

	t, err := s.resolve(ctx, cmd.args[0])
	if errors.Is(err, db.ErrNotFound) {
		cmd.no("[TRYCREATE] Folder does not exist")
		return
	}
	if err != nil {
		failure(cmd, err, "APPEND")
		return
	}
	if !t.rights.Has(models.RightInsert) {
		cmd.no("[NOPERM] Permission denied")
		return
	}
	uid, err := s.srv.store.AppendMessage(ctx, t.mb.OwnerID, t.mb.ID, []byte(raw), flags, date)
	if err != nil {
		failure(cmd, err, "APPEND")
		return
	}
	s.log.WithFields(log.Fields{"mailbox": t.name, "uid": uid, "size": len(raw)}).Debug("message appended")
	cmd.ok(fmt.Sprintf("[APPENDUID %d %d] APPEND completed", t.mb.UIDValidity, uid))
}

func handleCheck(context.Context, *command) {}

func handleClose(ctx context.Context, cmd *command) {
	s := cmd.sess
	view := s.state.Mailbox
	if !s.state.ReadOnly && s.rights.Has(models.RightExpunge) {
		if _, err := s.srv.store.Expunge(ctx, view.OwnerID, view.ID, nil, true); err != nil {
			s.log.WithError(err).Error("expunge on close failed")
		}
	}
	s.state.Unselect()
	s.base = nil
}

func handleUnselect(_ context.Context, cmd *command) {
	cmd.sess.state.Unselect()
	cmd.sess.base = nil
}

func handleExpunge(ctx context.Context, cmd *command) {
	s := cmd.sess
	if s.state.ReadOnly {
		cmd.no("[READ-ONLY] Mailbox is read-only")
		return
	}
	if !s.rights.Has(models.RightExpunge) {
		cmd.no("[NOPERM] Permission denied")
		return
	}
	var uids []uint32
	if cmd.uid {
		if len(cmd.args) < 1 {
			cmd.bad("UID EXPUNGE requires UID sequence")
			return
		}
		var err error
		if uids, err = s.messageSet(cmd.args[0], true); err != nil {
			cmd.bad("Invalid sequence set")
			return
		}
		if len(uids) == 0 {
			return
		}
	}
	view := s.state.Mailbox
	removed, err := s.srv.store.Expunge(ctx, view.OwnerID, view.ID, uids, true)
	if err != nil {
		failure(cmd, err, cmd.fullName())
		return
	}
	s.log.WithField("count", len(removed)).Debug("messages expunged")
}

func handleFetch(ctx context.Context, cmd *command) {
	s := cmd.sess
	uids, err := s.messageSet(cmd.args[0], cmd.uid)
	if err != nil {
		cmd.bad("Invalid sequence set")
		return
	}
	plan, err := fetch.Compile(cmd.args[1:], fetch.Options{UID: cmd.uid, QResync: s.state.QResync})
	if err != nil {
		cmd.bad(fmt.Sprintf("Invalid data item: %v", err))
		return
	}
	if plan.Condstore {
		s.state.Condstore = true
	}
	view := s.state.Mailbox

	if plan.Vanished {
		if !cmd.uid {
			cmd.bad("VANISHED requires UID FETCH")
			return
		}
		set, _ := parser.ParseSeqSet(cmd.args[0])
		gone, err := s.srv.store.ExpungedSince(ctx, view.OwnerID, view.ID, plan.ChangedSince)
		if err != nil {
			failure(cmd, err, cmd.fullName())
			return
		}
		var vanished []uint32
		for _, uid := range gone {
			if set.Contains(uid, view.UIDNext-1) {
				vanished = append(vanished, uid)
			}
		}
		if len(vanished) > 0 {
			cmd.send("* VANISHED (EARLIER) %s", parser.FormatSet(vanished))
		}
	}

	res, err := s.srv.emitter.Emit(ctx, &cmd.out, fetch.Request{
		Plan:     plan,
		State:    view,
		UIDs:     uids,
		UserID:   s.state.UserID,
		Modseq:   s.state.Condstore,
		ReadOnly: s.state.ReadOnly,
	})
	if err != nil {
		s.log.WithError(err).Error("fetch failed")
		cmd.no("[SERVERBUG] " + cmd.fullName() + " failed")
		return
	}
	s.log.WithField("responses", res.Sent).Debug("S: FETCH responses")
	s.observe(res.Updated)
}

// storeItem is the data item of a STORE command.
type storeItem struct {
	op     models.StoreOp
	silent bool
}

func parseStoreItem(s string) (storeItem, bool) {
	s = strings.ToUpper(s)
	var it storeItem
	if base, ok := strings.CutSuffix(s, ".SILENT"); ok {
		it.silent, s = true, base
	}
	switch s {
	case "FLAGS":
		it.op = models.StoreReplace
	case "+FLAGS":
		it.op = models.StoreAdd
	case "-FLAGS":
		it.op = models.StoreRemove
	default:
		return it, false
	}
	return it, true
}

// storeRights lists the rights an update needs.
func storeRights(u models.FlagUpdate) []models.Right {
	replace := u.Op == models.StoreReplace
	var need []models.Right
	if replace || u.System[models.FlagSeen] {
		need = append(need, models.RightSeen)
	}
	if replace || u.System[models.FlagDeleted] {
		need = append(need, models.RightDeleteMessage)
	}
	if replace || len(u.Keywords) > 0 || u.System[models.FlagAnswered] ||
		u.System[models.FlagFlagged] || u.System[models.FlagDraft] {
		need = append(need, models.RightWrite)
	}
	return need
}

func handleStore(ctx context.Context, cmd *command) {
	s := cmd.sess
	if s.state.ReadOnly {
		cmd.no("[READ-ONLY] Mailbox is read-only")
		return
	}
	uids, err := s.messageSet(cmd.args[0], cmd.uid)
	if err != nil {
		cmd.bad("Invalid sequence set")
		return
	}

	rest := cmd.args[1:]
	var unchangedSince uint64
	if rest[0] == "(" {
		end := closing(rest, 0)
		if end != 3 || !strings.EqualFold(rest[1], "UNCHANGEDSINCE") {
			cmd.bad("Invalid STORE modifier")
			return
		}
		if unchangedSince, err = strconv.ParseUint(rest[2], 10, 64); err != nil {
			cmd.bad("Invalid UNCHANGEDSINCE value")
			return
		}
		s.state.Condstore = true
		rest = rest[end+1:]
	}
	if len(rest) < 2 {
		cmd.bad("STORE requires sequence set, data item, and value")
		return
	}
	item, ok := parseStoreItem(rest[0])
	if !ok {
		cmd.bad("Invalid data item: " + rest[0])
		return
	}
	values := rest[1:]
	if values[0] == "(" && values[len(values)-1] == ")" {
		values = values[1 : len(values)-1]
	}
	update := models.ParseFlagList(item.op, values)
	for _, r := range storeRights(update) {
		if !s.rights.Has(r) {
			cmd.no("[NOPERM] Permission denied")
			return
		}
	}

	view := s.state.Mailbox
	rows, failed, err := s.srv.store.SetFlags(ctx, view.OwnerID, view.ID, uids, update, unchangedSince)
	if err != nil {
		failure(cmd, err, cmd.fullName())
		return
	}
	if s.observe(rows) {
		cmd.send("* FLAGS (%s)", strings.Join(append(flagNames(), s.state.Mailbox.Keywords...), " "))
	}

	next := s.state.Mailbox
	for _, r := range rows {
		m, ok := next.Message(r.UID)
		if !ok {
			continue
		}
		prev, _ := view.Message(r.UID)
		changed := prev.Modseq != m.Modseq
		var items []string
		if cmd.uid {
			items = append(items, fmt.Sprintf("UID %d", m.UID))
		}
		switch {
		case !item.silent:
			items = append(items, "FLAGS ("+strings.Join(m.FlagList(), " ")+")")
		case !(s.state.Condstore && changed):
			continue
		}
		if s.state.Condstore {
			items = append(items, fmt.Sprintf("MODSEQ (%d)", m.Modseq))
		}
		cmd.send("* %d FETCH (%s)", m.MSN, strings.Join(items, " "))
	}

	if len(failed) > 0 {
		ids := failed
		if !cmd.uid {
			ids = make([]uint32, 0, len(failed))
			for _, uid := range failed {
				if msn, ok := next.MSN(uid); ok {
					ids = append(ids, msn)
				}
			}
		}
		cmd.ok(fmt.Sprintf("[MODIFIED %s] Conditional STORE failed", parser.FormatSet(ids)))
	}
}

func handleCopy(ctx context.Context, cmd *command) {
	cmd.sess.transfer(ctx, cmd, false)
}

func handleMove(ctx context.Context, cmd *command) {
	cmd.sess.transfer(ctx, cmd, true)
}

// transfer implements COPY and MOVE, possibly into a mailbox of another
// user.
func (s *Session) transfer(ctx context.Context, cmd *command, move bool) {
	uids, err := s.messageSet(cmd.args[0], cmd.uid)
	if err != nil {
		cmd.bad("Invalid sequence set")
		return
	}
	if move {
		if s.state.ReadOnly {
			cmd.no("[READ-ONLY] Mailbox is read-only")
			return
		}
		if !s.rights.Has(models.RightDeleteMessage) || !s.rights.Has(models.RightExpunge) {
			cmd.no("[NOPERM] Permission denied")
			return
		}
	}
	dst, err := s.resolve(ctx, cmd.args[1])
	if errors.Is(err, db.ErrNotFound) {
		cmd.no("[TRYCREATE] Destination mailbox does not exist")
		return
	}
	if err != nil {
		failure(cmd, err, cmd.fullName())
		return
	}
	if !dst.rights.Has(models.RightInsert) {
		cmd.no("[NOPERM] Permission denied")
		return
	}
	if len(uids) == 0 {
		return
	}

	view := s.state.Mailbox
	var res db.CopyResult
	if move {
		res, err = s.srv.store.MoveMessages(ctx, view.OwnerID, view.ID, uids, dst.mb.OwnerID, dst.mb.ID)
	} else {
		res, err = s.srv.store.CopyMessages(ctx, view.OwnerID, view.ID, uids, dst.mb.OwnerID, dst.mb.ID)
	}
	if err != nil {
		failure(cmd, err, cmd.fullName())
		return
	}
	if len(res.Source) == 0 {
		return
	}
	code := fmt.Sprintf("[COPYUID %d %s %s]", res.UIDValidity, parser.FormatSet(res.Source), parser.FormatSet(res.Dest))
	if move {
		cmd.send("* OK %s Moved", code)
		return
	}
	cmd.ok(code + " " + cmd.completed())
}
