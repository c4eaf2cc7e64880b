package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/models"
	"petrel/internal/server/parser"
)

func handleEnable(_ context.Context, cmd *command) {
	s := cmd.sess
	var enabled []string
	for _, arg := range cmd.args {
		switch strings.ToUpper(arg) {
		case "CONDSTORE":
			if !s.state.Condstore {
				s.state.Condstore = true
				enabled = append(enabled, "CONDSTORE")
			}
		case "QRESYNC":
			if !s.state.QResync {
				// QRESYNC implies CONDSTORE
				s.state.QResync = true
				s.state.Condstore = true
				enabled = append(enabled, "QRESYNC")
			}
		}
	}
	cmd.send("%s", strings.TrimSpace("* ENABLED "+strings.Join(enabled, " ")))
}

// handleIdle leaves the command open until the client sends DONE. The
// reactor tick reconciles the mailbox meanwhile.
func handleIdle(_ context.Context, cmd *command) {
	s := cmd.sess
	cmd.send("+ idling")
	cmd.deferred = true
	s.idle = cmd
}

// adminTarget resolves a mailbox whose access list the user wants to see or
// change, which requires the admin right.
func (s *Session) adminTarget(ctx context.Context, cmd *command) (target, bool) {
	t, err := s.resolve(ctx, cmd.args[0])
	if err != nil {
		failure(cmd, err, cmd.name)
		return t, false
	}
	if !t.rights.Has(models.RightAdmin) {
		cmd.no("[NOPERM] Permission denied")
		return t, false
	}
	return t, true
}

func (s *Session) ownerName(ctx context.Context, t target) string {
	if t.mb.OwnerID == s.state.UserID {
		return s.state.Username
	}
	if u, err := s.srv.store.GetUserByID(ctx, t.mb.OwnerID); err == nil {
		return u.Username
	}
	return ""
}

func handleGetACL(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, ok := s.adminTarget(ctx, cmd)
	if !ok {
		return
	}
	acl, err := s.srv.store.GetACL(ctx, t.mb.OwnerID, t.mb.ID)
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	grantees := make([]string, 0, len(acl))
	for g := range acl {
		grantees = append(grantees, g)
	}
	sort.Strings(grantees)

	parts := []string{parser.Quote(t.name), parser.Quote(s.ownerName(ctx, t)), string(models.AllRights)}
	for _, g := range grantees {
		parts = append(parts, parser.Quote(g), string(acl[g]))
	}
	cmd.send("* ACL %s", strings.Join(parts, " "))
}

func handleSetACL(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, ok := s.adminTarget(ctx, cmd)
	if !ok {
		return
	}
	grantee, spec := cmd.args[1], cmd.args[2]
	if strings.EqualFold(grantee, s.ownerName(ctx, t)) {
		cmd.no("Cannot change the rights of the mailbox owner")
		return
	}
	mode := byte(0)
	if spec != "" && (spec[0] == '+' || spec[0] == '-') {
		mode, spec = spec[0], spec[1:]
	}
	rights, err := models.ParseRights(spec)
	if err != nil {
		cmd.bad(fmt.Sprintf("Invalid rights: %v", err))
		return
	}
	if mode != 0 {
		acl, err := s.srv.store.GetACL(ctx, t.mb.OwnerID, t.mb.ID)
		if err != nil {
			failure(cmd, err, cmd.name)
			return
		}
		current := acl[db.NormalizeUsername(grantee)]
		if mode == '+' {
			rights = current.Union(rights)
		} else {
			rights = current.Without(rights)
		}
	}
	if err := s.srv.store.SetACL(ctx, t.mb.OwnerID, t.mb.ID, grantee, rights); err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	s.log.WithFields(log.Fields{"mailbox": t.name, "grantee": grantee, "rights": string(rights)}).Info("acl changed")
}

func handleDeleteACL(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, ok := s.adminTarget(ctx, cmd)
	if !ok {
		return
	}
	if err := s.srv.store.DeleteACL(ctx, t.mb.OwnerID, t.mb.ID, cmd.args[1]); err != nil {
		failure(cmd, err, cmd.name)
	}
}

func handleMyRights(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, err := s.resolve(ctx, cmd.args[0])
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	cmd.send("* MYRIGHTS %s %s", parser.Quote(t.name), t.rights)
}

func handleListRights(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, ok := s.adminTarget(ctx, cmd)
	if !ok {
		return
	}
	grantee := cmd.args[1]
	if strings.EqualFold(grantee, s.ownerName(ctx, t)) {
		cmd.send("* LISTRIGHTS %s %s %s", parser.Quote(t.name), parser.Quote(grantee), models.AllRights)
		return
	}
	optional := make([]string, 0, len(models.AllRights))
	for _, r := range models.AllRights {
		optional = append(optional, string(r))
	}
	cmd.send(`* LISTRIGHTS %s %s "" %s`, parser.Quote(t.name), parser.Quote(grantee), strings.Join(optional, " "))
}

// quotaLine renders the single storage quota root, in KiB.
func (s *Session) quotaLine(ctx context.Context, ownerID int64) (string, error) {
	limit := s.srv.store.QuotaLimit()
	if limit <= 0 {
		return `* QUOTA "" ()`, nil
	}
	u, err := s.srv.store.QuotaUsage(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`* QUOTA "" (STORAGE %d %d)`, (u.Bytes+1023)/1024, limit/1024), nil
}

func handleGetQuotaRoot(ctx context.Context, cmd *command) {
	s := cmd.sess
	t, err := s.resolve(ctx, cmd.args[0])
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	line, err := s.quotaLine(ctx, t.mb.OwnerID)
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	cmd.send(`* QUOTAROOT %s ""`, parser.Quote(t.name))
	cmd.send("%s", line)
}

func handleGetQuota(ctx context.Context, cmd *command) {
	s := cmd.sess
	if cmd.args[0] != "" {
		cmd.no("No such quota root")
		return
	}
	line, err := s.quotaLine(ctx, s.state.UserID)
	if err != nil {
		failure(cmd, err, cmd.name)
		return
	}
	cmd.send("%s", line)
}

func handleSetQuota(_ context.Context, cmd *command) {
	cmd.no("[NOPERM] Quota is managed by the administrator")
}
