// Package reconcile brings a session's view of a mailbox up to date with the
// store and produces the untagged responses that describe the change.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/server/parser"
)

// Strategy selects how a changed mailbox is reloaded.
type Strategy int

const (
	// StrategyFull reloads every row of the mailbox.
	StrategyFull Strategy = 1
	// StrategyDiff reads only rows changed since the previous snapshot.
	StrategyDiff Strategy = 2
)

func (s Strategy) String() string {
	if s == StrategyDiff {
		return "diff"
	}
	return "full"
}

// ParseStrategy maps the configuration value onto a strategy.
func ParseStrategy(n int) (Strategy, error) {
	switch Strategy(n) {
	case StrategyFull, StrategyDiff:
		return Strategy(n), nil
	}
	return 0, errors.Errorf("unknown mailbox update strategy %d", n)
}

// Loader reads mailbox snapshots from the store.
type Loader interface {
	ProbeSequence(ctx context.Context, ownerID, mailboxID int64) (uint64, error)
	RefreshMailboxState(ctx context.Context, ownerID, mailboxID int64) (*models.MailboxState, error)
	RefreshMailboxStateSince(ctx context.Context, base *models.MailboxState) (*models.MailboxState, error)
}

// Options describe the session the update is produced for.
type Options struct {
	Condstore bool
	QResync   bool
	// Suppress holds back EXPUNGE while a command iterates the view;
	// expunged messages stay in the view until a later sync.
	Suppress bool
}

// Update is the outcome of one sync.
type Update struct {
	Lines []string
	// View is what the client now believes; Base is the store snapshot it
	// was derived from.
	View *models.MailboxState
	Base *models.MailboxState
}

// Reconciler syncs views according to the configured strategy.
type Reconciler struct {
	store    Loader
	strategy Strategy
	log      *log.Entry
}

// New returns a reconciler loading through store.
func New(store Loader, strategy Strategy) *Reconciler {
	if strategy != StrategyDiff {
		strategy = StrategyFull
	}
	return &Reconciler{
		store:    store,
		strategy: strategy,
		log:      log.WithFields(log.Fields{"component": "reconcile", "strategy": strategy.String()}),
	}
}

// Strategy returns the reload strategy in use.
func (r *Reconciler) Strategy() Strategy {
	return r.strategy
}

// Load returns the newest snapshot of the mailbox of base, or base itself
// when its sequence counter is unchanged.
func (r *Reconciler) Load(ctx context.Context, base *models.MailboxState) (*models.MailboxState, error) {
	seq, err := r.store.ProbeSequence(ctx, base.OwnerID, base.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to probe mailbox")
	}
	if seq == base.Seq {
		return base, nil
	}
	metrics.Reconciles.WithLabelValues(r.strategy.String()).Inc()
	if r.strategy == StrategyDiff {
		return r.store.RefreshMailboxStateSince(ctx, base)
	}
	return r.store.RefreshMailboxState(ctx, base.OwnerID, base.ID)
}

// Sync loads the mailbox and diffs it against view. A store failure leaves
// the view untouched.
func (r *Reconciler) Sync(ctx context.Context, view, base *models.MailboxState, opts Options) (Update, error) {
	next, err := r.Load(ctx, base)
	if err != nil {
		return Update{View: view, Base: base}, err
	}
	if next == base && !hasHeldBack(view, base) {
		return Update{View: view, Base: base}, nil
	}
	lines, display := Compare(view, next, opts)
	if len(lines) > 0 {
		r.log.WithFields(log.Fields{"mailbox": next.Name, "updates": len(lines)}).Debug("mailbox changed")
	}
	return Update{Lines: lines, View: display, Base: next}, nil
}

// hasHeldBack reports whether view still shows messages that base lost,
// which happens after a suppressed sync.
func hasHeldBack(view, base *models.MailboxState) bool {
	if view.Exists != base.Exists {
		return true
	}
	for _, uid := range view.UIDs() {
		if _, ok := base.Message(uid); !ok {
			return true
		}
	}
	return false
}

// Compare computes the responses that move a client from old to next and
// returns the view the client holds afterwards. The order is EXPUNGE (or
// VANISHED), EXISTS, RECENT, FLAGS, then FETCH.
func Compare(old, next *models.MailboxState, opts Options) ([]string, *models.MailboxState) {
	display := present(old, next, opts.Suppress)
	var lines []string

	var gone []models.MessageInfo
	for _, m := range old.Rows() {
		if _, ok := display.Message(m.UID); !ok {
			gone = append(gone, m)
		}
	}
	if len(gone) > 0 {
		if opts.QResync {
			uids := make([]uint32, len(gone))
			for i, m := range gone {
				uids[i] = m.UID
			}
			lines = append(lines, "* VANISHED "+parser.FormatSet(uids))
		} else {
			for i := len(gone) - 1; i >= 0; i-- {
				lines = append(lines, fmt.Sprintf("* %d EXPUNGE", gone[i].MSN))
			}
		}
	}

	remaining := old.Exists - uint32(len(gone))
	if display.Exists > remaining || display.UIDNext > old.UIDNext {
		lines = append(lines, fmt.Sprintf("* %d EXISTS", display.Exists))
	}
	if display.Recent > old.Recent {
		lines = append(lines, fmt.Sprintf("* %d RECENT", display.Recent))
	}
	if !models.SameKeywords(old.Keywords, display.Keywords) {
		lines = append(lines, "* FLAGS ("+strings.Join(append(systemFlags(), display.Keywords...), " ")+")")
	}

	for _, m := range display.Rows() {
		prev, ok := old.Message(m.UID)
		if !ok {
			continue
		}
		flagsChanged := !sameFlags(prev, m)
		if !flagsChanged && !(opts.Condstore && prev.Modseq != m.Modseq) {
			continue
		}
		var items []string
		if opts.QResync {
			items = append(items, fmt.Sprintf("UID %d", m.UID))
		}
		items = append(items, "FLAGS ("+strings.Join(m.FlagList(), " ")+")")
		if opts.Condstore || opts.QResync {
			modseq := m.Modseq
			if modseq == 0 {
				modseq = 1
			}
			items = append(items, fmt.Sprintf("MODSEQ (%d)", modseq))
		}
		lines = append(lines, fmt.Sprintf("* %d FETCH (%s)", m.MSN, strings.Join(items, " ")))
	}
	return lines, display
}

// present builds the client view from next. Messages keep the \Recent
// state the client already knows; messages new to the client take it from
// the store. With suppress set, messages expunged from the store remain.
func present(old, next *models.MailboxState, suppress bool) *models.MailboxState {
	rows := next.Rows()
	for i, m := range rows {
		if prev, ok := old.Message(m.UID); ok {
			rows[i].Flags[models.FlagRecent] = prev.Flags[models.FlagRecent]
		}
	}
	if suppress {
		for _, m := range old.Rows() {
			if _, ok := next.Message(m.UID); !ok {
				rows = append(rows, m)
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })
	}
	meta := next.MailboxMeta
	meta.Keywords = old.Keywords
	return models.NewMailboxState(meta, rows)
}

// sameFlags compares everything but \Recent.
func sameFlags(a, b models.MessageInfo) bool {
	a.Flags[models.FlagRecent] = false
	b.Flags[models.FlagRecent] = false
	return a.SameFlags(b)
}

func systemFlags() []string {
	out := make([]string, 0, models.FlagRecent)
	for f := models.FlagSeen; f < models.FlagRecent; f++ {
		out = append(out, f.String())
	}
	return out
}
