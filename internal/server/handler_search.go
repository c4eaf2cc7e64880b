package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/mime"
	"petrel/internal/models"
	"petrel/internal/server/parser"
)

var errBadCharset = errors.New("unsupported charset")

// candidate is one message being searched or sorted. The message text is
// loaded on first use.
type candidate struct {
	info   models.MessageInfo
	msg    *mime.Message
	loaded bool
}

type searchRun struct {
	ctx   context.Context
	store *db.DBManager
	view  *models.MailboxState
	log   *log.Entry
}

func (r *searchRun) message(c *candidate) *mime.Message {
	if c.loaded {
		return c.msg
	}
	c.loaded = true
	msg, err := r.load(c.info.UID)
	if err != nil {
		// the message reads as empty and matches no content key
		r.log.WithError(err).WithField("uid", c.info.UID).Warn("search could not load message")
		return nil
	}
	c.msg = msg
	return c.msg
}

func (r *searchRun) load(uid uint32) (*mime.Message, error) {
	phys, err := r.store.FetchPhysMessageID(r.ctx, r.view.OwnerID, r.view.ID, uid)
	if err != nil {
		return nil, err
	}
	raw, err := r.store.MessageRaw(r.ctx, r.view.OwnerID, phys)
	if err != nil {
		return nil, err
	}
	return mime.Parse(raw)
}

type matcher func(r *searchRun, c *candidate) bool

// searchParser compiles search keys into a matcher.
type searchParser struct {
	args   []string
	pos    int
	view   *models.MailboxState
	modseq bool
}

func (p *searchParser) arg() (string, error) {
	if p.pos >= len(p.args) {
		return "", errors.New("missing search argument")
	}
	a := p.args[p.pos]
	p.pos++
	return a, nil
}

func (p *searchParser) number() (int64, error) {
	a, err := p.arg()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(a, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid number %q", a)
	}
	return n, nil
}

func (p *searchParser) date() (time.Time, error) {
	a, err := p.arg()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("2-Jan-2006", a)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid date %q", a)
	}
	return t, nil
}

// list parses keys up to the end or a closing parenthesis; they all must
// match.
func (p *searchParser) list() (matcher, error) {
	var all []matcher
	for p.pos < len(p.args) && p.args[p.pos] != ")" {
		m, err := p.key()
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if len(all) == 0 {
		return nil, errors.New("missing search key")
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return func(r *searchRun, c *candidate) bool {
		for _, m := range all {
			if !m(r, c) {
				return false
			}
		}
		return true
	}, nil
}

func hasFlag(f models.Flag, want bool) matcher {
	return func(_ *searchRun, c *candidate) bool { return c.info.Flags[f] == want }
}

func hasKeyword(kw string, want bool) matcher {
	return func(_ *searchRun, c *candidate) bool {
		for _, k := range c.info.Keywords {
			if strings.EqualFold(k, kw) {
				return want
			}
		}
		return !want
	}
}

func headerContains(field, value string) matcher {
	return func(r *searchRun, c *candidate) bool {
		msg := r.message(c)
		if msg == nil {
			return false
		}
		values := msg.Header(field)
		if strings.EqualFold(field, "Subject") {
			values = []string{msg.Subject()}
		}
		for _, v := range values {
			if value == "" || mime.ContainsFold(v, value) {
				return true
			}
		}
		return false
	}
}

// day truncates t to its calendar date, ignoring time and zone.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateMatcher(op string, when time.Time, sent bool) matcher {
	return func(r *searchRun, c *candidate) bool {
		t := c.info.InternalDate
		if sent {
			msg := r.message(c)
			if msg == nil {
				return false
			}
			if t = msg.Date(); t.IsZero() {
				t = c.info.InternalDate
			}
		}
		d := day(t)
		switch op {
		case "BEFORE":
			return d.Before(when)
		case "ON":
			return d.Equal(when)
		default:
			return !d.Before(when)
		}
	}
}

func (p *searchParser) key() (matcher, error) {
	tok, err := p.arg()
	if err != nil {
		return nil, err
	}
	switch key := strings.ToUpper(tok); key {
	case "(":
		m, err := p.list()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.args) || p.args[p.pos] != ")" {
			return nil, errors.New("unbalanced parentheses")
		}
		p.pos++
		return m, nil
	case "ALL":
		return func(*searchRun, *candidate) bool { return true }, nil
	case "ANSWERED", "DELETED", "DRAFT", "FLAGGED", "SEEN", "RECENT":
		f, _ := models.ParseFlag(`\` + key)
		return hasFlag(f, true), nil
	case "UNANSWERED", "UNDELETED", "UNDRAFT", "UNFLAGGED", "UNSEEN":
		f, _ := models.ParseFlag(`\` + strings.TrimPrefix(key, "UN"))
		return hasFlag(f, false), nil
	case "NEW":
		return func(_ *searchRun, c *candidate) bool {
			return c.info.Flags[models.FlagRecent] && !c.info.Flags[models.FlagSeen]
		}, nil
	case "OLD":
		return hasFlag(models.FlagRecent, false), nil
	case "KEYWORD", "UNKEYWORD":
		kw, err := p.arg()
		if err != nil {
			return nil, err
		}
		return hasKeyword(kw, key == "KEYWORD"), nil
	case "BCC", "CC", "FROM", "TO", "SUBJECT":
		v, err := p.arg()
		if err != nil {
			return nil, err
		}
		return headerContains(key, v), nil
	case "HEADER":
		field, err := p.arg()
		if err != nil {
			return nil, err
		}
		v, err := p.arg()
		if err != nil {
			return nil, err
		}
		return headerContains(field, v), nil
	case "BODY", "TEXT":
		v, err := p.arg()
		if err != nil {
			return nil, err
		}
		return func(r *searchRun, c *candidate) bool {
			msg := r.message(c)
			if msg == nil {
				return false
			}
			text := msg.Text()
			if key == "TEXT" {
				text = string(msg.Root.HeaderBytes) + text
			}
			return mime.ContainsFold(text, v)
		}, nil
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		when, err := p.date()
		if err != nil {
			return nil, err
		}
		return dateMatcher(strings.TrimPrefix(key, "SENT"), when, strings.HasPrefix(key, "SENT")), nil
	case "LARGER", "SMALLER":
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		return func(_ *searchRun, c *candidate) bool {
			if key == "LARGER" {
				return c.info.RFCSize > n
			}
			return c.info.RFCSize < n
		}, nil
	case "UID":
		a, err := p.arg()
		if err != nil {
			return nil, err
		}
		set, err := parser.ParseSeqSet(a)
		if err != nil {
			return nil, err
		}
		star := p.view.MaxUID()
		return func(_ *searchRun, c *candidate) bool { return set.Contains(c.info.UID, star) }, nil
	case "NOT":
		m, err := p.key()
		if err != nil {
			return nil, err
		}
		return func(r *searchRun, c *candidate) bool { return !m(r, c) }, nil
	case "OR":
		a, err := p.key()
		if err != nil {
			return nil, err
		}
		b, err := p.key()
		if err != nil {
			return nil, err
		}
		return func(r *searchRun, c *candidate) bool { return a(r, c) || b(r, c) }, nil
	case "MODSEQ":
		// an optional entry name and entry type precede the value
		if p.pos+1 < len(p.args) && strings.HasPrefix(p.args[p.pos], "/") {
			p.pos += 2
		}
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		p.modseq = true
		return func(_ *searchRun, c *candidate) bool { return c.info.Modseq >= uint64(n) }, nil
	default:
		set, err := parser.ParseSeqSet(tok)
		if err != nil {
			return nil, errors.Errorf("unknown search key %s", tok)
		}
		star := p.view.Exists
		return func(_ *searchRun, c *candidate) bool { return set.Contains(c.info.MSN, star) }, nil
	}
}

// compileSearch parses an optional CHARSET followed by search keys.
func compileSearch(args []string, view *models.MailboxState) (matcher, bool, error) {
	if len(args) >= 2 && strings.EqualFold(args[0], "CHARSET") {
		if err := checkCharset(args[1]); err != nil {
			return nil, false, err
		}
		args = args[2:]
	}
	p := &searchParser{args: args, view: view}
	m, err := p.list()
	if err != nil {
		return nil, false, err
	}
	if p.pos != len(p.args) {
		return nil, false, errors.New("unexpected )")
	}
	return m, p.modseq, nil
}

func checkCharset(cs string) error {
	switch strings.ToUpper(cs) {
	case "US-ASCII", "UTF-8":
		return nil
	}
	return errors.Wrap(errBadCharset, cs)
}

// searchView runs m over the view and returns the matches in MSN order.
func (s *Session) searchView(ctx context.Context, m matcher) []*candidate {
	r := &searchRun{ctx: ctx, store: s.srv.store, view: s.state.Mailbox, log: s.log}
	var out []*candidate
	for _, info := range s.state.Mailbox.Rows() {
		c := &candidate{info: info}
		if m(r, c) {
			out = append(out, c)
		}
	}
	return out
}

func (c *command) searchFailure(err error) {
	if errors.Is(err, errBadCharset) {
		c.no("[BADCHARSET (US-ASCII UTF-8)] Charset not supported")
		return
	}
	c.bad(fmt.Sprintf("Invalid search criteria: %v", err))
}

// resultList formats matches as MSNs or UIDs, with the highest modseq when
// the criteria asked for it.
func resultList(found []*candidate, uid, modseq bool) string {
	var b strings.Builder
	var highest uint64
	for _, c := range found {
		n := c.info.MSN
		if uid {
			n = c.info.UID
		}
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(n), 10))
		if c.info.Modseq > highest {
			highest = c.info.Modseq
		}
	}
	if modseq && len(found) > 0 {
		fmt.Fprintf(&b, " (MODSEQ %d)", highest)
	}
	return b.String()
}

func handleSearch(ctx context.Context, cmd *command) {
	s := cmd.sess
	m, modseq, err := compileSearch(cmd.args, s.state.Mailbox)
	if err != nil {
		cmd.searchFailure(err)
		return
	}
	if modseq {
		s.state.Condstore = true
	}
	found := s.searchView(ctx, m)
	cmd.send("* SEARCH%s", resultList(found, cmd.uid, modseq))
}

type sortKey struct {
	name    string
	reverse bool
}

func parseSortKeys(args []string) ([]sortKey, []string, error) {
	if len(args) == 0 || args[0] != "(" {
		return nil, nil, errors.New("sort criteria must be parenthesized")
	}
	end := closing(args, 0)
	if end < 2 {
		return nil, nil, errors.New("invalid sort criteria")
	}
	var keys []sortKey
	reverse := false
	for _, tok := range args[1:end] {
		switch name := strings.ToUpper(tok); name {
		case "REVERSE":
			reverse = true
		case "ARRIVAL", "CC", "DATE", "FROM", "SIZE", "SUBJECT", "TO":
			keys = append(keys, sortKey{name: name, reverse: reverse})
			reverse = false
		default:
			return nil, nil, errors.Errorf("unknown sort key %s", tok)
		}
	}
	if len(keys) == 0 || reverse {
		return nil, nil, errors.New("invalid sort criteria")
	}
	return keys, args[end+1:], nil
}

// compareBy orders a and b by one key; it returns -1, 0 or 1.
func compareBy(r *searchRun, key string, a, b *candidate) int {
	switch key {
	case "ARRIVAL":
		return compareTime(a.info.InternalDate, b.info.InternalDate)
	case "SIZE":
		switch {
		case a.info.RFCSize < b.info.RFCSize:
			return -1
		case a.info.RFCSize > b.info.RFCSize:
			return 1
		}
		return 0
	case "DATE":
		return compareTime(sentDate(r, a), sentDate(r, b))
	}
	return strings.Compare(sortString(r, key, a), sortString(r, key, b))
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func sentDate(r *searchRun, c *candidate) time.Time {
	if msg := r.message(c); msg != nil {
		if t := msg.Date(); !t.IsZero() {
			return t
		}
	}
	return c.info.InternalDate
}

func sortString(r *searchRun, key string, c *candidate) string {
	msg := r.message(c)
	if msg == nil {
		return ""
	}
	switch key {
	case "SUBJECT":
		return mime.BaseSubject(msg.Subject())
	case "FROM":
		return msg.FirstAddress("From")
	case "TO":
		return msg.FirstAddress("To")
	default:
		return msg.FirstAddress("Cc")
	}
}

func handleSort(ctx context.Context, cmd *command) {
	s := cmd.sess
	keys, rest, err := parseSortKeys(cmd.args)
	if err != nil {
		cmd.bad(fmt.Sprintf("Invalid sort criteria: %v", err))
		return
	}
	if len(rest) < 2 {
		cmd.bad("SORT requires sort criteria, charset and search criteria")
		return
	}
	if err := checkCharset(rest[0]); err != nil {
		cmd.searchFailure(err)
		return
	}
	m, modseq, err := compileSearch(rest[1:], s.state.Mailbox)
	if err != nil {
		cmd.searchFailure(err)
		return
	}
	if modseq {
		s.state.Condstore = true
	}
	found := s.searchView(ctx, m)
	r := &searchRun{ctx: ctx, store: s.srv.store, view: s.state.Mailbox, log: s.log}
	sort.SliceStable(found, func(i, j int) bool {
		for _, k := range keys {
			c := compareBy(r, k.name, found[i], found[j])
			if k.reverse {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return found[i].info.MSN < found[j].info.MSN
	})
	cmd.send("* SORT%s", resultList(found, cmd.uid, modseq))
}
