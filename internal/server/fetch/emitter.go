package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
	"petrel/internal/metrics"
	"petrel/internal/mime"
	"petrel/internal/models"
)

// BatchSize is the number of messages whose header rows or envelopes are
// fetched with one query.
const BatchSize = 2000

// Store is the part of the backing store the emitter reads from.
type Store interface {
	FetchHeaderBatch(ctx context.Context, ownerID, mailboxID int64, lo, hi uint32, names []string) (map[uint32][]mime.Field, error)
	FetchEnvelopeBatch(ctx context.Context, ownerID, mailboxID int64, lo, hi uint32) (map[uint32]string, error)
	FetchStructure(ctx context.Context, ownerID, physID int64, extended bool) (string, error)
	MessageRaw(ctx context.Context, ownerID, physID int64) ([]byte, error)
	SetFlag(ctx context.Context, ownerID, mailboxID int64, uid uint32, flag models.Flag, value bool) (models.MessageInfo, error)
}

// RightsChecker decides whether the implicit \Seen may be stored.
type RightsChecker interface {
	HasRight(ctx context.Context, st *models.MailboxState, userID int64, right models.Right) (bool, error)
}

// Emitter renders FETCH responses.
type Emitter struct {
	store Store
	acl   RightsChecker
	batch int
	log   *log.Entry
}

// NewEmitter returns an emitter reading from store.
func NewEmitter(store Store, acl RightsChecker) *Emitter {
	return &Emitter{
		store: store,
		acl:   acl,
		batch: BatchSize,
		log:   log.WithField("component", "fetch"),
	}
}

// Request is one FETCH command against a mailbox view.
type Request struct {
	Plan  *Plan
	State *models.MailboxState
	// UIDs are the target messages in ascending order.
	UIDs   []uint32
	UserID int64

	// Modseq adds MODSEQ to every response, as required once CONDSTORE
	// is active for the mailbox.
	Modseq   bool
	ReadOnly bool
}

// Result reports what a FETCH changed.
type Result struct {
	// Updated holds rows whose \Seen flag was set by the fetch.
	Updated []models.MessageInfo
	Sent    int
}

// window tracks the batch of prefetched rows. A new batch is queried once
// the current uid passes the ceiling.
type window struct {
	uids    []uint32
	size    int
	ceiling uint32
	loaded  bool
}

// advance returns the range to load for uids[pos], or ok false when the
// current batch already covers it.
func (w *window) advance(pos int) (lo, hi uint32, ok bool) {
	uid := w.uids[pos]
	if w.loaded && uid <= w.ceiling {
		return 0, 0, false
	}
	last := pos + w.size - 1
	if last >= len(w.uids) {
		last = len(w.uids) - 1
	}
	w.ceiling = w.uids[last]
	w.loaded = true
	return uid, w.ceiling, true
}

type headerCache struct {
	window
	rows map[uint32][]mime.Field
}

type envelopeCache struct {
	window
	rows map[uint32]string
}

type run struct {
	e   *Emitter
	ctx context.Context
	req Request

	headers   []*headerCache
	envelopes *envelopeCache
}

// Emit writes one untagged FETCH response per target message to w.
// Messages that vanished from the store since the view was taken are
// skipped.
func (e *Emitter) Emit(ctx context.Context, w io.Writer, req Request) (Result, error) {
	var res Result
	if len(req.UIDs) == 0 {
		return res, nil
	}
	r := &run{e: e, ctx: ctx, req: req, headers: make([]*headerCache, len(req.Plan.Sections))}
	for i, s := range req.Plan.Sections {
		if s.cached() {
			r.headers[i] = &headerCache{window: window{uids: req.UIDs, size: e.batch}}
		}
	}
	if req.Plan.Envelope {
		r.envelopes = &envelopeCache{window: window{uids: req.UIDs, size: e.batch}}
	}

	var buf bytes.Buffer
	for pos, uid := range req.UIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		info, ok := req.State.Message(uid)
		if !ok {
			continue
		}
		if req.Plan.ChangedSince > 0 && info.Modseq <= req.Plan.ChangedSince {
			continue
		}
		buf.Reset()
		updated, sent, err := r.message(&buf, pos, info)
		if err != nil {
			return res, err
		}
		if !sent {
			continue
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return res, err
		}
		res.Sent++
		if updated != nil {
			res.Updated = append(res.Updated, *updated)
		}
	}
	return res, nil
}

func (r *run) message(buf *bytes.Buffer, pos int, info models.MessageInfo) (*models.MessageInfo, bool, error) {
	p := r.req.Plan
	owner := r.req.State.OwnerID

	var msg *mime.Message
	var raw []byte
	if p.NeedsMessage() {
		var err error
		raw, err = r.e.store.MessageRaw(r.ctx, owner, info.PhysID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if msg, err = mime.Parse(raw); err != nil {
			return nil, false, err
		}
	}

	items := make([]string, 0, 8)
	add := func(s string) { items = append(items, s) }

	fmt.Fprintf(buf, "* %d FETCH (", info.MSN)
	if r.req.Modseq || p.Modseq {
		add(fmt.Sprintf("MODSEQ (%d)", modseqOf(info)))
	}
	if p.InternalDate {
		add(fmt.Sprintf("INTERNALDATE \"%s\"", info.InternalDate.Format(mime.DateTimeLayout)))
	}
	if p.Size {
		add(fmt.Sprintf("RFC822.SIZE %d", info.RFCSize))
	}
	if p.Flags {
		add("FLAGS (" + strings.Join(info.FlagList(), " ") + ")")
	}
	if p.UID {
		add(fmt.Sprintf("UID %d", info.UID))
	}
	if p.BodyStructure {
		s, err := r.structure(info, true)
		if err != nil {
			return nil, false, err
		}
		add("BODYSTRUCTURE " + s)
	}
	if p.Body {
		s, err := r.structure(info, false)
		if err != nil {
			return nil, false, err
		}
		add("BODY " + s)
	}
	if p.Envelope {
		env, err := r.envelope(pos, info)
		if err != nil {
			return nil, false, err
		}
		add("ENVELOPE " + env)
	}
	if p.RFC822 || p.RFC822Peek {
		add(literal("RFC822", raw))
	}
	if p.RFC822Header {
		b, err := msg.Render("", mime.ItemHeader, nil)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to render header")
		}
		add(literal("RFC822.HEADER", b))
	}
	if p.RFC822Text {
		b, err := msg.Render("", mime.ItemText, nil)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to render text")
		}
		add(literal("RFC822.TEXT", b))
	}
	for i, s := range p.Sections {
		item, err := r.section(i, s, pos, info, msg)
		if err != nil {
			return nil, false, err
		}
		add(item)
	}
	buf.WriteString(strings.Join(items, " "))
	buf.WriteString(")\r\n")

	if !p.SetsSeen() || r.req.ReadOnly || info.Flags[models.FlagSeen] {
		return nil, true, nil
	}
	updated, err := r.markSeen(info)
	if err != nil || updated == nil {
		return nil, true, err
	}

	// the flag change is reported right after the response that caused it
	fmt.Fprintf(buf, "* %d FETCH (", info.MSN)
	if p.UID {
		fmt.Fprintf(buf, "UID %d ", info.UID)
	}
	if r.req.Modseq || p.Modseq {
		fmt.Fprintf(buf, "MODSEQ (%d) ", modseqOf(*updated))
	}
	buf.WriteString("FLAGS (" + strings.Join(updated.FlagList(), " ") + "))\r\n")
	return updated, true, nil
}

func (r *run) markSeen(info models.MessageInfo) (*models.MessageInfo, error) {
	ok, err := r.e.acl.HasRight(r.ctx, r.req.State, r.req.UserID, models.RightSeen)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	updated, err := r.e.store.SetFlag(r.ctx, r.req.State.OwnerID, r.req.State.ID, info.UID, models.FlagSeen, true)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	updated.MSN = info.MSN
	if info.Flags[models.FlagRecent] {
		updated.Flags[models.FlagRecent] = true
	}
	return &updated, nil
}

func (r *run) structure(info models.MessageInfo, extended bool) (string, error) {
	s, err := r.e.store.FetchStructure(r.ctx, r.req.State.OwnerID, info.PhysID, extended)
	if err != nil {
		return "", errors.Wrap(err, "failed to load body structure")
	}
	return s, nil
}

func (r *run) envelope(pos int, info models.MessageInfo) (string, error) {
	c := r.envelopes
	if lo, hi, load := c.advance(pos); load {
		rows, err := r.e.store.FetchEnvelopeBatch(r.ctx, r.req.State.OwnerID, r.req.State.ID, lo, hi)
		if err != nil {
			return "", errors.Wrap(err, "failed to load envelopes")
		}
		metrics.HeaderBatches.WithLabelValues("envelope").Inc()
		c.rows = rows
	}
	if env, ok := c.rows[info.UID]; ok && env != "" {
		return env, nil
	}
	raw, err := r.e.store.MessageRaw(r.ctx, r.req.State.OwnerID, info.PhysID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load message")
	}
	return mime.EnvelopeOf(raw), nil
}

func (r *run) section(i int, s BodyFetch, pos int, info models.MessageInfo, msg *mime.Message) (string, error) {
	label := s.Label()
	if s.cached() {
		c := r.headers[i]
		if lo, hi, load := c.advance(pos); load {
			var names []string
			if s.Item == mime.ItemHeaderFields {
				names = s.Fields
			}
			rows, err := r.e.store.FetchHeaderBatch(r.ctx, r.req.State.OwnerID, r.req.State.ID, lo, hi, names)
			if err != nil {
				return "", errors.Wrap(err, "failed to load header fields")
			}
			metrics.HeaderBatches.WithLabelValues("header").Inc()
			c.rows = rows
		}
		b := mime.FormatFields(c.rows[info.UID], s.Fields, s.Item == mime.ItemHeaderFieldsNot)
		return partial(label, s, b), nil
	}

	b, err := msg.Render(s.Partspec, s.Item, s.Fields)
	if errors.Is(err, mime.ErrNoSuchPart) {
		return label + " NIL", nil
	}
	if err != nil {
		return "", err
	}
	return partial(label, s, b), nil
}

func partial(label string, s BodyFetch, b []byte) string {
	if !s.HasRange {
		return literal(label, b)
	}
	return literal(fmt.Sprintf("%s<%d>", label, s.OctetStart), mime.Clamp(b, s.OctetStart, s.OctetCount))
}

func literal(name string, b []byte) string {
	return fmt.Sprintf("%s {%d}\r\n%s", name, len(b), b)
}

func modseqOf(info models.MessageInfo) uint64 {
	if info.Modseq == 0 {
		return 1
	}
	return info.Modseq
}
