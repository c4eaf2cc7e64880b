package models

import (
	"sort"
	"strings"
	"time"
)

// MessageInfo is the per-message part of a mailbox snapshot.
type MessageInfo struct {
	UID          uint32
	MSN          uint32
	Flags        Flags
	Keywords     []string
	Modseq       uint64
	InternalDate time.Time
	RFCSize      int64
	PhysID       int64
	Expunged     bool
}

// FlagList returns the system flags followed by the keywords.
func (m MessageInfo) FlagList() []string {
	var out []string
	for f := FlagSeen; f < NumFlags; f++ {
		if m.Flags[f] {
			out = append(out, f.String())
		}
	}
	return append(out, m.Keywords...)
}

// SameFlags reports whether both messages carry identical flags.
func (m MessageInfo) SameFlags(o MessageInfo) bool {
	return m.Flags == o.Flags && SameKeywords(m.Keywords, o.Keywords)
}

// MailboxMeta holds the mailbox row a snapshot is built from.
type MailboxMeta struct {
	ID          int64
	OwnerID     int64
	Owner       string
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	Seq         uint64
	NoSelect    bool
	Keywords    []string
}

// MailboxState is an immutable snapshot of one mailbox. Nothing modifies a
// snapshot after NewMailboxState returns; newer views are new values.
type MailboxState struct {
	MailboxMeta

	Exists uint32
	Recent uint32
	Unseen uint32

	uids []uint32
	msgs map[uint32]MessageInfo
}

// NewMailboxState builds a snapshot. Expunged rows are dropped and MSNs are
// assigned 1..exists in ascending uid order.
func NewMailboxState(meta MailboxMeta, rows []MessageInfo) *MailboxState {
	s := &MailboxState{
		MailboxMeta: meta,
		msgs:        make(map[uint32]MessageInfo, len(rows)),
	}
	for _, r := range rows {
		if r.Expunged {
			continue
		}
		if _, dup := s.msgs[r.UID]; dup {
			continue
		}
		s.msgs[r.UID] = r
		s.uids = append(s.uids, r.UID)
	}
	sort.Slice(s.uids, func(i, j int) bool { return s.uids[i] < s.uids[j] })
	for i, uid := range s.uids {
		m := s.msgs[uid]
		m.MSN = uint32(i + 1)
		s.msgs[uid] = m
		if m.Flags[FlagRecent] {
			s.Recent++
		}
		if !m.Flags[FlagSeen] {
			s.Unseen++
		}
		if uid >= s.UIDNext {
			s.UIDNext = uid + 1
		}
	}
	s.Exists = uint32(len(s.uids))
	s.Keywords = mergeKeywords(meta.Keywords, s.msgs)
	return s
}

func mergeKeywords(base []string, msgs map[uint32]MessageInfo) []string {
	out := append([]string(nil), base...)
	for _, m := range msgs {
		for _, k := range m.Keywords {
			if !containsFold(out, k) {
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// Merge returns a new snapshot with changed rows folded in. Rows marked
// expunged remove the message. meta replaces the mailbox row.
func (s *MailboxState) Merge(meta MailboxMeta, changed []MessageInfo) *MailboxState {
	rows := make([]MessageInfo, 0, len(s.msgs)+len(changed))
	pending := make(map[uint32]MessageInfo, len(changed))
	for _, c := range changed {
		pending[c.UID] = c
	}
	for _, uid := range s.uids {
		if c, ok := pending[uid]; ok {
			rows = append(rows, c)
			delete(pending, uid)
			continue
		}
		rows = append(rows, s.msgs[uid])
	}
	for _, c := range changed {
		if _, ok := pending[c.UID]; ok {
			rows = append(rows, c)
			delete(pending, c.UID)
		}
	}
	return NewMailboxState(meta, rows)
}

// UIDs returns the live uids in ascending order. Callers must not modify
// the returned slice.
func (s *MailboxState) UIDs() []uint32 {
	return s.uids
}

// Rows returns the live rows in ascending uid order.
func (s *MailboxState) Rows() []MessageInfo {
	out := make([]MessageInfo, len(s.uids))
	for i, uid := range s.uids {
		out[i] = s.msgs[uid]
	}
	return out
}

// Message returns the row for uid.
func (s *MailboxState) Message(uid uint32) (MessageInfo, bool) {
	m, ok := s.msgs[uid]
	return m, ok
}

// MSN maps a uid to its message sequence number.
func (s *MailboxState) MSN(uid uint32) (uint32, bool) {
	m, ok := s.msgs[uid]
	return m.MSN, ok
}

// UID maps a message sequence number to its uid.
func (s *MailboxState) UID(msn uint32) (uint32, bool) {
	if msn == 0 || int(msn) > len(s.uids) {
		return 0, false
	}
	return s.uids[msn-1], true
}

// MaxUID returns the highest live uid, or zero for an empty mailbox.
func (s *MailboxState) MaxUID() uint32 {
	if len(s.uids) == 0 {
		return 0
	}
	return s.uids[len(s.uids)-1]
}

// FirstUnseen returns the MSN of the first message without \Seen.
func (s *MailboxState) FirstUnseen() uint32 {
	for i, uid := range s.uids {
		if !s.msgs[uid].Flags[FlagSeen] {
			return uint32(i + 1)
		}
	}
	return 0
}

// HighestModseq is the mailbox sequence counter; every mutation raises it.
func (s *MailboxState) HighestModseq() uint64 {
	if s.Seq == 0 {
		return 1
	}
	return s.Seq
}

// IsInbox reports whether the snapshot is the owner's INBOX.
func (s *MailboxState) IsInbox() bool {
	return strings.EqualFold(s.Name, "INBOX")
}
