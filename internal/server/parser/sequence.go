package parser

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Range is an inclusive range of message numbers. Zero stands for "*".
type Range struct {
	Lo, Hi uint32
}

// SeqSet is a parsed IMAP sequence set such as "1:3,7,10:*".
type SeqSet []Range

// ParseSeqSet parses s. Ranges may be given in either order.
func ParseSeqSet(s string) (SeqSet, error) {
	if s == "" {
		return nil, errors.Wrap(ErrMalformed, "empty sequence set")
	}
	var set SeqSet
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		a, err := parseSeqNumber(lo)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = parseSeqNumber(hi); err != nil {
				return nil, err
			}
		}
		set = append(set, Range{Lo: a, Hi: b})
	}
	return set, nil
}

func parseSeqNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	if s == "" || s[0] == '0' {
		return 0, errors.Wrapf(ErrMalformed, "invalid sequence number %q", s)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "invalid sequence number %q", s)
	}
	return uint32(n), nil
}

// Contains reports whether n lies in the set when "*" stands for star.
func (set SeqSet) Contains(n, star uint32) bool {
	for _, r := range set {
		lo, hi := r.bounds(star)
		if n >= lo && n <= hi {
			return true
		}
	}
	return false
}

func (r Range) bounds(star uint32) (uint32, uint32) {
	lo, hi := r.Lo, r.Hi
	if lo == 0 {
		lo = star
	}
	if hi == 0 {
		hi = star
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Select returns the members of sorted that lie in the set, in ascending
// order. star is the value "*" resolves to.
func (set SeqSet) Select(sorted []uint32, star uint32) []uint32 {
	var out []uint32
	for _, n := range sorted {
		if set.Contains(n, star) {
			out = append(out, n)
		}
	}
	return out
}

// Numbers expands the set over 1..max.
func (set SeqSet) Numbers(max uint32) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, r := range set {
		lo, hi := r.bounds(max)
		if hi > max {
			hi = max
		}
		for n := lo; n >= 1 && n <= hi; n++ {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatSet formats numbers as a compact sequence set.
func FormatSet(nums []uint32) string {
	if len(nums) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		if prev != start {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(uint64(prev), 10))
		}
	}
	for _, n := range sorted[1:] {
		if n == prev || n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return b.String()
}
