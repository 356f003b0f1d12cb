package model

import (
	"sort"
	"strings"
)

// Flag is a single envelope flag, normalized across backends.
// IMAP system flags, Maildir info letters and notmuch tags all map
// onto this set.
type Flag string

const (
	FlagSeen     Flag = "seen"
	FlagAnswered Flag = "answered"
	FlagFlagged  Flag = "flagged"
	FlagDeleted  Flag = "deleted"
	FlagDraft    Flag = "draft"
)

// FlagSet is an unordered set of flags.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	set := make(FlagSet, len(flags))
	for _, f := range flags {
		set[f] = struct{}{}
	}
	return set
}

// ParseFlagSet parses a whitespace-separated flag list, the form the
// cache stores flags in.
func ParseFlagSet(s string) FlagSet {
	set := FlagSet{}
	for _, f := range strings.Fields(s) {
		set[Flag(f)] = struct{}{}
	}
	return set
}

// Has reports whether f is in the set.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// Add inserts f into the set.
func (s FlagSet) Add(f Flag) {
	s[f] = struct{}{}
}

// Remove drops f from the set.
func (s FlagSet) Remove(f Flag) {
	delete(s, f)
}

// Clone returns an independent copy of the set.
func (s FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}

// Union returns the set of flags present on either side.
func (s FlagSet) Union(other FlagSet) FlagSet {
	out := s.Clone()
	for f := range other {
		out[f] = struct{}{}
	}
	return out
}

// Equal reports whether both sets contain exactly the same flags.
func (s FlagSet) Equal(other FlagSet) bool {
	if len(s) != len(other) {
		return false
	}
	for f := range s {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

// Sorted returns the flags in lexical order.
func (s FlagSet) Sorted() []Flag {
	flags := make([]Flag, 0, len(s))
	for f := range s {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}

// String renders the set as a whitespace-separated, sorted list,
// suitable for storage and for stable comparison in logs and tests.
func (s FlagSet) String() string {
	flags := s.Sorted()
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, " ")
}
