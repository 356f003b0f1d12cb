package model

import "testing"

func TestFlagSetUnion(t *testing.T) {
	a := NewFlagSet(FlagSeen)
	b := NewFlagSet(FlagFlagged)

	got := a.Union(b)
	want := NewFlagSet(FlagSeen, FlagFlagged)
	if !got.Equal(want) {
		t.Fatalf("expected union %q, got %q", want, got)
	}

	// Union must not mutate its operands.
	if !a.Equal(NewFlagSet(FlagSeen)) {
		t.Fatalf("union mutated left operand: %q", a)
	}
	if !b.Equal(NewFlagSet(FlagFlagged)) {
		t.Fatalf("union mutated right operand: %q", b)
	}
}

func TestFlagSetAddRemoveMutate(t *testing.T) {
	set := NewFlagSet(FlagSeen)

	set.Add(FlagFlagged)
	if !set.Equal(NewFlagSet(FlagSeen, FlagFlagged)) {
		t.Fatalf("Add did not take effect: %q", set)
	}

	set.Remove(FlagSeen)
	if !set.Equal(NewFlagSet(FlagFlagged)) {
		t.Fatalf("Remove did not take effect: %q", set)
	}

	// Removing an absent flag is a no-op.
	set.Remove(FlagDraft)
	if !set.Equal(NewFlagSet(FlagFlagged)) {
		t.Fatalf("removing an absent flag changed the set: %q", set)
	}
}

func TestFlagSetEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b FlagSet
		want bool
	}{
		{"both empty", NewFlagSet(), NewFlagSet(), true},
		{"same", NewFlagSet(FlagSeen, FlagDraft), NewFlagSet(FlagDraft, FlagSeen), true},
		{"subset", NewFlagSet(FlagSeen), NewFlagSet(FlagSeen, FlagDraft), false},
		{"disjoint", NewFlagSet(FlagSeen), NewFlagSet(FlagDeleted), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Fatalf("Equal(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestFlagSetStringRoundTrip(t *testing.T) {
	set := NewFlagSet(FlagFlagged, FlagSeen, FlagAnswered)

	s := set.String()
	if s != "answered flagged seen" {
		t.Fatalf("expected sorted rendering, got %q", s)
	}

	if !ParseFlagSet(s).Equal(set) {
		t.Fatalf("parse of %q did not round-trip", s)
	}
	if got := ParseFlagSet(""); len(got) != 0 {
		t.Fatalf("expected empty set from empty string, got %q", got)
	}
}
