package sync

import (
	"fmt"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// Conflict is one divergence the diff engine cannot settle on its
// own: both sides moved away from the cached snapshot. It carries the
// three data points a strategy needs.
type Conflict struct {
	Folder string
	ID     model.Identity

	// Left and Right are the live envelopes; nil when absent on that
	// side.
	Left  *model.Envelope
	Right *model.Envelope

	// CachedLeft and CachedRight are the last-synced snapshots; nil
	// when the cache has no record.
	CachedLeft  *cache.Snapshot
	CachedRight *cache.Snapshot
}

// sideState renders one side's state for conflict reporting.
func sideState(env *model.Envelope) string {
	if env == nil {
		return "absent"
	}
	return fmt.Sprintf("hash=%s flags={%s}", env.ContentHash, env.Flags)
}

// ResolutionKind discriminates resolver outcomes.
type ResolutionKind int

const (
	// ResolvePreferSide makes one side authoritative; its state is
	// propagated to the other.
	ResolvePreferSide ResolutionKind = iota

	// ResolveDuplicate preserves both versions on both sides rather
	// than discarding either.
	ResolveDuplicate

	// ResolveUnion applies to flag conflicts only: a flag set on
	// either side persists.
	ResolveUnion
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolvePreferSide:
		return "prefer-side"
	case ResolveDuplicate:
		return "duplicate"
	case ResolveUnion:
		return "union"
	default:
		return "unknown"
	}
}

// Resolution is a resolver's verdict on a conflict.
type Resolution struct {
	Kind ResolutionKind

	// Side is the authoritative side for ResolvePreferSide.
	Side model.Side

	// Flags is the merged flag set for ResolveUnion.
	Flags model.FlagSet
}

// Resolver decides the authoritative outcome of divergences. It is a
// swappable strategy: alternate policies substitute without touching
// the diff engine.
type Resolver interface {
	// ResolveFlags settles a flag divergence on an envelope whose
	// content is identical on both sides.
	ResolveFlags(c Conflict) Resolution

	// ResolveContent settles a content divergence: the same identity
	// carries distinct digests.
	ResolveContent(c Conflict) Resolution

	// ResolveExistence settles a divergence where one side deleted an
	// envelope the other side has edited since the last sync.
	ResolveExistence(c Conflict) Resolution
}

// defaultResolver implements the stock policy: flag conflicts merge
// by union, except mutually exclusive flags which follow the most
// recently modified side (falling back to the configured tie-break
// side); content and existence conflicts duplicate rather than drop.
type defaultResolver struct {
	// tieBreak wins flag conflicts that no timestamp can settle.
	tieBreak model.Side
}

// NewDefaultResolver returns the stock conflict policy with the given
// tie-break side.
func NewDefaultResolver(tieBreak model.Side) Resolver {
	return &defaultResolver{tieBreak: tieBreak}
}

func (r *defaultResolver) ResolveFlags(c Conflict) Resolution {
	if c.Left == nil || c.Right == nil {
		// Flag conflicts only arise with both sides present.
		return Resolution{Kind: ResolveDuplicate}
	}

	// The deleted flag is mutually exclusive with its absence: a
	// union would resurrect every deletion. The most recently
	// modified side wins; without timestamps the configured side does.
	if c.Left.Flags.Has(model.FlagDeleted) != c.Right.Flags.Has(model.FlagDeleted) {
		side := r.tieBreak
		switch {
		case c.Left.Date.After(c.Right.Date):
			side = model.SideLeft
		case c.Right.Date.After(c.Left.Date):
			side = model.SideRight
		}
		return Resolution{Kind: ResolvePreferSide, Side: side}
	}

	return Resolution{
		Kind:  ResolveUnion,
		Flags: c.Left.Flags.Union(c.Right.Flags),
	}
}

func (r *defaultResolver) ResolveContent(Conflict) Resolution {
	// Distinct digests with no usable ancestor cannot be merged;
	// keeping both beats byte-identical convergence that loses one.
	return Resolution{Kind: ResolveDuplicate}
}

func (r *defaultResolver) ResolveExistence(Conflict) Resolution {
	// One side deleted what the other edited. Silent deletion is
	// forbidden; the surviving version is restored on both sides.
	return Resolution{Kind: ResolveDuplicate}
}
