package sync

import (
	"sort"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// FolderPlan is the convergence decision for one folder name: at most
// one folder-level hunk, cache adjustments, and whether the folder's
// envelopes should be diffed afterwards.
type FolderPlan struct {
	Folder string

	// Hunk is the folder-level operation, if any.
	Hunk *Hunk

	// Updates are folder-existence cache adjustments. They apply
	// only after Hunk succeeded (or immediately when Hunk is nil).
	Updates []CacheUpdate

	// SyncEnvelopes reports whether the folder will exist on both
	// sides once Hunk is applied, making an envelope diff meaningful.
	SyncEnvelopes bool
}

// folderSet is a set of folder names.
type folderSet map[string]struct{}

// BuildFolderPlans decides the fate of every folder name known to
// either side or the cache. Given the matrix cachedLeft × left ×
// cachedRight × right, each name falls into one of 2⁴ = 16 cases.
//
// The guiding rules: a folder seen on one side with no record of a
// prior deletion is created on the other; a folder the cache saw on
// both sides but one side no longer has was deliberately deleted, and
// the deletion propagates rather than the folder being recreated.
func BuildFolderPlans(
	cachedLeft, left, cachedRight, right folderSet,
) []FolderPlan {
	names := folderSet{}
	for _, set := range []folderSet{cachedLeft, left, cachedRight, right} {
		for name := range set {
			names[name] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	plans := make([]FolderPlan, 0, len(ordered))
	for _, name := range ordered {
		plan := FolderPlan{Folder: name}

		_, cl := cachedLeft[name]
		_, l := left[name]
		_, cr := cachedRight[name]
		_, r := right[name]

		record := func(side model.Side) {
			plan.Updates = append(plan.Updates, CacheUpdate{Side: side})
		}
		forget := func(side model.Side) {
			plan.Updates = append(plan.Updates, CacheUpdate{Side: side, Forget: true})
		}
		create := func(side model.Side) {
			plan.Hunk = &Hunk{Kind: HunkCreateFolder, Folder: name, Side: side}
		}
		remove := func(side model.Side) {
			plan.Hunk = &Hunk{Kind: HunkDeleteFolder, Folder: name, Side: side}
		}

		switch {
		// Nothing knows the folder, or everything does.
		case !cl && !l && !cr && !r:
		case cl && l && cr && r:
			plan.SyncEnvelopes = true

		// Stale cache entries with no live folder anywhere.
		case !l && !r:
			if cl {
				forget(model.SideLeft)
			}
			if cr {
				forget(model.SideRight)
			}

		// Live on both sides: reconcile the cache, then the envelopes.
		case l && r:
			if !cl {
				record(model.SideLeft)
			}
			if !cr {
				record(model.SideRight)
			}
			plan.SyncEnvelopes = true

		// Live on the left only.
		case l:
			if cl && cr {
				// The cache saw it on both sides; the right side
				// deleted it on purpose. Propagate the deletion.
				remove(model.SideLeft)
				forget(model.SideLeft)
				forget(model.SideRight)
			} else {
				create(model.SideRight)
				if !cl {
					record(model.SideLeft)
				}
				record(model.SideRight)
				plan.SyncEnvelopes = true
			}

		// Live on the right only.
		default:
			if cl && cr {
				remove(model.SideRight)
				forget(model.SideLeft)
				forget(model.SideRight)
			} else {
				create(model.SideLeft)
				record(model.SideLeft)
				if !cr {
					record(model.SideRight)
				}
				plan.SyncEnvelopes = true
			}
		}

		plans = append(plans, plan)
	}

	return plans
}

// envelopeState bundles everything known about one folder's envelopes
// on both sides.
type envelopeState struct {
	Folder      string
	Left        map[model.Identity]model.Envelope
	Right       map[model.Identity]model.Envelope
	CachedLeft  map[model.Identity]cache.Snapshot
	CachedRight map[model.Identity]cache.Snapshot
}

// BuildEnvelopePatch produces the ordered patch converging one
// folder's envelopes, escalating divergences to the resolver.
func BuildEnvelopePatch(st envelopeState, resolver Resolver) *FolderPatch {
	patch := &FolderPatch{Folder: st.Folder}

	ids := map[model.Identity]struct{}{}
	for id := range st.Left {
		ids[id] = struct{}{}
	}
	for id := range st.Right {
		ids[id] = struct{}{}
	}
	for id := range st.CachedLeft {
		ids[id] = struct{}{}
	}
	for id := range st.CachedRight {
		ids[id] = struct{}{}
	}

	for id := range ids {
		diffEnvelope(patch, st, id, resolver)
	}

	sortHunks(patch.Hunks)
	return patch
}

// diffEnvelope appends to the patch whatever one identity needs to
// converge.
func diffEnvelope(patch *FolderPatch, st envelopeState, id model.Identity, resolver Resolver) {
	l, lOK := st.Left[id]
	r, rOK := st.Right[id]
	cl, clOK := st.CachedLeft[id]
	cr, crOK := st.CachedRight[id]

	switch {
	case lOK && rOK:
		diffPresentBoth(patch, st.Folder, id, l, r, snapPtr(cl, clOK), snapPtr(cr, crOK), resolver)

	case lOK:
		diffPresentOne(patch, st.Folder, id, l, model.SideLeft, snapPtr(cl, clOK), snapPtr(cr, crOK), resolver)

	case rOK:
		diffPresentOne(patch, st.Folder, id, r, model.SideRight, snapPtr(cr, crOK), snapPtr(cl, clOK), resolver)

	default:
		// Absent everywhere live; stale cache rows age out through
		// the cache's own pruning.
	}
}

func snapPtr(s cache.Snapshot, ok bool) *cache.Snapshot {
	if !ok {
		return nil
	}
	return &s
}

// edited reports whether an envelope moved away from its cached
// snapshot in content or flags. A missing snapshot counts as edited:
// there is no evidence the current state was ever synced.
func edited(env model.Envelope, snap *cache.Snapshot) bool {
	if snap == nil {
		return true
	}
	return env.ContentHash != snap.ContentHash || !env.Flags.Equal(snap.Flags)
}

// diffPresentOne handles an identity live on exactly one side.
// present is the side holding it, snapPresent/snapAbsent the cached
// snapshots for the holder and the other side respectively.
func diffPresentOne(
	patch *FolderPatch,
	folder string,
	id model.Identity,
	env model.Envelope,
	present model.Side,
	snapPresent, snapAbsent *cache.Snapshot,
	resolver Resolver,
) {
	absent := present.Other()

	if snapAbsent == nil {
		// Never synced to the other side: a plain copy. This also
		// re-runs cleanly after a crash between a copy's backend
		// apply and its cache update.
		patch.Hunks = append(patch.Hunks, copyHunk(folder, id, env, present, absent, false))
		return
	}

	// The other side had it and deleted it.
	if !edited(env, snapPresent) {
		// The holder is unchanged since the last sync: the deletion
		// is authoritative and propagates.
		patch.Hunks = append(patch.Hunks, Hunk{
			Kind:   HunkDeleteEnvelope,
			Folder: folder,
			Side:   present,
			ID:     id,
		})
		return
	}

	// Deleted on one side, edited on the other: escalate.
	conflict := Conflict{Folder: folder, ID: id}
	if present == model.SideLeft {
		conflict.Left, conflict.CachedLeft, conflict.CachedRight = &env, snapPresent, snapAbsent
	} else {
		conflict.Right, conflict.CachedRight, conflict.CachedLeft = &env, snapPresent, snapAbsent
	}

	res := resolver.ResolveExistence(conflict)
	patch.Conflicts = append(patch.Conflicts, ConflictRecord{
		Folder:     folder,
		ID:         id,
		Left:       sideState(conflict.Left),
		Right:      sideState(conflict.Right),
		Resolution: res.Kind.String(),
	})

	if res.Kind == ResolvePreferSide && res.Side == absent {
		// The deleting side wins after all.
		patch.Hunks = append(patch.Hunks, Hunk{
			Kind:   HunkDeleteEnvelope,
			Folder: folder,
			Side:   present,
			ID:     id,
		})
		return
	}

	// Duplicate (or prefer the surviving side): restore the edited
	// version on the side that deleted it.
	patch.Hunks = append(patch.Hunks, copyHunk(folder, id, env, present, absent, false))
}

// diffPresentBoth handles an identity live on both sides.
func diffPresentBoth(
	patch *FolderPatch,
	folder string,
	id model.Identity,
	l, r model.Envelope,
	cl, cr *cache.Snapshot,
	resolver Resolver,
) {
	if l.ContentHash != r.ContentHash {
		diffContent(patch, folder, id, l, r, cl, cr, resolver)
		return
	}

	if l.Flags.Equal(r.Flags) {
		// Fully converged: make sure the cache knows.
		refreshIfStale(patch, model.SideLeft, id, l, cl)
		refreshIfStale(patch, model.SideRight, id, r, cr)
		return
	}

	lStale := cl != nil && cl.Flags.Equal(l.Flags)
	rStale := cr != nil && cr.Flags.Equal(r.Flags)

	switch {
	case lStale && !rStale:
		// Only the right side changed flags; bring the left along.
		patch.Hunks = append(patch.Hunks, setFlagsHunk(folder, id, model.SideLeft, r))
		refreshIfStale(patch, model.SideRight, id, r, cr)

	case rStale && !lStale:
		patch.Hunks = append(patch.Hunks, setFlagsHunk(folder, id, model.SideRight, l))
		refreshIfStale(patch, model.SideLeft, id, l, cl)

	default:
		// Both sides diverged from the snapshot (or there is none):
		// escalate to the resolver.
		conflict := Conflict{
			Folder: folder, ID: id,
			Left: &l, Right: &r,
			CachedLeft: cl, CachedRight: cr,
		}
		res := resolver.ResolveFlags(conflict)
		patch.Conflicts = append(patch.Conflicts, ConflictRecord{
			Folder:     folder,
			ID:         id,
			Left:       sideState(&l),
			Right:      sideState(&r),
			Resolution: res.Kind.String(),
		})

		var want model.FlagSet
		switch res.Kind {
		case ResolveUnion:
			want = res.Flags
		case ResolvePreferSide:
			if res.Side == model.SideLeft {
				want = l.Flags
			} else {
				want = r.Flags
			}
		default:
			want = l.Flags.Union(r.Flags)
		}

		applyWantedFlags(patch, folder, id, model.SideLeft, l, want)
		applyWantedFlags(patch, folder, id, model.SideRight, r, want)
	}
}

// diffContent handles distinct digests for one identity on both sides.
func diffContent(
	patch *FolderPatch,
	folder string,
	id model.Identity,
	l, r model.Envelope,
	cl, cr *cache.Snapshot,
	resolver Resolver,
) {
	lEdited := cl == nil || cl.ContentHash != l.ContentHash
	rEdited := cr == nil || cr.ContentHash != r.ContentHash

	if !lEdited && !rEdited {
		// Each side matches its own snapshot: a previously settled
		// duplication. Nothing more to do.
		return
	}

	conflict := Conflict{
		Folder: folder, ID: id,
		Left: &l, Right: &r,
		CachedLeft: cl, CachedRight: cr,
	}
	res := resolver.ResolveContent(conflict)
	patch.Conflicts = append(patch.Conflicts, ConflictRecord{
		Folder:     folder,
		ID:         id,
		Left:       sideState(&l),
		Right:      sideState(&r),
		Resolution: res.Kind.String(),
	})

	if res.Kind == ResolvePreferSide {
		winner, loser := l, model.SideRight
		if res.Side == model.SideRight {
			winner, loser = r, model.SideLeft
		}
		h := copyHunk(folder, id, winner, res.Side, loser, true)
		patch.Hunks = append(patch.Hunks, h)
		return
	}

	// Duplicate: each version is copied to the other side under a
	// rewritten conflict identity, and each side's cache records its
	// current version so the standing difference stops escalating.
	lh := copyHunk(folder, id, l, model.SideLeft, model.SideRight, false)
	lh.NewID = ConflictIdentity(id, l.ContentHash)
	rh := copyHunk(folder, id, r, model.SideRight, model.SideLeft, false)
	rh.NewID = ConflictIdentity(id, r.ContentHash)
	patch.Hunks = append(patch.Hunks, lh, rh)
}

// copyHunk builds a copy of env's identity from one side to the other.
func copyHunk(folder string, id model.Identity, env model.Envelope, from, to model.Side, replace bool) Hunk {
	return Hunk{
		Kind:    HunkCopyEnvelope,
		Folder:  folder,
		From:    from,
		Side:    to,
		ID:      id,
		Replace: replace,
		Flags:   env.Flags.Clone(),
		Hash:    env.ContentHash,
	}
}

func setFlagsHunk(folder string, id model.Identity, side model.Side, want model.Envelope) Hunk {
	return Hunk{
		Kind:   HunkSetFlags,
		Folder: folder,
		Side:   side,
		ID:     id,
		Flags:  want.Flags.Clone(),
		Hash:   want.ContentHash,
	}
}

// applyWantedFlags emits a set-flags hunk when a side's flags differ
// from the resolved set, or a cache refresh when they already match.
func applyWantedFlags(patch *FolderPatch, folder string, id model.Identity, side model.Side, env model.Envelope, want model.FlagSet) {
	if env.Flags.Equal(want) {
		patch.Updates = append(patch.Updates, CacheUpdate{
			Side: side,
			ID:   id,
			Snap: cache.Snapshot{ContentHash: env.ContentHash, Flags: env.Flags.Clone()},
		})
		return
	}
	patch.Hunks = append(patch.Hunks, Hunk{
		Kind:   HunkSetFlags,
		Folder: folder,
		Side:   side,
		ID:     id,
		Flags:  want.Clone(),
		Hash:   env.ContentHash,
	})
}

// refreshIfStale records the observed state when the cache disagrees
// with it.
func refreshIfStale(patch *FolderPatch, side model.Side, id model.Identity, env model.Envelope, snap *cache.Snapshot) {
	if snap != nil && snap.ContentHash == env.ContentHash && snap.Flags.Equal(env.Flags) {
		return
	}
	patch.Updates = append(patch.Updates, CacheUpdate{
		Side: side,
		ID:   id,
		Snap: cache.Snapshot{ContentHash: env.ContentHash, Flags: env.Flags.Clone()},
	})
}
