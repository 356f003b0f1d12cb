package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// applier executes patches against both backends, advancing the cache
// entry for a hunk only after its backend effect is confirmed. A
// crash between apply and cache-update is therefore safe: the next
// run re-observes state and at worst re-emits a redundant hunk.
type applier struct {
	left   backend.Backend
	right  backend.Backend
	cache  cache.Cache
	log    *slog.Logger
	emit   Handler
	dryRun bool
}

func (a *applier) backendFor(side model.Side) backend.Backend {
	if side == model.SideLeft {
		return a.left
	}
	return a.right
}

// applyFolderPlan performs a folder-level hunk and its cache
// adjustments. It returns false when the folder's envelope sync must
// be skipped because the folder operation failed.
func (a *applier) applyFolderPlan(ctx context.Context, plan FolderPlan, rep *Report) bool {
	counts := rep.folder(plan.Folder)

	if plan.Hunk != nil {
		err := a.applyHunk(ctx, *plan.Hunk)
		rep.Hunks = append(rep.Hunks, HunkResult{Hunk: *plan.Hunk, Err: err})
		counts.record(*plan.Hunk, err)
		a.emit.emit(Event{Kind: EventHunkApplied, Folder: plan.Folder, Hunk: plan.Hunk, Err: err})
		if err != nil {
			a.log.Debug("folder hunk failed",
				"hunk", plan.Hunk.String(), "error", err)
			return false
		}
	}

	if !a.dryRun {
		if err := a.applyUpdates(ctx, plan.Folder, plan.Updates); err != nil {
			a.log.Debug("folder cache update failed",
				"folder", plan.Folder, "error", err)
			counts.Failed++
			return false
		}
	}

	return plan.SyncEnvelopes
}

// applyPatch executes one folder's envelope hunks sequentially, in
// diff order, then its cache-only updates. Cancellation is honored
// between hunks; a cancelled run never advances the cache for a
// half-applied hunk.
func (a *applier) applyPatch(ctx context.Context, patch *FolderPatch, rep *Report) error {
	counts := rep.folder(patch.Folder)
	counts.Conflicted += len(patch.Conflicts)

	for i := range patch.Hunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		h := patch.Hunks[i]
		err := a.applyHunk(ctx, h)
		rep.Hunks = append(rep.Hunks, HunkResult{Hunk: h, Err: err})
		counts.record(h, err)
		a.emit.emit(Event{Kind: EventHunkApplied, Folder: patch.Folder, Hunk: &h, Err: err})

		if err != nil {
			a.log.Debug("hunk failed", "hunk", h.String(), "error", err)
			if !backend.IsRetryable(err) && !errors.Is(err, context.Canceled) {
				// Permanent folder-level failure: remaining hunks
				// for this folder cannot succeed either.
				if errors.Is(err, backend.ErrNotFound) {
					a.log.Debug("skipping remaining hunks",
						"folder", patch.Folder, "after", h.String())
					break
				}
			}
		}
	}

	if !a.dryRun {
		if err := a.applyUpdates(ctx, patch.Folder, patch.Updates); err != nil {
			counts.Failed++
			return err
		}
	}

	return nil
}

// applyHunk attempts one hunk, retrying once immediately when the
// failure is classified transient.
func (a *applier) applyHunk(ctx context.Context, h Hunk) error {
	if a.dryRun {
		return nil
	}

	err := a.executeHunk(ctx, h)
	if err != nil && backend.IsRetryable(err) && ctx.Err() == nil {
		a.log.Debug("retrying hunk", "hunk", h.String(), "error", err)
		err = a.executeHunk(ctx, h)
	}
	return err
}

// executeHunk performs the matching backend operation and, on
// success, transactionally advances the cache to the new observed
// state.
func (a *applier) executeHunk(ctx context.Context, h Hunk) error {
	switch h.Kind {
	case HunkCreateFolder:
		return a.backendFor(h.Side).CreateFolder(ctx, h.Folder)

	case HunkDeleteFolder:
		return a.backendFor(h.Side).DeleteFolder(ctx, h.Folder)

	case HunkCopyEnvelope:
		return a.copyEnvelope(ctx, h)

	case HunkDeleteEnvelope:
		if err := a.backendFor(h.Side).DeleteMessage(ctx, h.Folder, h.ID); err != nil {
			return err
		}
		// The other side's absence is what made this deletion
		// authoritative, so both entries are gone for good.
		if err := a.cache.DeleteEnvelope(ctx, h.Folder, h.ID, h.Side); err != nil {
			return err
		}
		return a.cache.DeleteEnvelope(ctx, h.Folder, h.ID, h.Side.Other())

	case HunkSetFlags:
		if err := a.backendFor(h.Side).SetFlags(ctx, h.Folder, h.ID, h.Flags); err != nil {
			return err
		}
		return a.cache.PutEnvelope(ctx, h.Folder, h.ID, h.Side, cache.Snapshot{
			ContentHash: h.Hash,
			Flags:       h.Flags.Clone(),
		})

	default:
		return fmt.Errorf("unknown hunk kind %d", h.Kind)
	}
}

// copyEnvelope transfers one message from the hunk's source side to
// its destination, then records the confirmed state for both sides.
func (a *applier) copyEnvelope(ctx context.Context, h Hunk) error {
	raw, err := a.backendFor(h.From).PeekMessage(ctx, h.Folder, h.ID)
	if err != nil {
		return err
	}

	raw = rewriteIfConflict(raw, h)

	if err := a.backendFor(h.Side).AddMessage(ctx, h.Folder, raw, h.Flags); err != nil {
		return err
	}

	snap := cache.Snapshot{ContentHash: h.Hash, Flags: h.Flags.Clone()}
	if err := a.cache.PutEnvelope(ctx, h.Folder, h.targetIdentity(), h.Side, snap); err != nil {
		return err
	}
	// Refresh the source entry too: its current state is what was
	// just propagated.
	return a.cache.PutEnvelope(ctx, h.Folder, h.ID, h.From, snap)
}

// applyUpdates applies cache-only adjustments for a folder.
func (a *applier) applyUpdates(ctx context.Context, folder string, updates []CacheUpdate) error {
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch {
		case u.ID == "" && u.Forget:
			err = a.cache.DeleteFolder(ctx, folder, u.Side)
		case u.ID == "":
			err = a.cache.PutFolder(ctx, folder, u.Side)
		case u.Forget:
			err = a.cache.DeleteEnvelope(ctx, folder, u.ID, u.Side)
		default:
			err = a.cache.PutEnvelope(ctx, folder, u.ID, u.Side, u.Snap)
		}
		if err != nil {
			return fmt.Errorf("updating cache for %s: %w", folder, err)
		}
	}
	return nil
}
