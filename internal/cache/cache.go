// Package cache persists the last-synced state of every envelope and
// folder, per side, so a sync run can diff both backends against what
// was actually applied last time without re-transferring content.
package cache

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// Snapshot is the last-synced state of one envelope on one side.
// A snapshot always reflects a confirmed backend state, never an
// intent: the applier writes it only after a hunk succeeded.
type Snapshot struct {
	ContentHash string
	Flags       model.FlagSet
}

// Cache is the persistence interface consumed by the sync engine.
// Implementations must key entries stably by account, folder,
// identity and side across process restarts.
type Cache interface {
	// GetEnvelope returns the snapshot for one envelope on one side,
	// or nil when none is recorded. Malformed entries are reported as
	// misses, never as errors.
	GetEnvelope(ctx context.Context, folder string, id model.Identity, side model.Side) (*Snapshot, error)

	// PutEnvelope records the confirmed state of an envelope.
	PutEnvelope(ctx context.Context, folder string, id model.Identity, side model.Side, snap Snapshot) error

	// DeleteEnvelope forgets an envelope on one side.
	DeleteEnvelope(ctx context.Context, folder string, id model.Identity, side model.Side) error

	// FolderEnvelopes returns all recorded snapshots for a folder on
	// one side.
	FolderEnvelopes(ctx context.Context, folder string, side model.Side) (map[model.Identity]Snapshot, error)

	// Prune garbage-collects envelope entries for a folder. Entries
	// whose identity is in present are kept alive; the rest are
	// marked missing and removed once they have been missing on both
	// sides for longer than the grace period.
	Prune(ctx context.Context, folder string, present map[model.Identity]struct{}) error

	// Folders returns the set of folder names recorded for one side.
	Folders(ctx context.Context, side model.Side) (map[string]struct{}, error)

	// PutFolder records that a folder exists on one side.
	PutFolder(ctx context.Context, name string, side model.Side) error

	// DeleteFolder forgets a folder on one side, along with the
	// side's envelope entries under it.
	DeleteFolder(ctx context.Context, name string, side model.Side) error

	Close() error
}
