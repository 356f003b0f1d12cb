// Package sync implements the bidirectional synchronization engine:
// diffing two mailbox backends against the last-synced cache,
// resolving conflicts, and applying the resulting patch so both sides
// converge without data loss.
package sync

import (
	"fmt"
	"sort"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// HunkKind discriminates the atomic convergence operations.
type HunkKind int

const (
	HunkCreateFolder HunkKind = iota
	HunkDeleteFolder
	HunkCopyEnvelope
	HunkDeleteEnvelope
	HunkSetFlags
)

func (k HunkKind) String() string {
	switch k {
	case HunkCreateFolder:
		return "create-folder"
	case HunkDeleteFolder:
		return "delete-folder"
	case HunkCopyEnvelope:
		return "copy"
	case HunkDeleteEnvelope:
		return "delete"
	case HunkSetFlags:
		return "set-flags"
	default:
		return "unknown"
	}
}

// Hunk is one atomic convergence operation. Each hunk is
// independently retryable and independently reportable; dependent
// steps (a copy that must replace, a copy that renames a conflicting
// identity) are fused into the single hunk rather than sequenced.
type Hunk struct {
	Kind   HunkKind
	Folder string

	// Side is the side the operation targets: the side a folder is
	// created or deleted on, the side an envelope is deleted or
	// reflagged on, and the destination of a copy.
	Side model.Side

	// From is the source side of a copy.
	From model.Side

	// ID is the envelope identity the hunk concerns.
	ID model.Identity

	// NewID, when set on a copy, stores the message on the
	// destination under a rewritten conflict identity instead of ID.
	NewID model.Identity

	// Replace marks a copy whose destination already holds ID with
	// different content; the destination applies it as delete+create.
	Replace bool

	// Flags carries the flag set a copy or set-flags hunk applies.
	Flags model.FlagSet

	// Hash is the content digest the cache advances to once the hunk
	// is confirmed.
	Hash string
}

func (h Hunk) String() string {
	switch h.Kind {
	case HunkCreateFolder, HunkDeleteFolder:
		return fmt.Sprintf("%s %s on %s", h.Kind, h.Folder, h.Side)
	case HunkCopyEnvelope:
		return fmt.Sprintf("%s %s/%s %s -> %s", h.Kind, h.Folder, h.ID, h.From, h.Side)
	case HunkDeleteEnvelope:
		return fmt.Sprintf("%s %s/%s on %s", h.Kind, h.Folder, h.ID, h.Side)
	case HunkSetFlags:
		return fmt.Sprintf("%s %s/%s on %s to {%s}", h.Kind, h.Folder, h.ID, h.Side, h.Flags)
	default:
		return fmt.Sprintf("unknown hunk for %s", h.Folder)
	}
}

// CacheUpdate is a cache-only adjustment for state observed to be
// already converged, or known stale. Updates carry no backend effect
// and are applied after the folder's hunks.
type CacheUpdate struct {
	Side   model.Side
	ID     model.Identity // zero value for folder-level updates
	Forget bool
	Snap   cache.Snapshot
}

// ConflictRecord documents one escalated divergence and how the
// resolver settled it, with both sides' state for the report.
type ConflictRecord struct {
	Folder     string
	ID         model.Identity
	Left       string
	Right      string
	Resolution string
}

// FolderPatch is the ordered convergence plan for one folder.
type FolderPatch struct {
	Folder    string
	Hunks     []Hunk
	Updates   []CacheUpdate
	Conflicts []ConflictRecord
}

// hunkPhase assigns each hunk kind its position in the per-folder
// ordering: folder creation first, then content hunks, then flag-only
// hunks, with folder deletion last. A folder is therefore never
// removed before its contained hunks were attempted.
func hunkPhase(k HunkKind) int {
	switch k {
	case HunkCreateFolder:
		return 0
	case HunkCopyEnvelope, HunkDeleteEnvelope:
		return 1
	case HunkSetFlags:
		return 2
	case HunkDeleteFolder:
		return 3
	default:
		return 4
	}
}

// sortHunks orders a folder's hunks deterministically: by phase, then
// by identity, then by kind and side so reruns produce byte-identical
// patches.
func sortHunks(hunks []Hunk) {
	sort.SliceStable(hunks, func(i, j int) bool {
		a, b := hunks[i], hunks[j]
		if pa, pb := hunkPhase(a.Kind), hunkPhase(b.Kind); pa != pb {
			return pa < pb
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Side < b.Side
	})
}
