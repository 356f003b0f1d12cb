package sync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// FolderCounts tallies what one folder's convergence did.
type FolderCounts struct {
	Created    int
	Deleted    int
	Flagged    int
	Conflicted int
	Failed     int
}

// Zero reports whether nothing happened for the folder.
func (c FolderCounts) Zero() bool {
	return c == FolderCounts{}
}

// HunkResult records one attempted hunk and its outcome.
type HunkResult struct {
	Hunk Hunk
	Err  error
}

// Report aggregates one sync run for the invoking layer to display or
// act on. Per-hunk failures accumulate here instead of aborting the
// run.
type Report struct {
	RunID      string
	Account    string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time

	// Folders maps folder name to its counts.
	Folders map[string]*FolderCounts

	// Hunks lists every attempted hunk in application order.
	Hunks []HunkResult

	// Conflicts lists the escalated divergences with both sides'
	// state; duplicated ones remain standing until a human (or a
	// later edit) settles them.
	Conflicts []ConflictRecord
}

func newReport(account string, dryRun bool) *Report {
	return &Report{
		RunID:     uuid.New().String(),
		Account:   account,
		DryRun:    dryRun,
		StartedAt: time.Now(),
		Folders:   make(map[string]*FolderCounts),
	}
}

// folder returns the counts bucket for a folder, creating it on first
// use.
func (r *Report) folder(name string) *FolderCounts {
	c, ok := r.Folders[name]
	if !ok {
		c = &FolderCounts{}
		r.Folders[name] = c
	}
	return c
}

// Empty reports whether the run changed nothing anywhere: the
// idempotence signal. A second run without intervening external
// change must be Empty.
func (r *Report) Empty() bool {
	for _, c := range r.Folders {
		if !c.Zero() {
			return false
		}
	}
	return true
}

// Totals sums the per-folder counts.
func (r *Report) Totals() FolderCounts {
	var t FolderCounts
	for _, c := range r.Folders {
		t.Created += c.Created
		t.Deleted += c.Deleted
		t.Flagged += c.Flagged
		t.Conflicted += c.Conflicted
		t.Failed += c.Failed
	}
	return t
}

// FolderNames returns the folders touched by the run in sorted order.
func (r *Report) FolderNames() []string {
	names := make([]string, 0, len(r.Folders))
	for name := range r.Folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// record tallies one applied hunk into the folder counts.
func (c *FolderCounts) record(h Hunk, err error) {
	if err != nil {
		c.Failed++
		return
	}
	switch h.Kind {
	case HunkCreateFolder, HunkCopyEnvelope:
		c.Created++
	case HunkDeleteFolder, HunkDeleteEnvelope:
		c.Deleted++
	case HunkSetFlags:
		c.Flagged++
	}
}
