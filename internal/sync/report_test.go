package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderCountsRecord(t *testing.T) {
	tests := []struct {
		name string
		hunk Hunk
		err  error
		want FolderCounts
	}{
		{"create folder", Hunk{Kind: HunkCreateFolder, Folder: "a"}, nil, FolderCounts{Created: 1}},
		{"copy envelope", Hunk{Kind: HunkCopyEnvelope, ID: "<a@x>"}, nil, FolderCounts{Created: 1}},
		{"delete folder", Hunk{Kind: HunkDeleteFolder, Folder: "a"}, nil, FolderCounts{Deleted: 1}},
		{"delete envelope", Hunk{Kind: HunkDeleteEnvelope, ID: "<a@x>"}, nil, FolderCounts{Deleted: 1}},
		{"set flags", Hunk{Kind: HunkSetFlags, ID: "<a@x>"}, nil, FolderCounts{Flagged: 1}},
		{"failure trumps kind", Hunk{Kind: HunkCopyEnvelope, ID: "<a@x>"}, errors.New("boom"), FolderCounts{Failed: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var c FolderCounts
			c.record(tc.hunk, tc.err)
			assert.Equal(t, tc.want, c)
		})
	}
}

func TestReportTotalsAndEmpty(t *testing.T) {
	rep := newReport("work", false)
	require.NotEmpty(t, rep.RunID)
	assert.True(t, rep.Empty())

	rep.folder("INBOX").record(Hunk{Kind: HunkCopyEnvelope, ID: "<a@x>"}, nil)
	rep.folder("INBOX").record(Hunk{Kind: HunkSetFlags, ID: "<b@x>"}, nil)
	rep.folder("Archive").record(Hunk{Kind: HunkDeleteEnvelope, ID: "<c@x>"}, nil)
	rep.folder("Archive").record(Hunk{Kind: HunkCopyEnvelope, ID: "<d@x>"}, errors.New("boom"))

	assert.False(t, rep.Empty())
	assert.Equal(t, FolderCounts{Created: 1, Deleted: 1, Flagged: 1, Failed: 1}, rep.Totals())
	assert.Equal(t, []string{"Archive", "INBOX"}, rep.FolderNames())
}

func TestMergeReports(t *testing.T) {
	dst := newReport("work", false)
	dst.folder("INBOX").Created = 1

	src := newReport("work", false)
	src.folder("INBOX").Created = 2
	src.folder("Sent").Flagged = 1
	src.Hunks = append(src.Hunks, HunkResult{Hunk: Hunk{Kind: HunkSetFlags, Folder: "Sent", ID: "<a@x>"}})
	src.Conflicts = append(src.Conflicts, ConflictRecord{Folder: "Sent", ID: "<a@x>"})

	mergeReports(dst, src)

	assert.Equal(t, 3, dst.Folders["INBOX"].Created)
	assert.Equal(t, 1, dst.Folders["Sent"].Flagged)
	assert.Len(t, dst.Hunks, 1)
	assert.Len(t, dst.Conflicts, 1)
}
