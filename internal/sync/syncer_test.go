package sync

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

func testAccount(name string) model.AccountConfig {
	return model.AccountConfig{
		Name:       name,
		Left:       model.BackendConfig{Type: "maildir", RootDir: "/tmp/left"},
		Right:      model.BackendConfig{Type: "maildir", RootDir: "/tmp/right"},
		MaxWorkers: 2,
	}
}

func newTestSyncer(t *testing.T, left, right *fakeBackend, mod func(*Options)) (*Syncer, cache.Cache) {
	t.Helper()

	c := testutil.NewTestCache(t, "work")

	opts := Options{
		Account: testAccount("work"),
		Left:    left,
		Right:   right,
		Cache:   c,
		LockDir: t.TempDir(),
		Logger:  slog.New(slog.DiscardHandler),
	}
	if mod != nil {
		mod(&opts)
	}

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, c
}

func TestSyncRejectsInvalidAccount(t *testing.T) {
	_, err := New(Options{Account: model.AccountConfig{}})

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestSyncConvergesBothSides(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "from left", model.FlagSeen)
	right.seed("INBOX", "<b@x>", "from right")

	s, _ := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for _, id := range []model.Identity{"<a@x>", "<b@x>"} {
		if !left.has("INBOX", id) || !right.has("INBOX", id) {
			t.Fatalf("%s not present on both sides after sync", id)
		}
	}
	if !right.flagsOf("INBOX", "<a@x>").Equal(model.NewFlagSet(model.FlagSeen)) {
		t.Fatal("copy dropped the source flags")
	}
	if got := rep.Totals().Created; got != 2 {
		t.Fatalf("Created = %d, want 2", got)
	}
	if got := rep.Totals().Failed; got != 0 {
		t.Fatalf("Failed = %d, want 0", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello", model.FlagSeen)

	s, _ := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if !rep.Empty() {
		t.Fatalf("second sync not empty: %+v hunks, totals %+v", len(rep.Hunks), rep.Totals())
	}
}

func TestSyncCreatesMissingFolder(t *testing.T) {
	left := newFakeBackend("left", "INBOX", "Archive")
	right := newFakeBackend("right", "INBOX")
	left.seed("Archive", "<old@x>", "archived")

	s, _ := newTestSyncer(t, left, right, nil)

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if !right.has("Archive", "<old@x>") {
		t.Fatal("folder contents not synchronized after folder creation")
	}
}

func TestSyncPropagatesDeletion(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello")

	s, _ := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !right.has("INBOX", "<a@x>") {
		t.Fatal("message not copied by first sync")
	}

	// The right side deletes it; the next run must not resurrect it.
	if err := right.DeleteMessage(ctx, "INBOX", "<a@x>"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if left.has("INBOX", "<a@x>") {
		t.Fatal("deletion did not propagate to the left")
	}
}

func TestSyncHonorsFolderFilter(t *testing.T) {
	left := newFakeBackend("left", "INBOX", "Spam")
	right := newFakeBackend("right", "INBOX")
	left.seed("Spam", "<junk@x>", "junk")

	s, _ := newTestSyncer(t, left, right, func(o *Options) {
		o.Account.Folders = model.FolderFilter{Include: []string{"INBOX"}}
	})

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if right.has("Spam", "<junk@x>") {
		t.Fatal("excluded folder was synchronized")
	}
	if _, ok := right.folders["Spam"]; ok {
		t.Fatal("excluded folder was created")
	}
}

func TestSyncDryRunReportsWithoutApplying(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello")

	s, _ := newTestSyncer(t, left, right, func(o *Options) {
		o.DryRun = true
	})

	rep, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if right.has("INBOX", "<a@x>") {
		t.Fatal("dry run copied a message")
	}
	if !rep.DryRun {
		t.Fatal("report not marked dry-run")
	}
	if got := rep.Totals().Created; got != 1 {
		t.Fatalf("Created = %d, want 1 (reported, not applied)", got)
	}
}

func TestSyncContentConflictKeepsBothVersions(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "original")

	s, _ := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Both sides rewrite the message body independently.
	left.seed("INBOX", "<a@x>", "edited on left", model.FlagSeen)
	right.seed("INBOX", "<a@x>", "edited on right", model.FlagSeen)

	rep, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("conflicting sync: %v", err)
	}
	if len(rep.Conflicts) == 0 {
		t.Fatal("content conflict not reported")
	}

	leftID := ConflictIdentity("<a@x>", digest(rawMessage("<a@x>", "edited on left")))
	rightID := ConflictIdentity("<a@x>", digest(rawMessage("<a@x>", "edited on right")))

	if !right.has("INBOX", leftID) {
		t.Fatal("left version not duplicated onto the right")
	}
	if !left.has("INBOX", rightID) {
		t.Fatal("right version not duplicated onto the left")
	}
	// Neither original is discarded.
	if !left.has("INBOX", "<a@x>") || !right.has("INBOX", "<a@x>") {
		t.Fatal("an original version was dropped")
	}

	// The standing difference is settled; further runs stay quiet on
	// the conflicting identity.
	rep, err = s.Sync(ctx)
	if err != nil {
		t.Fatalf("follow-up sync: %v", err)
	}
	for _, c := range rep.Conflicts {
		if c.ID == "<a@x>" {
			t.Fatalf("settled conflict escalated again: %+v", c)
		}
	}
}

func TestSyncSequentialRunsReleaseLock(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")

	s, _ := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Sync(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestSyncRecoversFromStaleCache(t *testing.T) {
	// Simulates a crash after the backend apply but before the cache
	// advanced: the copy exists on both sides while only one side's
	// cache knows it. The next run converges without damage.
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello", model.FlagSeen)
	right.seed("INBOX", "<a@x>", "hello", model.FlagSeen)

	s, c := newTestSyncer(t, left, right, nil)
	ctx := context.Background()

	hash := digest(rawMessage("<a@x>", "hello"))
	if err := c.PutEnvelope(ctx, "INBOX", "<a@x>", model.SideLeft, cache.Snapshot{
		ContentHash: hash,
		Flags:       model.NewFlagSet(model.FlagSeen),
	}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if !left.has("INBOX", "<a@x>") || !right.has("INBOX", "<a@x>") {
		t.Fatal("recovery run dropped a copy")
	}
	snap, err := c.GetEnvelope(ctx, "INBOX", "<a@x>", model.SideRight)
	if err != nil || snap == nil {
		t.Fatalf("right cache still stale after recovery (err %v)", err)
	}
}
