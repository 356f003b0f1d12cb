package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"testing"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

// fakeBackend is an in-memory mailbox store for exercising the
// applier and the orchestrator without network or filesystem I/O.
type fakeBackend struct {
	mu      gosync.Mutex
	name    string
	folders map[string]map[model.Identity]*fakeMessage

	// errs queues injected failures per operation name; each call
	// pops one entry.
	errs map[string][]error

	calls []string
}

type fakeMessage struct {
	raw   []byte
	flags model.FlagSet
	hash  string
}

func newFakeBackend(name string, folders ...string) *fakeBackend {
	b := &fakeBackend{
		name:    name,
		folders: map[string]map[model.Identity]*fakeMessage{},
		errs:    map[string][]error{},
	}
	for _, f := range folders {
		b.folders[f] = map[model.Identity]*fakeMessage{}
	}
	return b
}

// rawMessage renders a minimal message for the given identity.
func rawMessage(id model.Identity, body string) []byte {
	return []byte(fmt.Sprintf("Message-ID: %s\r\nSubject: t\r\n\r\n%s\r\n", id, body))
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// seed stores a message directly, bypassing error injection.
func (b *fakeBackend) seed(folder string, id model.Identity, body string, flags ...model.Flag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.folders[folder] == nil {
		b.folders[folder] = map[model.Identity]*fakeMessage{}
	}
	raw := rawMessage(id, body)
	b.folders[folder][id] = &fakeMessage{raw: raw, flags: model.NewFlagSet(flags...), hash: digest(raw)}
}

func (b *fakeBackend) fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[op] = append(b.errs[op], err)
}

func (b *fakeBackend) pop(op string) error {
	b.calls = append(b.calls, op)
	queue := b.errs[op]
	if len(queue) == 0 {
		return nil
	}
	b.errs[op] = queue[1:]
	return queue[0]
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) ListFolders(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("list-folders"); err != nil {
		return nil, err
	}
	var names []string
	for name := range b.folders {
		names = append(names, name)
	}
	return names, nil
}

func (b *fakeBackend) CreateFolder(_ context.Context, folder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("create-folder"); err != nil {
		return err
	}
	if b.folders[folder] == nil {
		b.folders[folder] = map[model.Identity]*fakeMessage{}
	}
	return nil
}

func (b *fakeBackend) DeleteFolder(_ context.Context, folder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("delete-folder"); err != nil {
		return err
	}
	delete(b.folders, folder)
	return nil
}

func (b *fakeBackend) ListEnvelopes(_ context.Context, folder string) ([]model.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("list-envelopes"); err != nil {
		return nil, err
	}
	msgs, ok := b.folders[folder]
	if !ok {
		return nil, backend.FatalError("list-envelopes", backend.ErrNotFound)
	}
	var envs []model.Envelope
	for id, m := range msgs {
		envs = append(envs, model.Envelope{
			Identity:    id,
			Flags:       m.flags.Clone(),
			ContentHash: m.hash,
		})
	}
	return envs, nil
}

func (b *fakeBackend) PeekMessage(_ context.Context, folder string, id model.Identity) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("peek"); err != nil {
		return nil, err
	}
	m, ok := b.folders[folder][id]
	if !ok {
		return nil, backend.FatalError("peek", backend.ErrNotFound)
	}
	return append([]byte{}, m.raw...), nil
}

func (b *fakeBackend) AddMessage(_ context.Context, folder string, raw []byte, flags model.FlagSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("add"); err != nil {
		return err
	}
	msgs, ok := b.folders[folder]
	if !ok {
		return backend.FatalError("add", backend.ErrNotFound)
	}
	id := identityFromRaw(raw)
	msgs[id] = &fakeMessage{raw: append([]byte{}, raw...), flags: flags.Clone(), hash: digest(raw)}
	return nil
}

func (b *fakeBackend) DeleteMessage(_ context.Context, folder string, id model.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("delete"); err != nil {
		return err
	}
	if _, ok := b.folders[folder][id]; !ok {
		return backend.FatalError("delete", backend.ErrNotFound)
	}
	delete(b.folders[folder], id)
	return nil
}

func (b *fakeBackend) SetFlags(_ context.Context, folder string, id model.Identity, flags model.FlagSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pop("set-flags"); err != nil {
		return err
	}
	m, ok := b.folders[folder][id]
	if !ok {
		return backend.FatalError("set-flags", backend.ErrNotFound)
	}
	m.flags = flags.Clone()
	return nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) has(folder string, id model.Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.folders[folder][id]
	return ok
}

func (b *fakeBackend) flagsOf(folder string, id model.Identity) model.FlagSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.folders[folder][id]
	if !ok {
		return nil
	}
	return m.flags.Clone()
}

func (b *fakeBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == op {
			n++
		}
	}
	return n
}

func identityFromRaw(raw []byte) model.Identity {
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		if len(line) == 0 {
			break
		}
		lower := bytes.ToLower(line)
		if bytes.HasPrefix(lower, []byte("message-id:")) {
			return model.Identity(bytes.TrimSpace(line[len("message-id:"):]))
		}
	}
	return ""
}

func newTestApplier(t *testing.T, left, right *fakeBackend) (*applier, cache.Cache) {
	t.Helper()

	c := testutil.NewTestCache(t, "work")

	return &applier{
		left:  left,
		right: right,
		cache: c,
		log:   slog.New(slog.DiscardHandler),
	}, c
}

func TestApplierCopyAdvancesBothCaches(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello", model.FlagSeen)

	a, c := newTestApplier(t, left, right)
	ctx := context.Background()

	hash := digest(rawMessage("<a@x>", "hello"))
	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{{
			Kind: HunkCopyEnvelope, Folder: "INBOX",
			From: model.SideLeft, Side: model.SideRight,
			ID: "<a@x>", Flags: model.NewFlagSet(model.FlagSeen), Hash: hash,
		}},
	}

	rep := newReport("work", false)
	if err := a.applyPatch(ctx, patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	if !right.has("INBOX", "<a@x>") {
		t.Fatal("message not copied to right")
	}
	for _, side := range []model.Side{model.SideLeft, model.SideRight} {
		snap, err := c.GetEnvelope(ctx, "INBOX", "<a@x>", side)
		if err != nil || snap == nil {
			t.Fatalf("cache miss on %s after copy (err %v)", side, err)
		}
		if snap.ContentHash != hash {
			t.Fatalf("cache hash on %s = %q, want %q", side, snap.ContentHash, hash)
		}
	}
	if got := rep.folder("INBOX").Created; got != 1 {
		t.Fatalf("Created = %d, want 1", got)
	}
}

func TestApplierCacheUntouchedOnFailure(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello")
	right.fail("add", backend.FatalError("add", errors.New("quota exceeded")))

	a, c := newTestApplier(t, left, right)
	ctx := context.Background()

	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{{
			Kind: HunkCopyEnvelope, Folder: "INBOX",
			From: model.SideLeft, Side: model.SideRight,
			ID: "<a@x>", Flags: model.NewFlagSet(), Hash: "h1",
		}},
	}

	rep := newReport("work", false)
	if err := a.applyPatch(ctx, patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	snap, err := c.GetEnvelope(ctx, "INBOX", "<a@x>", model.SideRight)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap != nil {
		t.Fatalf("cache advanced past a failed hunk: %+v", snap)
	}
	if got := rep.folder("INBOX").Failed; got != 1 {
		t.Fatalf("Failed = %d, want 1", got)
	}
}

func TestApplierRetriesTransientOnce(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	right.seed("INBOX", "<a@x>", "hello")
	right.fail("set-flags", backend.RetryableError("set-flags", errors.New("timeout")))

	a, _ := newTestApplier(t, left, right)

	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{{
			Kind: HunkSetFlags, Folder: "INBOX", Side: model.SideRight,
			ID: "<a@x>", Flags: model.NewFlagSet(model.FlagSeen), Hash: "h1",
		}},
	}

	rep := newReport("work", false)
	if err := a.applyPatch(context.Background(), patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	if got := right.callCount("set-flags"); got != 2 {
		t.Fatalf("set-flags called %d times, want 2", got)
	}
	if got := rep.folder("INBOX").Failed; got != 0 {
		t.Fatalf("Failed = %d after successful retry", got)
	}
	if !right.flagsOf("INBOX", "<a@x>").Equal(model.NewFlagSet(model.FlagSeen)) {
		t.Fatal("flags not applied after retry")
	}
}

func TestApplierNotFoundSkipsRemainingHunks(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")

	a, _ := newTestApplier(t, left, right)

	// Both hunks reference messages the backend no longer has.
	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{
			{Kind: HunkSetFlags, Folder: "INBOX", Side: model.SideRight, ID: "<a@x>", Flags: model.NewFlagSet()},
			{Kind: HunkSetFlags, Folder: "INBOX", Side: model.SideRight, ID: "<b@x>", Flags: model.NewFlagSet()},
		},
	}

	rep := newReport("work", false)
	if err := a.applyPatch(context.Background(), patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	if got := right.callCount("set-flags"); got != 1 {
		t.Fatalf("set-flags called %d times, want 1 (folder abandoned)", got)
	}
	if got := rep.folder("INBOX").Failed; got != 1 {
		t.Fatalf("Failed = %d, want 1", got)
	}
}

func TestApplierDryRunTouchesNothing(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "hello")

	a, c := newTestApplier(t, left, right)
	a.dryRun = true
	ctx := context.Background()

	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{{
			Kind: HunkCopyEnvelope, Folder: "INBOX",
			From: model.SideLeft, Side: model.SideRight,
			ID: "<a@x>", Flags: model.NewFlagSet(), Hash: "h1",
		}},
		Updates: []CacheUpdate{{Side: model.SideLeft, ID: "<a@x>", Snap: cache.Snapshot{ContentHash: "h1"}}},
	}

	rep := newReport("work", true)
	if err := a.applyPatch(ctx, patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	if right.has("INBOX", "<a@x>") {
		t.Fatal("dry run mutated the backend")
	}
	snap, _ := c.GetEnvelope(ctx, "INBOX", "<a@x>", model.SideLeft)
	if snap != nil {
		t.Fatalf("dry run mutated the cache: %+v", snap)
	}
	// The report still describes what would happen.
	if got := rep.folder("INBOX").Created; got != 1 {
		t.Fatalf("Created = %d, want 1", got)
	}
}

func TestApplierConflictCopyRewritesIdentity(t *testing.T) {
	left := newFakeBackend("left", "INBOX")
	right := newFakeBackend("right", "INBOX")
	left.seed("INBOX", "<a@x>", "left version")

	a, c := newTestApplier(t, left, right)
	ctx := context.Background()

	newID := ConflictIdentity("<a@x>", "aaaabbbbccccdddd")
	patch := &FolderPatch{
		Folder: "INBOX",
		Hunks: []Hunk{{
			Kind: HunkCopyEnvelope, Folder: "INBOX",
			From: model.SideLeft, Side: model.SideRight,
			ID: "<a@x>", NewID: newID,
			Flags: model.NewFlagSet(), Hash: "h1",
		}},
	}

	rep := newReport("work", false)
	if err := a.applyPatch(ctx, patch, rep); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}

	if !right.has("INBOX", newID) {
		t.Fatalf("conflict copy not stored under %q", newID)
	}
	if right.has("INBOX", "<a@x>") {
		t.Fatal("conflict copy kept the original identity")
	}
	snap, err := c.GetEnvelope(ctx, "INBOX", newID, model.SideRight)
	if err != nil || snap == nil {
		t.Fatalf("cache miss for conflict identity (err %v)", err)
	}
}
