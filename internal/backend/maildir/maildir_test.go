package maildir

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening maildir: %v", err)
	}
	return s
}

func rawMessage(id model.Identity, subject string) []byte {
	return fmt.Appendf(nil,
		"Message-ID: %s\r\nSubject: %s\r\nFrom: <a@example.org>\r\nDate: Sun, 01 Mar 2026 12:00:00 +0000\r\n\r\nbody\r\n",
		id, subject)
}

func TestFolderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	names, err := s.ListFolders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "INBOX" {
		t.Fatalf("fresh maildir should expose only INBOX, got %v", names)
	}

	if err := s.CreateFolder(ctx, "Archive/2026"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Creating again is a no-op, not an error.
	if err := s.CreateFolder(ctx, "Archive/2026"); err != nil {
		t.Fatalf("re-create: %v", err)
	}

	names, err = s.ListFolders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "Archive/2026" || names[1] != "INBOX" {
		t.Fatalf("expected [Archive/2026 INBOX], got %v", names)
	}

	if err := s.DeleteFolder(ctx, "Archive/2026"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	names, _ = s.ListFolders(ctx)
	if len(names) != 1 {
		t.Fatalf("folder not deleted: %v", names)
	}
}

func TestDeleteRootRefused(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteFolder(context.Background(), "INBOX"); err == nil {
		t.Fatal("deleting INBOX must fail")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := rawMessage("<a@x>", "hello")
	flags := model.NewFlagSet(model.FlagSeen)
	if err := s.AddMessage(ctx, "INBOX", raw, flags); err != nil {
		t.Fatalf("add: %v", err)
	}

	envs, err := s.ListEnvelopes(ctx, "INBOX")
	if err != nil {
		t.Fatalf("list envelopes: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %+v", envs)
	}
	env := envs[0]
	if env.Identity != "<a@x>" {
		t.Errorf("identity = %q", env.Identity)
	}
	if !env.Flags.Equal(flags) {
		t.Errorf("flags = %q, want %q", env.Flags, flags)
	}
	if env.ContentHash == "" {
		t.Error("missing content digest")
	}

	got, err := s.PeekMessage(ctx, "INBOX", "<a@x>")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("peek altered the message:\n%q\n%q", got, raw)
	}
}

func TestAddMessageReplacesSameIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddMessage(ctx, "INBOX", rawMessage("<a@x>", "v1"), model.NewFlagSet()); err != nil {
		t.Fatalf("add v1: %v", err)
	}
	if _, err := s.ListEnvelopes(ctx, "INBOX"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := s.AddMessage(ctx, "INBOX", rawMessage("<a@x>", "v2"), model.NewFlagSet()); err != nil {
		t.Fatalf("add v2: %v", err)
	}

	envs, err := s.ListEnvelopes(ctx, "INBOX")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("replace left %d envelopes", len(envs))
	}
	raw, err := s.PeekMessage(ctx, "INBOX", "<a@x>")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(raw) != string(rawMessage("<a@x>", "v2")) {
		t.Fatal("old version survived the replace")
	}
}

func TestSetFlagsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddMessage(ctx, "INBOX", rawMessage("<a@x>", "hello"), model.NewFlagSet()); err != nil {
		t.Fatalf("add: %v", err)
	}

	want := model.NewFlagSet(model.FlagSeen, model.FlagFlagged)
	if err := s.SetFlags(ctx, "INBOX", "<a@x>", want); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	envs, err := s.ListEnvelopes(ctx, "INBOX")
	if err != nil || len(envs) != 1 {
		t.Fatalf("list: %v (%d)", err, len(envs))
	}
	if !envs[0].Flags.Equal(want) {
		t.Fatalf("flags = %q, want %q", envs[0].Flags, want)
	}

	if err := s.DeleteMessage(ctx, "INBOX", "<a@x>"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	envs, err = s.ListEnvelopes(ctx, "INBOX")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("message survived deletion: %+v", envs)
	}

	if err := s.DeleteMessage(ctx, "INBOX", "<a@x>"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestFlagConversionRoundTrip(t *testing.T) {
	set := model.NewFlagSet(model.FlagSeen, model.FlagFlagged, model.FlagAnswered)

	got := fromMaildirFlags(toMaildirFlags(set))
	if !got.Equal(set) {
		t.Fatalf("flags = %q, want %q", got, set)
	}

	if got := fromMaildirFlags(nil); len(got) != 0 {
		t.Fatalf("expected empty set, got %q", got)
	}
}
