// Package maildir adapts an on-disk Maildir tree to the backend
// interface. The root directory is the INBOX; subfolders use the
// Maildir++ convention of dot-prefixed directories next to it.
package maildir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/emersion/go-maildir"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/model"
)

const inboxName = "INBOX"

func init() {
	backend.Register("maildir", func(_ context.Context, _ string, cfg model.BackendConfig) (backend.Backend, error) {
		return Open(cfg.RootDir)
	})
}

// Store is a Maildir-backed mailbox store rooted at one directory.
type Store struct {
	mu   gosync.Mutex
	root string

	// keys maps folder and identity to the maildir key, rebuilt by
	// ListEnvelopes and kept current across mutations.
	keys map[string]map[model.Identity]string
}

// Open validates the root directory and initializes the INBOX
// structure when missing.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("maildir root must not be empty")
	}
	if err := maildir.Dir(root).Init(); err != nil {
		return nil, fmt.Errorf("initializing maildir %s: %w", root, err)
	}
	return &Store{
		root: root,
		keys: map[string]map[model.Identity]string{},
	}, nil
}

func (s *Store) Name() string { return "maildir" }

// dirFor maps a folder name onto its Maildir++ directory.
func (s *Store) dirFor(folder string) maildir.Dir {
	if folder == inboxName {
		return maildir.Dir(s.root)
	}
	return maildir.Dir(filepath.Join(s.root, "."+folderToDirName(folder)))
}

// folderToDirName encodes a folder hierarchy into a Maildir++
// directory name, with dots separating levels.
func folderToDirName(folder string) string {
	return strings.ReplaceAll(folder, "/", ".")
}

func dirNameToFolder(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "."), ".", "/")
}

func (s *Store) ListFolders(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := []string{inboxName}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, backend.FatalError("list-folders", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ".") || e.Name() == "." || e.Name() == ".." {
			continue
		}
		// Only directories with a Maildir structure count.
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "cur")); err != nil {
			continue
		}
		names = append(names, dirNameToFolder(e.Name()))
	}
	return names, nil
}

func (s *Store) CreateFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dirFor(folder).Init(); err != nil {
		return backend.FatalError("create-folder", fmt.Errorf("%s: %w", folder, err))
	}
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if folder == inboxName {
		return backend.FatalError("delete-folder", fmt.Errorf("refusing to delete the maildir root"))
	}
	path := filepath.Join(s.root, "."+folderToDirName(folder))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return backend.FatalError("delete-folder", fmt.Errorf("%s: %w", folder, backend.ErrNotFound))
		}
		return backend.FatalError("delete-folder", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return backend.FatalError("delete-folder", fmt.Errorf("%s: %w", folder, err))
	}
	delete(s.keys, folder)
	return nil
}

func (s *Store) ListEnvelopes(ctx context.Context, folder string) ([]model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.dirFor(folder)
	msgs, err := dir.Messages()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.FatalError("list-envelopes", fmt.Errorf("%s: %w", folder, backend.ErrNotFound))
		}
		return nil, backend.FatalError("list-envelopes", fmt.Errorf("%s: %w", folder, err))
	}

	index := map[model.Identity]string{}
	var envs []model.Envelope
	for _, msg := range msgs {
		raw, err := readMessage(msg)
		if err != nil {
			// A message vanishing mid-listing is another mail client
			// at work; the next run sees the settled state.
			continue
		}
		env, err := backend.EnvelopeFromRaw(raw, msg.Key(), fromMaildirFlags(msg.Flags()))
		if err != nil {
			continue
		}
		index[env.Identity] = msg.Key()
		envs = append(envs, env)
	}

	s.keys[folder] = index
	return envs, nil
}

func (s *Store) PeekMessage(ctx context.Context, folder string, id model.Identity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := s.messageByIdentity(folder, id)
	if err != nil {
		return nil, err
	}
	raw, err := readMessage(msg)
	if err != nil {
		return nil, backend.FatalError("peek", fmt.Errorf("%s in %s: %w", id, folder, err))
	}
	return raw, nil
}

func (s *Store) AddMessage(ctx context.Context, folder string, raw []byte, flags model.FlagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.dirFor(folder)
	msg, w, err := dir.Create(toMaildirFlags(flags))
	if err != nil {
		return backend.FatalError("add", fmt.Errorf("%s: %w", folder, err))
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return backend.FatalError("add", fmt.Errorf("%s: %w", folder, err))
	}
	if err := w.Close(); err != nil {
		return backend.FatalError("add", fmt.Errorf("%s: %w", folder, err))
	}

	sum, err := backend.ParseHeaderSummary(raw)
	if err != nil {
		return nil
	}

	// Replacement semantics: the previous file carrying this identity
	// gives way to the one just written.
	if old, ok := s.keys[folder][sum.Identity]; ok && old != msg.Key() {
		if oldMsg, err := s.dirFor(folder).MessageByKey(old); err == nil {
			_ = oldMsg.Remove()
		}
	}
	if s.keys[folder] == nil {
		s.keys[folder] = map[model.Identity]string{}
	}
	s.keys[folder][sum.Identity] = msg.Key()
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, folder string, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := s.messageByIdentity(folder, id)
	if err != nil {
		return err
	}
	if err := msg.Remove(); err != nil {
		return backend.FatalError("delete", fmt.Errorf("%s in %s: %w", id, folder, err))
	}
	delete(s.keys[folder], id)
	return nil
}

func (s *Store) SetFlags(ctx context.Context, folder string, id model.Identity, flags model.FlagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := s.messageByIdentity(folder, id)
	if err != nil {
		return err
	}
	if err := msg.SetFlags(toMaildirFlags(flags)); err != nil {
		return backend.FatalError("set-flags", fmt.Errorf("%s in %s: %w", id, folder, err))
	}
	return nil
}

func (s *Store) Close() error { return nil }

// messageByIdentity resolves an identity to its maildir message,
// re-scanning the folder when the index has no entry. The caller
// holds the mutex.
func (s *Store) messageByIdentity(folder string, id model.Identity) (*maildir.Message, error) {
	lookup := func() (*maildir.Message, error) {
		key, ok := s.keys[folder][id]
		if !ok {
			return nil, nil
		}
		msg, err := s.dirFor(folder).MessageByKey(key)
		if err != nil {
			delete(s.keys[folder], id)
			return nil, nil
		}
		return msg, nil
	}

	if msg, err := lookup(); msg != nil || err != nil {
		return msg, err
	}

	if err := s.rescan(folder); err != nil {
		return nil, err
	}
	if msg, err := lookup(); msg != nil || err != nil {
		return msg, err
	}
	return nil, backend.FatalError("lookup", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
}

// rescan rebuilds the identity index for one folder.
func (s *Store) rescan(folder string) error {
	msgs, err := s.dirFor(folder).Messages()
	if err != nil {
		return backend.FatalError("scan", fmt.Errorf("%s: %w", folder, err))
	}
	index := map[model.Identity]string{}
	for _, msg := range msgs {
		raw, err := readMessage(msg)
		if err != nil {
			continue
		}
		sum, err := backend.ParseHeaderSummary(raw)
		if err != nil {
			continue
		}
		index[sum.Identity] = msg.Key()
	}
	s.keys[folder] = index
	return nil
}

func readMessage(msg *maildir.Message) ([]byte, error) {
	r, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// flagTable maps the neutral flags onto maildir info flags.
var flagTable = map[model.Flag]maildir.Flag{
	model.FlagSeen:     maildir.FlagSeen,
	model.FlagAnswered: maildir.FlagReplied,
	model.FlagFlagged:  maildir.FlagFlagged,
	model.FlagDeleted:  maildir.FlagTrashed,
	model.FlagDraft:    maildir.FlagDraft,
}

func toMaildirFlags(flags model.FlagSet) []maildir.Flag {
	var out []maildir.Flag
	for _, f := range flags.Sorted() {
		if mf, ok := flagTable[f]; ok {
			out = append(out, mf)
		}
	}
	return out
}

func fromMaildirFlags(flags []maildir.Flag) model.FlagSet {
	set := model.NewFlagSet()
	for _, mf := range flags {
		for f, mapped := range flagTable {
			if mapped == mf {
				set.Add(f)
			}
		}
	}
	return set
}
