// Package notmuch adapts a notmuch-indexed mail store to the backend
// interface by driving the notmuch CLI with JSON output. The database
// root is a maildir tree; folders are its subdirectories and flags
// map onto notmuch tags.
package notmuch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/model"
)

func init() {
	backend.Register("notmuch", func(_ context.Context, _ string, cfg model.BackendConfig) (backend.Backend, error) {
		return Open(cfg.RootDir)
	})
}

// Store drives notmuch over one database root.
type Store struct {
	mu   gosync.Mutex
	root string
}

// Open verifies the database root exists. The notmuch binary itself
// is only required once an operation runs.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("notmuch database path must not be empty")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("notmuch database %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Name() string { return "notmuch" }

// run executes one notmuch command against the store's database.
func (s *Store) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "notmuch", args...)
	cmd.Env = append(os.Environ(), "NOTMUCH_DATABASE="+s.root)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backend.FatalError("notmuch",
			fmt.Errorf("notmuch %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

// refresh re-indexes the database after direct file mutations.
func (s *Store) refresh(ctx context.Context) error {
	_, err := s.run(ctx, nil, "new", "--quiet")
	return err
}

func (s *Store) ListFolders(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "cur" || name == "new" || name == "tmp" || strings.HasPrefix(name, ".") && path != s.root {
			return filepath.SkipDir
		}
		// A folder is a directory carrying maildir structure.
		if _, statErr := os.Stat(filepath.Join(path, "cur")); statErr == nil {
			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return relErr
			}
			if rel == "." {
				names = append(names, "INBOX")
			} else {
				names = append(names, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.FatalError("list-folders", err)
	}
	return names, nil
}

// folderPath maps a folder name to its directory under the root.
func (s *Store) folderPath(folder string) string {
	if folder == "INBOX" {
		return s.root
	}
	return filepath.Join(s.root, filepath.FromSlash(folder))
}

// folderTerm is the notmuch search term selecting a folder.
func folderTerm(folder string) string {
	if folder == "INBOX" {
		return `folder:""`
	}
	return fmt.Sprintf("folder:%q", folder)
}

func (s *Store) CreateFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.folderPath(folder)
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o700); err != nil {
			return backend.FatalError("create-folder", fmt.Errorf("%s: %w", folder, err))
		}
	}
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if folder == "INBOX" {
		return backend.FatalError("delete-folder", fmt.Errorf("refusing to delete the database root"))
	}
	path := s.folderPath(folder)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return backend.FatalError("delete-folder", fmt.Errorf("%s: %w", folder, backend.ErrNotFound))
		}
		return backend.FatalError("delete-folder", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return backend.FatalError("delete-folder", fmt.Errorf("%s: %w", folder, err))
	}
	return s.refresh(ctx)
}

// showMessage is the subset of a notmuch show JSON message node the
// adapter reads.
type showMessage struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Tags      []string `json:"tags"`
	Filename  []string `json:"filename"`
	Headers   struct {
		Subject string `json:"Subject"`
		From    string `json:"From"`
	} `json:"headers"`
}

// flattenShow walks notmuch show's nested thread forest and collects
// the message nodes.
func flattenShow(raw json.RawMessage, out *[]showMessage) error {
	var msg showMessage
	if err := json.Unmarshal(raw, &msg); err == nil && msg.ID != "" {
		*out = append(*out, msg)
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	for _, item := range list {
		if string(item) == "null" {
			continue
		}
		if err := flattenShow(item, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListEnvelopes(ctx context.Context, folder string) ([]model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.folderPath(folder)); err != nil {
		return nil, backend.FatalError("list-envelopes", fmt.Errorf("%s: %w", folder, backend.ErrNotFound))
	}

	out, err := s.run(ctx, nil, "show", "--format=json", "--body=false", folderTerm(folder))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	var msgs []showMessage
	if err := flattenShow(out, &msgs); err != nil {
		return nil, backend.FatalError("list-envelopes", fmt.Errorf("parsing notmuch output: %w", err))
	}

	var envs []model.Envelope
	for _, msg := range msgs {
		id := backend.NormalizeMessageID(msg.ID)
		date := time.Unix(msg.Timestamp, 0).UTC()
		from := fromAddress(msg.Headers.From)
		envs = append(envs, model.Envelope{
			Identity:    id,
			InternalID:  msg.ID,
			Flags:       fromTags(msg.Tags),
			ContentHash: backend.HashEnvelope(id, msg.Headers.Subject, from, date),
			Date:        date,
		})
	}
	return envs, nil
}

func (s *Store) PeekMessage(ctx context.Context, folder string, id model.Identity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.run(ctx, nil, "show", "--format=raw", idTerm(id))
	if err != nil {
		return nil, fmt.Errorf("%s in %s: %w", id, folder, err)
	}
	if len(raw) == 0 {
		return nil, backend.FatalError("peek", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
	}
	return raw, nil
}

func (s *Store) AddMessage(ctx context.Context, folder string, raw []byte, flags model.FlagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := backend.ParseHeaderSummary(raw)
	if err != nil {
		return backend.FatalError("add", err)
	}

	// Replacement semantics: capture the files of any previous
	// version before the insert, remove them after.
	oldFiles, _ := s.messageFiles(ctx, sum.Identity)

	args := []string{"insert"}
	if folder != "INBOX" {
		args = append(args, "--folder="+folder)
	}
	args = append(args, tagArgs(flags)...)
	if _, err := s.run(ctx, raw, args...); err != nil {
		return err
	}

	newFiles := map[string]struct{}{}
	if files, err := s.messageFiles(ctx, sum.Identity); err == nil {
		for _, f := range files {
			newFiles[f] = struct{}{}
		}
	}
	for _, f := range oldFiles {
		if _, kept := newFiles[f]; !kept {
			continue
		}
		delete(newFiles, f)
		_ = os.Remove(f)
	}
	if len(oldFiles) > 0 {
		return s.refresh(ctx)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, folder string, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.messageFiles(ctx, id)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return backend.FatalError("delete", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
	}

	prefix := s.folderPath(folder) + string(os.PathSeparator)
	removed := false
	for _, f := range files {
		if folder == "INBOX" && strings.Count(strings.TrimPrefix(f, prefix), string(os.PathSeparator)) > 1 {
			// A copy filed in a subfolder is a different folder's
			// message.
			continue
		}
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return backend.FatalError("delete", fmt.Errorf("%s: %w", id, err))
		}
		removed = true
	}
	if !removed {
		return backend.FatalError("delete", fmt.Errorf("%s in %s: %w", id, folder, backend.ErrNotFound))
	}
	return s.refresh(ctx)
}

func (s *Store) SetFlags(ctx context.Context, folder string, id model.Identity, flags model.FlagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []string{"tag"}
	for flag, tag := range flagTags {
		if flags.Has(flag) {
			args = append(args, "+"+tag)
		} else {
			args = append(args, "-"+tag)
		}
	}
	// Seen is the absence of the unread tag.
	if flags.Has(model.FlagSeen) {
		args = append(args, "-unread")
	} else {
		args = append(args, "+unread")
	}
	args = append(args, "--", idTerm(id))

	if _, err := s.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("%s in %s: %w", id, folder, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// messageFiles returns the files backing one message identity.
func (s *Store) messageFiles(ctx context.Context, id model.Identity) ([]string, error) {
	out, err := s.run(ctx, nil, "search", "--format=json", "--output=files", idTerm(id))
	if err != nil {
		return nil, err
	}
	var files []string
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, backend.FatalError("search", fmt.Errorf("parsing notmuch output: %w", err))
	}
	return files, nil
}

// idTerm builds the notmuch id: term for an identity, which notmuch
// stores without angle brackets.
func idTerm(id model.Identity) string {
	s := strings.TrimSuffix(strings.TrimPrefix(string(id), "<"), ">")
	return fmt.Sprintf("id:%q", s)
}

// fromAddress extracts the bare address from a From header value.
func fromAddress(from string) string {
	if start := strings.LastIndex(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			return from[start+1 : start+end]
		}
	}
	return strings.TrimSpace(from)
}

// flagTags maps neutral flags onto notmuch tags. Seen is special: it
// is the absence of the unread tag.
var flagTags = map[model.Flag]string{
	model.FlagAnswered: "replied",
	model.FlagFlagged:  "flagged",
	model.FlagDeleted:  "deleted",
	model.FlagDraft:    "draft",
}

func tagArgs(flags model.FlagSet) []string {
	var args []string
	for _, f := range flags.Sorted() {
		if tag, ok := flagTags[f]; ok {
			args = append(args, "+"+tag)
		}
	}
	// insert tags new mail unread by default; a seen message must
	// shed it explicitly.
	if flags.Has(model.FlagSeen) {
		args = append(args, "-unread")
	} else {
		args = append(args, "+unread")
	}
	return args
}

func fromTags(tags []string) model.FlagSet {
	set := model.NewFlagSet(model.FlagSeen)
	for _, tag := range tags {
		if tag == "unread" {
			set.Remove(model.FlagSeen)
			continue
		}
		for f, mapped := range flagTags {
			if mapped == tag {
				set.Add(f)
			}
		}
	}
	return set
}
