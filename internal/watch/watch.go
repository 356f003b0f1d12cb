// Package watch triggers sync runs when a local Maildir tree changes
// on disk. Events are debounced so a burst of deliveries causes one
// run, not one per file.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configures a Watcher.
type Options struct {
	// Root is the Maildir root directory to observe.
	Root string

	// Debounce is how long the tree must stay quiet before the
	// callback fires. Zero selects a default of two seconds.
	Debounce time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Watcher observes a Maildir tree and fires a callback after changes
// settle.
type Watcher struct {
	fs       *fsnotify.Watcher
	root     string
	debounce time.Duration
	log      *slog.Logger
}

// New sets up the filesystem watches for the root and its folder
// subdirectories.
func New(opts Options) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{fs: fs, root: opts.Root, debounce: debounce, log: logger}
	if err := w.addTree(opts.Root); err != nil {
		fs.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches the cur and new directories of every folder under
// root. tmp is skipped: deliveries in progress are not yet visible.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case "tmp":
			return filepath.SkipDir
		case "cur", "new":
			return w.fs.Add(path)
		}
		return nil
	})
}

// Run blocks, invoking trigger after each settled burst of changes,
// until the context is cancelled.
func (w *Watcher) Run(ctx context.Context, trigger func(ctx context.Context)) error {
	defer w.fs.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			// A fresh folder appearing needs its own watches.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addTree(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			w.log.Debug("maildir changed, triggering sync", "root", w.root)
			trigger(ctx)
		}
	}
}

// relevant filters out event noise: dotfile churn and chmod-only
// events never change mailbox content.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") && base != "." {
		// Maildir++ folder directories are dot-named; their creation
		// still matters.
		if info, err := os.Stat(ev.Name); err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}
