// Command mailsync reconciles pairs of mailbox stores: IMAP servers,
// Maildir trees and notmuch databases.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/lock"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/watch"

	_ "github.com/nhle/mailsync/internal/backend/imap"
	_ "github.com/nhle/mailsync/internal/backend/maildir"
	_ "github.com/nhle/mailsync/internal/backend/notmuch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", model.DefaultConfigPath(), "configuration file")
	account := flag.String("account", "", "sync a single account (default: all)")
	dryRun := flag.Bool("dry-run", false, "report the patch without applying it")
	plain := flag.Bool("plain", false, "plain output instead of the interactive UI")
	watchMode := flag.Bool("watch", false, "keep running, syncing when local folders change")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.Arg(0) == "configure" {
		return app.Configure(*configPath)
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	accounts := cfg.Accounts
	if *account != "" {
		acc, err := cfg.Account(*account)
		if err != nil {
			return err
		}
		accounts = []model.AccountConfig{*acc}
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts configured; run `mailsync configure` first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watchMode {
		return runWatch(ctx, logger, cfg, accounts, *dryRun)
	}

	runs := make([]app.Account, 0, len(accounts))
	for _, acc := range accounts {
		runs = append(runs, syncAccount(cfg, acc, logger, *dryRun))
	}

	if *plain {
		failed := false
		for _, r := range runs {
			rep, err := r.Run(ctx, nil)
			fmt.Print(app.RenderReport(r.Name, rep, err))
			if err != nil || (rep != nil && rep.Totals().Failed > 0) {
				failed = true
			}
		}
		if failed {
			return errors.New("one or more accounts did not sync cleanly")
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner := app.NewRunner(runs)
	runner.Launch(runCtx)

	_, err = tea.NewProgram(app.New(runner, cancel)).Run()
	return err
}

// syncAccount builds the runnable sync for one account. Backends and
// the cache are opened when the run starts and closed when it ends,
// so accounts hold no connections while queued.
func syncAccount(cfg *model.AppConfig, acc model.AccountConfig, logger *slog.Logger, dryRun bool) app.Account {
	return app.Account{
		Name: acc.Name,
		Run: func(ctx context.Context, onEvent sync.Handler) (*sync.Report, error) {
			c, err := cache.NewSQLiteCache(filepath.Join(cfg.StateDir, "cache.db"), acc.Name)
			if err != nil {
				return nil, err
			}
			defer c.Close()

			left, err := backend.Open(ctx, acc.Name, acc.Left)
			if err != nil {
				return nil, fmt.Errorf("left backend: %w", err)
			}
			defer left.Close()

			right, err := backend.Open(ctx, acc.Name, acc.Right)
			if err != nil {
				return nil, fmt.Errorf("right backend: %w", err)
			}
			defer right.Close()

			s, err := sync.New(sync.Options{
				Account: acc,
				Left:    left,
				Right:   right,
				Cache:   c,
				LockDir: filepath.Join(cfg.StateDir, "locks"),
				DryRun:  dryRun,
				OnEvent: onEvent,
				Logger:  logger,
			})
			if err != nil {
				return nil, err
			}
			return s.Sync(ctx)
		},
	}
}

// runWatch syncs every account once, then keeps watching the local
// Maildir sides and re-syncs the owning account when they change.
func runWatch(ctx context.Context, logger *slog.Logger, cfg *model.AppConfig, accounts []model.AccountConfig, dryRun bool) error {
	for _, acc := range accounts {
		r := syncAccount(cfg, acc, logger, dryRun)
		if rep, err := r.Run(ctx, nil); err != nil {
			if errors.Is(err, lock.ErrAlreadyRunning) {
				return err
			}
			logger.Error("initial sync failed", "account", acc.Name, "error", err)
		} else {
			fmt.Print(app.RenderReport(acc.Name, rep, nil))
		}
	}

	started := false
	for _, acc := range accounts {
		for _, side := range []model.BackendConfig{acc.Left, acc.Right} {
			if side.RootDir == "" {
				continue
			}
			w, err := watch.New(watch.Options{Root: side.RootDir, Logger: logger})
			if err != nil {
				return fmt.Errorf("watching %s: %w", side.RootDir, err)
			}
			started = true

			r := syncAccount(cfg, acc, logger, dryRun)
			go func() {
				_ = w.Run(ctx, func(ctx context.Context) {
					rep, err := r.Run(ctx, nil)
					if err != nil {
						logger.Error("sync failed", "account", r.Name, "error", err)
						return
					}
					fmt.Print(app.RenderReport(r.Name, rep, nil))
				})
			}()
		}
	}
	if !started {
		return fmt.Errorf("watch mode needs at least one maildir or notmuch side")
	}

	<-ctx.Done()
	return nil
}
