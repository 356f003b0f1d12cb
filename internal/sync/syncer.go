package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/backend"
	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/lock"
	"github.com/nhle/mailsync/internal/model"
)

// ConfigError marks a sync invocation rejected before any state was
// touched: no lock taken, no cache mutated.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid sync configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Options configures a Syncer. Account-level mutable state (cache,
// lock directory) is injected explicitly, so multiple accounts can
// sync concurrently within one process.
type Options struct {
	Account model.AccountConfig

	// Left and Right are the two backends to reconcile.
	Left  backend.Backend
	Right backend.Backend

	// Cache is the account's last-synced state store.
	Cache cache.Cache

	// LockDir holds the per-account advisory lock files.
	LockDir string

	// Resolver overrides the conflict policy; nil selects the
	// default union/duplicate policy with the account's tie-break
	// side.
	Resolver Resolver

	// DryRun builds and reports the patch without applying any hunk
	// or touching the cache.
	DryRun bool

	// OnEvent receives progress events; may be nil.
	OnEvent Handler

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Syncer drives one end-to-end synchronization run for an account.
type Syncer struct {
	opts     Options
	resolver Resolver
	log      *slog.Logger
}

// New validates the account configuration and builds a Syncer.
// Configuration problems are fatal before any lock or state is
// touched.
func New(opts Options) (*Syncer, error) {
	if err := opts.Account.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if opts.Left == nil || opts.Right == nil {
		return nil, &ConfigError{Err: errors.New("both backends are required")}
	}
	if opts.Cache == nil {
		return nil, &ConfigError{Err: errors.New("a cache is required")}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewDefaultResolver(opts.Account.ConflictSide())
	}

	return &Syncer{opts: opts, resolver: resolver, log: logger.With("account", opts.Account.Name)}, nil
}

// Sync runs one full synchronization: acquire the account lock, diff
// folders, converge each selected folder's envelopes through a
// bounded worker pool, and release the lock on every exit path.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	handle, err := lock.Acquire(s.opts.LockDir, s.opts.Account.Name)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	started := time.Now()
	s.log.Info("sync started", "dry_run", s.opts.DryRun)

	rep := newReport(s.opts.Account.Name, s.opts.DryRun)
	rep.StartedAt = started

	a := &applier{
		left:   s.opts.Left,
		right:  s.opts.Right,
		cache:  s.opts.Cache,
		log:    s.log,
		emit:   s.opts.OnEvent,
		dryRun: s.opts.DryRun,
	}

	plans, err := s.folderPlans(ctx)
	if err != nil {
		return nil, err
	}
	s.opts.OnEvent.emit(Event{Kind: EventListedFolders, Folders: len(plans)})

	// Folder-level hunks are quick and few; apply them up front so
	// envelope workers see every folder they need.
	var toSync []string
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if a.applyFolderPlan(ctx, plan, rep) {
			toSync = append(toSync, plan.Folder)
		}
	}

	s.syncFolders(ctx, a, rep, toSync)

	rep.FinishedAt = time.Now()
	s.opts.OnEvent.emit(Event{Kind: EventRunDone})

	totals := rep.Totals()
	s.log.Info("sync finished",
		"folders", len(toSync),
		"created", totals.Created,
		"deleted", totals.Deleted,
		"flagged", totals.Flagged,
		"conflicted", totals.Conflicted,
		"failed", totals.Failed,
		"duration", rep.FinishedAt.Sub(rep.StartedAt))

	return rep, ctx.Err()
}

// folderPlans lists both sides' folders, filters them through the
// account's folder selection, and builds the convergence plans.
func (s *Syncer) folderPlans(ctx context.Context) ([]FolderPlan, error) {
	type listing struct {
		names []string
		err   error
	}

	results := make([]listing, 2)
	var wg gosync.WaitGroup
	for i, b := range []backend.Backend{s.opts.Left, s.opts.Right} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names, err := b.ListFolders(ctx)
			results[i] = listing{names: names, err: err}
		}()
	}
	wg.Wait()

	if results[0].err != nil {
		return nil, fmt.Errorf("listing left folders: %w", results[0].err)
	}
	if results[1].err != nil {
		return nil, fmt.Errorf("listing right folders: %w", results[1].err)
	}

	cachedLeft, err := s.opts.Cache.Folders(ctx, model.SideLeft)
	if err != nil {
		return nil, fmt.Errorf("reading cached left folders: %w", err)
	}
	cachedRight, err := s.opts.Cache.Folders(ctx, model.SideRight)
	if err != nil {
		return nil, fmt.Errorf("reading cached right folders: %w", err)
	}

	filter := s.opts.Account.Folders
	toSet := func(names []string) folderSet {
		set := folderSet{}
		for _, name := range names {
			if filter.Matches(name) {
				set[name] = struct{}{}
			}
		}
		return set
	}
	filterSet := func(in map[string]struct{}) folderSet {
		set := folderSet{}
		for name := range in {
			if filter.Matches(name) {
				set[name] = struct{}{}
			}
		}
		return set
	}

	return BuildFolderPlans(
		filterSet(cachedLeft),
		toSet(results[0].names),
		filterSet(cachedRight),
		toSet(results[1].names),
	), nil
}

// syncFolders converges the envelopes of each folder through a
// bounded worker pool. Folders are independent convergence units;
// hunks within one folder stay sequential.
func (s *Syncer) syncFolders(ctx context.Context, a *applier, rep *Report, folders []string) {
	workers := s.opts.Account.MaxWorkers
	if workers <= 0 {
		workers = 4
	}

	sem := make(chan struct{}, workers)
	var wg gosync.WaitGroup
	var mu gosync.Mutex

	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			s.opts.OnEvent.emit(Event{Kind: EventFolderStarted, Folder: folder})

			folderRep := newReport(rep.Account, rep.DryRun)
			err := s.syncFolder(ctx, a, folderRep, folder)

			mu.Lock()
			mergeReports(rep, folderRep)
			if err != nil {
				rep.folder(folder).Failed++
				s.log.Debug("folder sync failed", "folder", folder, "error", err)
			}
			mu.Unlock()

			s.opts.OnEvent.emit(Event{Kind: EventFolderDone, Folder: folder, Err: err})
		}()
	}
	wg.Wait()
}

// syncFolder diffs and converges one folder's envelopes.
func (s *Syncer) syncFolder(ctx context.Context, a *applier, rep *Report, folder string) error {
	st, err := s.listEnvelopes(ctx, folder)
	if err != nil {
		return err
	}

	patch := BuildEnvelopePatch(*st, s.resolver)
	rep.Conflicts = append(rep.Conflicts, patch.Conflicts...)

	if err := a.applyPatch(ctx, patch, rep); err != nil {
		return err
	}

	if s.opts.DryRun {
		return nil
	}

	// Garbage-collect cache entries for identities gone from both
	// sides, with the grace period shielding fresh conflict copies.
	present := make(map[model.Identity]struct{})
	for id := range st.Left {
		present[id] = struct{}{}
	}
	for id := range st.Right {
		present[id] = struct{}{}
	}
	for _, h := range patch.Hunks {
		if h.Kind == HunkCopyEnvelope {
			present[h.targetIdentity()] = struct{}{}
		}
	}
	if err := s.opts.Cache.Prune(ctx, folder, present); err != nil {
		return fmt.Errorf("pruning cache for %s: %w", folder, err)
	}

	return nil
}

// listEnvelopes gathers both sides' live envelopes and the cached
// snapshots for one folder.
func (s *Syncer) listEnvelopes(ctx context.Context, folder string) (*envelopeState, error) {
	type listing struct {
		envs []model.Envelope
		err  error
	}

	results := make([]listing, 2)
	var wg gosync.WaitGroup
	for i, b := range []backend.Backend{s.opts.Left, s.opts.Right} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envs, err := b.ListEnvelopes(ctx, folder)
			results[i] = listing{envs: envs, err: err}
		}()
	}
	wg.Wait()

	if results[0].err != nil {
		return nil, fmt.Errorf("listing left envelopes of %s: %w", folder, results[0].err)
	}
	if results[1].err != nil {
		return nil, fmt.Errorf("listing right envelopes of %s: %w", folder, results[1].err)
	}

	toMap := func(envs []model.Envelope) map[model.Identity]model.Envelope {
		m := make(map[model.Identity]model.Envelope, len(envs))
		for _, e := range envs {
			m[e.Identity] = e
		}
		return m
	}

	cachedLeft, err := s.opts.Cache.FolderEnvelopes(ctx, folder, model.SideLeft)
	if err != nil {
		return nil, fmt.Errorf("reading left cache of %s: %w", folder, err)
	}
	cachedRight, err := s.opts.Cache.FolderEnvelopes(ctx, folder, model.SideRight)
	if err != nil {
		return nil, fmt.Errorf("reading right cache of %s: %w", folder, err)
	}

	return &envelopeState{
		Folder:      folder,
		Left:        toMap(results[0].envs),
		Right:       toMap(results[1].envs),
		CachedLeft:  cachedLeft,
		CachedRight: cachedRight,
	}, nil
}

// mergeReports folds a folder-scoped report into the run report.
func mergeReports(dst, src *Report) {
	for name, c := range src.Folders {
		agg := dst.folder(name)
		agg.Created += c.Created
		agg.Deleted += c.Deleted
		agg.Flagged += c.Flagged
		agg.Conflicted += c.Conflicted
		agg.Failed += c.Failed
	}
	dst.Hunks = append(dst.Hunks, src.Hunks...)
	dst.Conflicts = append(dst.Conflicts, src.Conflicts...)
}
