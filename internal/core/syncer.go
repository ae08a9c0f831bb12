package core

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SyncerOptions wires the collaborators of a Syncer. Only Service is required.
type SyncerOptions struct {
	Service PlaylistService
	Images  ImageFetcher
	Cache   DetailsCache
	Ledger  UpdateLedger
	Metrics Metrics
	Budget  *Budget
	// Rand seeds the variety pass; nil uses a time-seeded source.
	Rand   *rand.Rand
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *zap.Logger
}

// Syncer reconciles target playlists against their sources.
type Syncer struct {
	settings SyncConfig
	service  PlaylistService
	metadata *MetadataRefresher
	ledger   UpdateLedger
	cache    DetailsCache
	metrics  Metrics
	policy   RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   *zap.Logger

	randMutex sync.Mutex
	rand      *rand.Rand
}

func NewSyncer(settings SyncConfig, opts SyncerOptions) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Track ordering doesn't require crypto-secure randomness
	}

	policy := RetryPolicy{
		MaxAttempts: settings.MaxRetries,
		BaseDelay:   settings.RetryBaseDelay,
		MaxDelay:    settings.RetryMaxDelay,
		Budget:      opts.Budget,
		Sleep:       sleep,
		Logger:      logger,
		OnRetry:     metrics.RecordRetry,
	}

	s := &Syncer{
		settings: settings,
		service:  opts.Service,
		ledger:   opts.Ledger,
		cache:    opts.Cache,
		metrics:  metrics,
		policy:   policy,
		sleep:    sleep,
		now:      now,
		logger:   logger,
		rand:     rng,
	}
	s.metadata = &MetadataRefresher{
		service:  opts.Service,
		images:   opts.Images,
		cache:    opts.Cache,
		policy:   policy,
		settings: settings,
		sleep:    sleep,
		logger:   logger.Named("metadata"),
	}
	return s
}

// Run processes every playlist and returns the accumulated report. Playlists not
// started before ctx is done are reported as skipped; a started playlist always
// runs to completion.
func (s *Syncer) Run(ctx context.Context, playlists []PlaylistConfig) *RunReport {
	report := &RunReport{StartedAt: s.now()}
	s.logger.Info("Starting playlist updates",
		zap.Int("playlists", len(playlists)),
		zap.Int("workers", s.settings.Workers),
		zap.Bool("dryRun", s.settings.DryRun),
		zap.Bool("metadataOnly", s.settings.MetadataOnly))

	if s.settings.Workers > 1 {
		s.runParallel(ctx, playlists, report)
	} else {
		s.runSequential(ctx, playlists, report)
	}

	order := make(map[string]int, len(playlists))
	for i := range playlists {
		order[playlists[i].DisplayName()] = i
	}
	sort.SliceStable(report.Playlists, func(i, j int) bool {
		return order[report.Playlists[i].Name] < order[report.Playlists[j].Name]
	})

	report.FinishedAt = s.now()
	counts := report.Counts()
	s.logger.Info("Completed all playlist updates",
		zap.Int("synced", counts[StatusSynced]),
		zap.Int("partial", counts[StatusPartial]),
		zap.Int("failed", counts[StatusFailed]),
		zap.Int("skipped", counts[StatusSkipped]),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

func (s *Syncer) runSequential(ctx context.Context, playlists []PlaylistConfig, report *RunReport) {
	for i := range playlists {
		if err := ctx.Err(); err != nil {
			s.skipRemaining(playlists[i:], report, fmt.Sprintf("run deadline reached: %v", err))
			return
		}

		pr := s.process(ctx, playlists[i], s.playlistRand())
		report.Append(pr)

		if IsFatalForRun(pr.Err()) {
			report.Aborted = true
			report.AbortError = pr.Error
			s.logger.Error("Aborting run", zap.String("playlist", pr.Name), zap.Error(pr.Err()))
			s.skipRemaining(playlists[i+1:], report, "run aborted: "+pr.Error)
			return
		}

		if i < len(playlists)-1 && s.settings.PauseBetween > 0 {
			_ = s.sleep(ctx, s.settings.PauseBetween)
		}
	}
}

func (s *Syncer) runParallel(ctx context.Context, playlists []PlaylistConfig, report *RunReport) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.Workers)

	for i := range playlists {
		pc := playlists[i]
		// Drawn here so each playlist's seed follows config order, not scheduling.
		rng := s.playlistRand()
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				reason := fmt.Sprintf("run deadline reached: %v", err)
				if ctx.Err() == nil {
					reason = "run aborted"
				}
				s.skipRemaining([]PlaylistConfig{pc}, report, reason)
				return nil
			}
			pr := s.process(gCtx, pc, rng)
			report.Append(pr)
			if IsFatalForRun(pr.Err()) {
				return pr.Err()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.Aborted = true
		report.AbortError = err.Error()
		s.logger.Error("Aborting run", zap.Error(err))
	}
}

func (s *Syncer) skipRemaining(playlists []PlaylistConfig, report *RunReport, reason string) {
	for i := range playlists {
		s.logger.Warn("Skipping playlist",
			zap.String("playlist", playlists[i].DisplayName()),
			zap.String("reason", reason))
		report.Append(PlaylistReport{
			Name:     playlists[i].DisplayName(),
			TargetID: playlists[i].TargetPlaylistID,
			Status:   StatusSkipped,
			Error:    reason,
		})
		s.metrics.RecordPlaylist(StatusSkipped, 0)
	}
}

func (s *Syncer) process(ctx context.Context, pc PlaylistConfig, rng *rand.Rand) PlaylistReport {
	if s.settings.SkipIfUpdatedToday && s.ledger != nil {
		last, ok, err := s.ledger.LastUpdate(ctx, pc.DisplayName())
		switch {
		case err != nil:
			s.logger.Warn("Could not read last update, syncing anyway",
				zap.String("playlist", pc.DisplayName()), zap.Error(err))
		case ok && sameUTCDay(last, s.now()):
			s.logger.Info("Playlist already updated today, skipping",
				zap.String("playlist", pc.DisplayName()),
				zap.Time("lastUpdate", last))
			s.metrics.RecordPlaylist(StatusSkipped, 0)
			return PlaylistReport{
				Name:     pc.DisplayName(),
				TargetID: pc.TargetPlaylistID,
				Status:   StatusSkipped,
				Error:    "already updated today",
			}
		}
	}
	// Once started, a playlist is not cancelled part way.
	return s.syncPlaylist(context.WithoutCancel(ctx), pc, rng)
}

// SyncPlaylist runs the fetch → diff → select → apply → metadata pipeline for one playlist.
func (s *Syncer) SyncPlaylist(ctx context.Context, pc PlaylistConfig) PlaylistReport {
	return s.syncPlaylist(ctx, pc, s.playlistRand())
}

func (s *Syncer) syncPlaylist(ctx context.Context, pc PlaylistConfig, rng *rand.Rand) (report PlaylistReport) {
	name := pc.DisplayName()
	logger := s.logger.With(zap.String("playlist", name), zap.String("targetID", pc.TargetPlaylistID))
	report = PlaylistReport{
		Name:      name,
		TargetID:  pc.TargetPlaylistID,
		StartedAt: s.now(),
	}
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		s.metrics.RecordPlaylist(report.Status, report.Duration)
	}()

	logger.Info("Starting update for playlist")

	if s.settings.MetadataOnly {
		s.refreshOnly(ctx, logger, pc, &report)
		return report
	}

	source, origin, err := s.fetchSources(ctx, logger, pc)
	if err != nil {
		s.failReport(logger, &report, fmt.Errorf("fetch sources: %w", err))
		return report
	}

	targetRefs, err := Retry(ctx, s.policy, "list target tracks", func(ctx context.Context) ([]TrackRef, error) {
		return s.service.ListTracks(ctx, pc.TargetPlaylistID)
	})
	if err != nil {
		s.failReport(logger, &report, fmt.Errorf("fetch target: %w", err))
		return report
	}
	s.remember(targetRefs)
	target := NewTrackSet(targetRefs...)

	priority := pc.Priority()
	plan := BuildPlan(source, target, priority, pc.MaxSongs, SelectOptions{
		Variety: pc.Variety,
		Rand:    rng,
		Origin:  origin,
	})

	report.SourceCount = source.Len()
	report.TargetBefore = target.Len()
	report.Added = plan.ToAdd.IDs()
	report.Removed = plan.ToRemove.IDs()
	report.Kept = plan.ToKeep.Len()
	report.FinalOrder = plan.FinalOrder

	if len(priority) > pc.MaxSongs {
		logger.Warn("More priority songs than max_songs, priority list truncated",
			zap.Int("prioritySongs", len(priority)),
			zap.Int("maxSongs", pc.MaxSongs))
	}
	logger.Info("Computed sync plan",
		zap.Int("sourceTracks", source.Len()),
		zap.Int("targetTracks", target.Len()),
		zap.Int("toAdd", plan.ToAdd.Len()),
		zap.Int("toRemove", plan.ToRemove.Len()),
		zap.Int("toKeep", plan.ToKeep.Len()),
		zap.Int("finalCount", len(plan.FinalOrder)),
		zap.Int("prioritySongs", len(priority)))
	s.metrics.RecordChanges(name, plan.ToAdd.Len(), plan.ToRemove.Len(), len(plan.FinalOrder))

	if s.settings.DryRun {
		logger.Info("Dry run, not applying changes",
			zap.Strings("wouldAdd", CapIDs(report.Added, s.settings.DisplayCap)),
			zap.Strings("wouldRemove", CapIDs(report.Removed, s.settings.DisplayCap)))
		report.Status = StatusDryRun
		return report
	}

	completed, applyErr := s.apply(ctx, logger, pc.TargetPlaylistID, plan, targetRefs)
	report.Completed = completed
	applied := applyErr == nil
	if applyErr != nil {
		if IsFatalForRun(applyErr) || IsFatalForPlaylist(applyErr) {
			s.failReport(logger, &report, applyErr)
			return report
		}
		fields := []zap.Field{
			zap.Strings("completedSteps", stepNames(completed)),
			zap.Int("tracksBefore", target.Len()),
			zap.Int("expectedAfter", len(plan.FinalOrder)),
			zap.Strings("pendingAdd", CapIDs(report.Added, s.settings.DisplayCap)),
			zap.Strings("pendingRemove", CapIDs(report.Removed, s.settings.DisplayCap)),
			zap.Error(applyErr),
		}
		if len(completed) == 0 {
			// Nothing reached the playlist, so there is no partial state to report.
			logger.Error("Sync apply failed before any step completed, continuing with metadata refresh", fields...)
			report.Status = StatusFailed
			report.fail(applyErr, true)
		} else {
			logger.Error("Sync applied partially, continuing with metadata refresh", fields...)
			report.Status = StatusPartial
			report.Error = applyErr.Error()
		}
	} else {
		logger.Info("Playlist populated", zap.Int("tracks", len(plan.FinalOrder)))
		report.Status = StatusSynced
	}

	result, metaErr := s.metadata.Refresh(ctx, RefreshRequest{
		Playlist: pc,
		Order:    plan.FinalOrder,
		Applied:  applied,
		Settle:   true,
	})
	report.Metadata = result
	s.metrics.RecordMetadata(name, metaErr == nil)
	if IsFatalForRun(metaErr) {
		s.failReport(logger, &report, fmt.Errorf("metadata refresh: %w", metaErr))
		return report
	}

	logger.Info("Finished playlist update",
		zap.String("status", string(report.Status)),
		zap.Bool("metadataFailed", result.Failed()))
	return report
}

func (s *Syncer) refreshOnly(ctx context.Context, logger *zap.Logger, pc PlaylistConfig, report *PlaylistReport) {
	current, err := Retry(ctx, s.policy, "list target tracks", func(ctx context.Context) ([]TrackRef, error) {
		return s.service.ListTracks(ctx, pc.TargetPlaylistID)
	})
	if err != nil {
		s.failReport(logger, report, fmt.Errorf("fetch target: %w", err))
		return
	}
	report.MetadataOnly = true
	report.TargetBefore = len(current)
	report.Kept = len(current)
	report.FinalOrder = current

	result, metaErr := s.metadata.Refresh(ctx, RefreshRequest{
		Playlist: pc,
		Order:    current,
		Applied:  false,
	})
	report.Metadata = result
	s.metrics.RecordMetadata(pc.DisplayName(), metaErr == nil)
	if IsFatalForRun(metaErr) {
		s.failReport(logger, report, fmt.Errorf("metadata refresh: %w", metaErr))
		return
	}
	report.Status = StatusSynced
}

// fetchSources unions every source playlist in arrival order and remembers which
// source each track first came from.
func (s *Syncer) fetchSources(ctx context.Context, logger *zap.Logger, pc PlaylistConfig) (TrackSet, map[string]int, error) {
	source := NewTrackSet()
	origin := make(map[string]int)

	for i, sourceID := range pc.SourcePlaylists {
		refs, err := Retry(ctx, s.policy, "list source tracks", func(ctx context.Context) ([]TrackRef, error) {
			return s.service.ListTracks(ctx, sourceID)
		})
		if err != nil {
			return TrackSet{}, nil, fmt.Errorf("source %s: %w", sourceID, err)
		}
		s.remember(refs)
		added := 0
		for _, ref := range refs {
			if source.Add(ref) {
				origin[ref.ID] = i
				added++
			}
		}
		logger.Info("Fetched tracks from source",
			zap.String("sourceID", sourceID),
			zap.Int("tracks", len(refs)),
			zap.Int("new", added))
	}

	logger.Info("Total unique tracks from all sources", zap.Int("count", source.Len()))
	return source, origin, nil
}

// apply issues remove, add and reorder calls. It stops at the first step that
// cannot be completed and reports which steps finished.
func (s *Syncer) apply(ctx context.Context, logger *zap.Logger, playlistID string, plan SyncPlan, targetRefs []TrackRef) ([]Step, error) {
	var completed []Step
	partial := func(step Step, err error) ([]Step, error) {
		return completed, &PartialApplyError{
			Completed: append([]Step(nil), completed...),
			Failed:    step,
			Before:    NewTrackSet(targetRefs...).Len(),
			After:     len(plan.FinalOrder),
			Err:       err,
		}
	}

	removeIDs := plan.ToRemove.IDs()
	if len(removeIDs) > 0 {
		logger.Info("Removing tracks",
			zap.Int("count", len(removeIDs)),
			zap.Strings("trackIDs", CapIDs(removeIDs, s.settings.DisplayCap)))
		for i, batch := range Chunk(removeIDs, s.settings.BatchSize) {
			policy := s.policy
			policy.Logger = logger.With(zap.Int("batch", i+1))
			if err := policy.Do(ctx, "remove tracks", func(ctx context.Context) error {
				return s.service.RemoveTracks(ctx, playlistID, batch)
			}); err != nil {
				return partial(StepRemove, err)
			}
			logger.Debug("Removed batch", zap.Int("batch", i+1), zap.Int("count", len(batch)))
		}
	}
	completed = append(completed, StepRemove)

	addIDs := plan.ToAdd.IDs()
	if len(addIDs) > 0 {
		logger.Info("Adding tracks",
			zap.Int("count", len(addIDs)),
			zap.Strings("trackIDs", CapIDs(addIDs, s.settings.DisplayCap)))
		for i, batch := range Chunk(addIDs, s.settings.BatchSize) {
			policy := s.policy
			policy.Logger = logger.With(zap.Int("batch", i+1))
			if err := policy.Do(ctx, "add tracks", func(ctx context.Context) error {
				return s.service.AddTracks(ctx, playlistID, batch)
			}); err != nil {
				return partial(StepAdd, err)
			}
			logger.Debug("Added batch", zap.Int("batch", i+1), zap.Int("count", len(batch)))
		}
	}
	completed = append(completed, StepAdd)

	finalIDs := RefIDs(plan.FinalOrder)
	if equalIDs(expectedLayout(targetRefs, plan), finalIDs) {
		logger.Debug("Physical order already matches final order, skipping reorder")
	} else {
		if err := s.policy.Do(ctx, "reorder tracks", func(ctx context.Context) error {
			return s.service.ReorderTracks(ctx, playlistID, finalIDs)
		}); err != nil {
			return partial(StepReorder, err)
		}
		logger.Info("Reordered playlist", zap.Int("tracks", len(finalIDs)))
	}
	completed = append(completed, StepReorder)

	return completed, nil
}

// expectedLayout predicts the physical target order after removals and appended
// additions. Duplicate entries in the live playlist survive into the prediction.
func expectedLayout(targetRefs []TrackRef, plan SyncPlan) []string {
	layout := make([]string, 0, len(targetRefs)+plan.ToAdd.Len())
	for _, ref := range targetRefs {
		if !plan.ToRemove.Has(ref.ID) {
			layout = append(layout, ref.ID)
		}
	}
	return append(layout, plan.ToAdd.IDs()...)
}

// remember caches listed tracks so the metadata pass rarely needs a details lookup.
func (s *Syncer) remember(refs []TrackRef) {
	if s.cache == nil {
		return
	}
	for _, ref := range refs {
		if ref.HasDetails() {
			s.cache.Put(ref)
		}
	}
}

func (s *Syncer) failReport(logger *zap.Logger, report *PlaylistReport, err error) {
	report.Status = StatusFailed
	report.fail(err, true)
	logger.Error("Failed to update playlist",
		zap.Error(err),
		zap.Bool("abortsRun", IsFatalForRun(err)))
}

// playlistRand hands each playlist its own generator so parallel workers never share one.
func (s *Syncer) playlistRand() *rand.Rand {
	s.randMutex.Lock()
	defer s.randMutex.Unlock()
	return rand.New(rand.NewSource(s.rand.Int63())) //nolint:gosec // Track ordering doesn't require crypto-secure randomness
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = string(step)
	}
	return names
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
