package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type countingMetrics struct {
	mutex    sync.Mutex
	statuses map[PlaylistStatus]int
	retries  int
	retryOps []string
	metaOK   int
	metaFail int
}

func (m *countingMetrics) RecordPlaylist(status PlaylistStatus, _ time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[PlaylistStatus]int)
	}
	m.statuses[status]++
}

func (m *countingMetrics) RecordChanges(string, int, int, int) {}

func (m *countingMetrics) RecordRetry(op string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries++
	m.retryOps = append(m.retryOps, op)
}

func (m *countingMetrics) RecordMetadata(_ string, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if ok {
		m.metaOK++
	} else {
		m.metaFail++
	}
}

type fixedLedger map[string]time.Time

func (l fixedLedger) LastUpdate(_ context.Context, name string) (time.Time, bool, error) {
	ts, ok := l[name]
	return ts, ok, nil
}

type syncerFixture struct {
	svc     *fakeService
	images  *fakeImages
	sleep   *recordingSleep
	metrics *countingMetrics
	syncer  *Syncer
}

func newSyncerFixture(t *testing.T, mutate func(*SyncConfig, *SyncerOptions)) *syncerFixture {
	t.Helper()
	f := &syncerFixture{
		svc:     newFakeService(),
		images:  &fakeImages{},
		sleep:   &recordingSleep{},
		metrics: &countingMetrics{},
	}
	settings := DefaultConfig().Sync
	opts := SyncerOptions{
		Service: f.svc,
		Images:  f.images,
		Cache:   &mapCache{},
		Metrics: f.metrics,
		Rand:    seeded(),
		Sleep:   f.sleep.Sleep,
	}
	if mutate != nil {
		mutate(&settings, &opts)
	}
	f.syncer = NewSyncer(settings, opts)
	return f
}

func playlist(name, target string, sources ...string) PlaylistConfig {
	pc := PlaylistConfig{
		Name:             name,
		TargetPlaylistID: target,
		SourcePlaylists:  sources,
		MaxSongs:         100,
	}
	pc.ApplyDefaults()
	return pc
}

func TestSyncPlaylist_Scenarios(t *testing.T) {
	all := tracks("t", 110)

	tests := []struct {
		name        string
		source      []TrackRef
		target      []TrackRef
		wantAdded   int
		wantRemoved int
		wantFinal   int
	}{
		{"five new tracks", all[:100], all[:95], 5, 0, 100},
		{"source shrank", all[:90], all[:95], 0, 5, 90},
		{"adds and removes", append(append([]TrackRef(nil), all[:90]...), all[100:110]...), all[:95], 10, 5, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncerFixture(t, nil)
			f.svc.setPlaylist("src", tt.source)
			f.svc.setPlaylist("dst", tt.target)

			report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "src"))

			if report.Status != StatusSynced {
				t.Fatalf("status = %s (%s), want synced", report.Status, report.Error)
			}
			if len(report.Added) != tt.wantAdded || len(report.Removed) != tt.wantRemoved {
				t.Errorf("added=%d removed=%d, want %d/%d",
					len(report.Added), len(report.Removed), tt.wantAdded, tt.wantRemoved)
			}
			got := f.svc.trackIDs("dst")
			if len(got) != tt.wantFinal {
				t.Errorf("target has %d tracks, want %d", len(got), tt.wantFinal)
			}
			if !equalIDs(got, RefIDs(report.FinalOrder)) {
				t.Error("target order should equal the computed final order")
			}
			sourceIDs := idSet(RefIDs(tt.source))
			for _, id := range got {
				if !sourceIDs[id] {
					t.Errorf("target contains %s which is not in the source", id)
				}
			}
			if report.Duration < 0 {
				t.Errorf("duration = %v", report.Duration)
			}
		})
	}
}

func TestSyncPlaylist_BatchesLargeMutations(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("new", 250))
	f.svc.setPlaylist("dst", tracks("old", 150))

	pc := playlist("Big", "dst", "src")
	pc.MaxSongs = 300
	report := f.syncer.SyncPlaylist(context.Background(), pc)

	if report.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}
	if got := f.svc.called("remove", "dst"); got != 2 {
		t.Errorf("remove calls = %d, want 2 batches for 150 ids", got)
	}
	if got := f.svc.called("add", "dst"); got != 3 {
		t.Errorf("add calls = %d, want 3 batches for 250 ids", got)
	}
	if got := len(f.svc.trackIDs("dst")); got != 250 {
		t.Errorf("target has %d tracks, want 250", got)
	}
}

func TestSyncPlaylist_RetryMetricUsesStableOpNames(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("new", 250))
	f.svc.setPlaylist("dst", tracks("old", 150))
	transient := NewRemoteError(KindTransient, "add", 503, errors.New("unavailable"))
	f.svc.fail("add", "dst", transient)
	f.svc.fail("remove", "dst", transient)

	pc := playlist("Big", "dst", "src")
	pc.MaxSongs = 300
	report := f.syncer.SyncPlaylist(context.Background(), pc)

	if report.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}
	want := []string{"remove tracks", "add tracks"}
	if len(f.metrics.retryOps) != len(want) {
		t.Fatalf("retry ops = %v, want %v", f.metrics.retryOps, want)
	}
	for i, op := range want {
		if f.metrics.retryOps[i] != op {
			t.Errorf("retry op %d = %q, want %q", i, f.metrics.retryOps[i], op)
		}
	}
}

func TestSyncPlaylist_ReordersAwayDuplicateTargetEntries(t *testing.T) {
	f := newSyncerFixture(t, nil)
	all := tracks("t", 3)
	f.svc.setPlaylist("src", all)
	f.svc.setPlaylist("dst", []TrackRef{all[0], all[1], all[2], all[0]})

	pc := playlist("Dupes", "dst", "src")
	pc.MaxSongs = 3
	pc.Variety = VarietyNone
	report := f.syncer.SyncPlaylist(context.Background(), pc)

	if report.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}
	if got := f.svc.called("reorder", "dst"); got != 1 {
		t.Errorf("reorder calls = %d, want 1", got)
	}
	physical := f.svc.trackIDs("dst")
	if !equalIDs(physical, RefIDs(report.FinalOrder)) {
		t.Errorf("physical = %v, want %v", physical, RefIDs(report.FinalOrder))
	}
	if len(physical) > pc.MaxSongs {
		t.Errorf("physical playlist has %d tracks, max_songs = %d", len(physical), pc.MaxSongs)
	}
}

func TestSyncPlaylist_PriorityAndMaxSongs(t *testing.T) {
	f := newSyncerFixture(t, nil)
	src := tracks("s", 80)
	f.svc.setPlaylist("src", src)
	f.svc.setPlaylist("dst", nil)
	f.svc.addCatalog(TrackRef{ID: "prio-a", Artist: "Prio", AlbumArtURL: "https://img.example/pa"},
		TrackRef{ID: "prio-b", Artist: "Prio", AlbumArtURL: "https://img.example/pb"})

	pc := playlist("Capped", "dst", "src")
	pc.MaxSongs = 30
	pc.PrioritySongs = []PriorityTrack{{TrackID: "prio-a"}, {TrackID: "s-050"}, {TrackID: "prio-b"}}

	report := f.syncer.SyncPlaylist(context.Background(), pc)
	if report.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}

	got := f.svc.trackIDs("dst")
	if len(got) != 30 {
		t.Fatalf("target has %d tracks, want max_songs 30", len(got))
	}
	for i, id := range []string{"prio-a", "s-050", "prio-b"} {
		if got[i] != id {
			t.Errorf("target[%d] = %s, want priority %s", i, got[i], id)
		}
	}
	if report.Metadata.TopTrack == nil || report.Metadata.TopTrack.ID != "prio-a" {
		t.Errorf("metadata top track = %+v, want prio-a", report.Metadata.TopTrack)
	}
}

func TestSyncPlaylist_IdempotentSecondRun(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 40))
	f.svc.setPlaylist("dst", tracks("s", 10))
	pc := playlist("Daily", "dst", "src")
	pc.Variety = VarietyNone

	first := f.syncer.SyncPlaylist(context.Background(), pc)
	if first.Status != StatusSynced {
		t.Fatalf("first run status = %s (%s)", first.Status, first.Error)
	}
	removesBefore := f.svc.called("remove", "dst")
	addsBefore := f.svc.called("add", "dst")
	coversBefore := f.svc.called("cover", "dst")

	second := f.syncer.SyncPlaylist(context.Background(), pc)
	if second.Status != StatusSynced {
		t.Fatalf("second run status = %s (%s)", second.Status, second.Error)
	}
	if len(second.Added) != 0 || len(second.Removed) != 0 {
		t.Errorf("second run should be a no-op, added=%v removed=%v", second.Added, second.Removed)
	}
	if f.svc.called("remove", "dst") != removesBefore || f.svc.called("add", "dst") != addsBefore {
		t.Error("no-op run should not issue remove or add calls")
	}
	if f.svc.called("cover", "dst") != coversBefore+1 {
		t.Error("metadata should be refreshed on a no-op run")
	}
	if second.Metadata.DescriptionUpdated {
		t.Error("description already matches and should not be rewritten")
	}
}

func TestSyncPlaylist_ReorderRecoversFromTransientFailures(t *testing.T) {
	f := newSyncerFixture(t, nil)
	// Same membership in source order, so only the shuffle needs writing.
	f.svc.setPlaylist("src", tracks("s", 20))
	f.svc.setPlaylist("dst", tracks("s", 20))
	transient := NewRemoteError(KindTransient, "reorder", 503, errors.New("unavailable"))
	f.svc.fail("reorder", "dst", transient, transient)

	report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "src"))

	if report.Status != StatusSynced || report.Fatal {
		t.Fatalf("status = %s fatal = %v (%s), want synced", report.Status, report.Fatal, report.Error)
	}
	if got := f.svc.called("reorder", "dst"); got != 3 {
		t.Errorf("reorder calls = %d, want 3", got)
	}
	if f.metrics.retries != 2 {
		t.Errorf("retries = %d, want 2", f.metrics.retries)
	}
}

func TestSyncPlaylist_PartialApplyStillRefreshesMetadata(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 20))
	f.svc.setPlaylist("dst", tracks("old", 5))
	transient := NewRemoteError(KindTransient, "add", 500, errors.New("boom"))
	f.svc.fail("add", "dst", transient, transient, transient)

	report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "src"))

	if report.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if len(report.Completed) != 1 || report.Completed[0] != StepRemove {
		t.Errorf("completed = %v, want [remove]", report.Completed)
	}
	if !strings.Contains(report.Error, "partial apply") {
		t.Errorf("error = %q, want a partial apply description", report.Error)
	}
	if f.svc.called("reorder", "dst") != 0 {
		t.Error("reorder must not run after a failed add")
	}
	if !report.Metadata.Attempted {
		t.Error("metadata refresh should still run after a partial apply")
	}
	if report.Fatal {
		t.Error("a partial apply is not fatal")
	}
}

func TestSyncPlaylist_ApplyFailingBeforeAnyStepIsFailed(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 20))
	f.svc.setPlaylist("dst", tracks("old", 5))
	transient := NewRemoteError(KindTransient, "remove", 500, errors.New("boom"))
	f.svc.fail("remove", "dst", transient, transient, transient)

	report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "src"))

	if report.Status != StatusFailed || !report.Fatal {
		t.Fatalf("status = %s fatal = %v, want a fatal failure", report.Status, report.Fatal)
	}
	if len(report.Completed) != 0 {
		t.Errorf("completed = %v, want none", report.Completed)
	}
	if f.svc.called("add", "dst") != 0 {
		t.Error("add must not run after a failed remove")
	}
	if !report.Metadata.Attempted {
		t.Error("metadata refresh should still be attempted")
	}
	if IsFatalForRun(report.Err()) {
		t.Error("a transient apply failure must not abort the run")
	}
}

func TestSyncPlaylist_DryRunDoesNotWrite(t *testing.T) {
	f := newSyncerFixture(t, func(s *SyncConfig, _ *SyncerOptions) { s.DryRun = true })
	f.svc.setPlaylist("src", tracks("s", 10))
	f.svc.setPlaylist("dst", tracks("old", 3))

	report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "src"))

	if report.Status != StatusDryRun {
		t.Fatalf("status = %s, want dry_run", report.Status)
	}
	if len(report.Added) != 10 || len(report.Removed) != 3 {
		t.Errorf("plan added=%d removed=%d, want 10/3", len(report.Added), len(report.Removed))
	}
	for _, op := range []string{"remove", "add", "reorder", "cover", "setdesc"} {
		if f.svc.called(op, "dst") != 0 {
			t.Errorf("dry run issued %s", op)
		}
	}
}

func TestSyncPlaylist_MetadataOnly(t *testing.T) {
	f := newSyncerFixture(t, func(s *SyncConfig, _ *SyncerOptions) { s.MetadataOnly = true })
	f.svc.setPlaylist("dst", tracks("cur", 4))

	report := f.syncer.SyncPlaylist(context.Background(), playlist("Daily", "dst", "missing-source"))

	if report.Status != StatusSynced {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}
	if !report.MetadataOnly {
		t.Error("report should be marked metadata-only")
	}
	if f.svc.called("list", "missing-source") != 0 {
		t.Error("metadata-only mode should not read sources")
	}
	if report.Metadata.TopTrack == nil || report.Metadata.TopTrack.ID != "cur-000" {
		t.Errorf("top track = %+v, want cur-000", report.Metadata.TopTrack)
	}
	if f.svc.called("reorder", "dst") != 0 {
		t.Error("metadata-only mode should not touch tracks")
	}
}

func TestRun_NotFoundIsIsolated(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 5))
	f.svc.setPlaylist("good", nil)

	report := f.syncer.Run(context.Background(), []PlaylistConfig{
		playlist("Broken", "missing-target", "src"),
		playlist("Good", "good", "src"),
	})

	broken, _ := report.Find("Broken")
	if broken.Status != StatusFailed || !broken.Fatal {
		t.Errorf("broken status = %s fatal = %v, want failed/fatal", broken.Status, broken.Fatal)
	}
	good, _ := report.Find("Good")
	if good.Status != StatusSynced {
		t.Errorf("good status = %s (%s), want synced", good.Status, good.Error)
	}
	if report.Aborted {
		t.Error("a missing playlist must not abort the run")
	}
	if !report.HasFatal() {
		t.Error("run with a failed playlist should exit non-zero")
	}
}

func TestRun_AuthErrorAbortsRun(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 5))
	f.svc.setPlaylist("a", nil)
	f.svc.setPlaylist("b", nil)
	f.svc.fail("list", "src", NewRemoteError(KindAuth, "list", 401, errors.New("token revoked")))

	report := f.syncer.Run(context.Background(), []PlaylistConfig{
		playlist("First", "a", "src"),
		playlist("Second", "b", "src"),
	})

	if !report.Aborted {
		t.Fatal("auth failure should abort the run")
	}
	second, _ := report.Find("Second")
	if second.Status != StatusSkipped {
		t.Errorf("second playlist status = %s, want skipped", second.Status)
	}
	if f.svc.called("list", "b") != 0 {
		t.Error("no calls expected for playlists after an abort")
	}
}

func TestRun_DeadlineSkipsUnstartedPlaylists(t *testing.T) {
	f := newSyncerFixture(t, nil)
	f.svc.setPlaylist("src", tracks("s", 5))
	f.svc.setPlaylist("a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.syncer.Run(ctx, []PlaylistConfig{playlist("First", "a", "src")})

	if got := report.Counts()[StatusSkipped]; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if f.svc.called("list", "src") != 0 {
		t.Error("an expired run should not start new playlists")
	}
}

func TestRun_SkipsPlaylistsUpdatedToday(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	f := newSyncerFixture(t, func(s *SyncConfig, o *SyncerOptions) {
		s.SkipIfUpdatedToday = true
		o.Now = func() time.Time { return now }
		o.Ledger = fixedLedger{"Fresh": now.Add(-2 * time.Hour), "Stale": now.Add(-26 * time.Hour)}
	})
	f.svc.setPlaylist("src", tracks("s", 5))
	f.svc.setPlaylist("fresh", nil)
	f.svc.setPlaylist("stale", nil)

	report := f.syncer.Run(context.Background(), []PlaylistConfig{
		playlist("Fresh", "fresh", "src"),
		playlist("Stale", "stale", "src"),
	})

	fresh, _ := report.Find("Fresh")
	if fresh.Status != StatusSkipped {
		t.Errorf("fresh status = %s, want skipped", fresh.Status)
	}
	stale, _ := report.Find("Stale")
	if stale.Status != StatusSynced {
		t.Errorf("stale status = %s (%s), want synced", stale.Status, stale.Error)
	}
}

func TestRun_PausesBetweenPlaylists(t *testing.T) {
	f := newSyncerFixture(t, func(s *SyncConfig, _ *SyncerOptions) { s.SettleDelay = 0 })
	f.svc.setPlaylist("src", tracks("s", 3))
	f.svc.setPlaylist("a", nil)
	f.svc.setPlaylist("b", nil)

	f.syncer.Run(context.Background(), []PlaylistConfig{
		playlist("A", "a", "src"),
		playlist("B", "b", "src"),
	})

	pauses := 0
	for _, d := range f.sleep.waits {
		if d == DefaultPauseBetween {
			pauses++
		}
	}
	if pauses != 1 {
		t.Errorf("pauses = %d, want 1 between two playlists", pauses)
	}
}

func TestRun_ParallelWorkersKeepConfigOrder(t *testing.T) {
	f := newSyncerFixture(t, func(s *SyncConfig, _ *SyncerOptions) { s.Workers = 3 })
	f.svc.setPlaylist("src", tracks("s", 10))
	names := []string{"One", "Two", "Three", "Four", "Five"}
	playlists := make([]PlaylistConfig, len(names))
	for i, name := range names {
		target := strings.ToLower(name)
		f.svc.setPlaylist(target, nil)
		playlists[i] = playlist(name, target, "src")
	}

	report := f.syncer.Run(context.Background(), playlists)

	if len(report.Playlists) != len(names) {
		t.Fatalf("reports = %d, want %d", len(report.Playlists), len(names))
	}
	for i, pr := range report.Playlists {
		if pr.Name != names[i] {
			t.Errorf("report[%d] = %s, want %s", i, pr.Name, names[i])
		}
		if pr.Status != StatusSynced {
			t.Errorf("%s status = %s (%s)", pr.Name, pr.Status, pr.Error)
		}
		if got := len(f.svc.trackIDs(strings.ToLower(pr.Name))); got != 10 {
			t.Errorf("%s has %d tracks, want 10", pr.Name, got)
		}
	}
	if f.metrics.statuses[StatusSynced] != len(names) {
		t.Errorf("synced metric = %d, want %d", f.metrics.statuses[StatusSynced], len(names))
	}
}
