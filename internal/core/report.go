package core

import (
	"sync"
	"time"
)

// PlaylistStatus is the outcome of processing one playlist.
type PlaylistStatus string

const (
	StatusSynced  PlaylistStatus = "synced"
	StatusPartial PlaylistStatus = "partial"
	StatusFailed  PlaylistStatus = "failed"
	StatusSkipped PlaylistStatus = "skipped"
	StatusDryRun  PlaylistStatus = "dry_run"
)

// MetadataResult describes what the metadata refresh managed to do.
type MetadataResult struct {
	Attempted          bool      `json:"attempted"`
	TopTrack           *TrackRef `json:"top_track,omitempty"`
	CoverUpdated       bool      `json:"cover_updated"`
	Description        string    `json:"description,omitempty"`
	DescriptionUpdated bool      `json:"description_updated"`
	Err                string    `json:"error,omitempty"`
}

// Failed reports whether any metadata step gave up.
func (m MetadataResult) Failed() bool {
	return m.Err != ""
}

// PlaylistReport is the per-playlist summary accumulated by the orchestrator.
type PlaylistReport struct {
	Name         string         `json:"name"`
	TargetID     string         `json:"target_playlist_id"`
	Status       PlaylistStatus `json:"status"`
	SourceCount  int            `json:"source_count"`
	TargetBefore int            `json:"target_before"`
	Added        []string       `json:"added"`
	Removed      []string       `json:"removed"`
	Kept         int            `json:"kept"`
	FinalOrder   []TrackRef     `json:"final_order"`
	Completed    []Step         `json:"completed_steps"`
	// MetadataOnly marks a refresh that did not reconcile the playlist contents.
	MetadataOnly bool           `json:"metadata_only,omitempty"`
	Metadata     MetadataResult `json:"metadata"`
	Fatal        bool           `json:"fatal"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`

	err error
}

// Err returns the error that ended processing, if any.
func (r *PlaylistReport) Err() error {
	return r.err
}

func (r *PlaylistReport) fail(err error, fatal bool) {
	r.err = err
	r.Error = err.Error()
	r.Fatal = fatal
}

// RunReport collects playlist reports. Append is safe for concurrent workers.
type RunReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Aborted    bool             `json:"aborted"`
	AbortError string           `json:"abort_error,omitempty"`
	Playlists  []PlaylistReport `json:"playlists"`

	mutex sync.Mutex
}

// Append adds a playlist report.
func (r *RunReport) Append(pr PlaylistReport) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Playlists = append(r.Playlists, pr)
}

// HasFatal reports whether the run should exit non-zero.
func (r *RunReport) HasFatal() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Aborted {
		return true
	}
	for i := range r.Playlists {
		if r.Playlists[i].Fatal {
			return true
		}
	}
	return false
}

// Counts tallies playlists by status.
func (r *RunReport) Counts() map[PlaylistStatus]int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	counts := make(map[PlaylistStatus]int)
	for i := range r.Playlists {
		counts[r.Playlists[i].Status]++
	}
	return counts
}

// Find returns the report for a playlist name.
func (r *RunReport) Find(name string) (PlaylistReport, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range r.Playlists {
		if r.Playlists[i].Name == name {
			return r.Playlists[i], true
		}
	}
	return PlaylistReport{}, false
}
