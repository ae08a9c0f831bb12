package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"spotsync/internal/core"
)

const (
	lastUpdatesDir = "last_updates"
	filePermission = 0o644
	dirPermission  = 0o755
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Record is the per-playlist snapshot written after each run.
type Record struct {
	Playlist  string              `json:"playlist"`
	TargetID  string              `json:"target_playlist_id"`
	UpdatedAt time.Time           `json:"updated_at"`
	Status    core.PlaylistStatus `json:"status"`
	Added     []string            `json:"added"`
	Removed   []string            `json:"removed"`
	Tracks    []RecordTrack       `json:"tracks"`
}

type RecordTrack struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

type lastUpdate struct {
	LastUpdate time.Time `json:"last_update"`
}

// RecordWriter keeps JSON record and last-update files per playlist under a directory.
// The files are advisory and never read back into a sync decision other than the
// optional once-per-day skip.
type RecordWriter struct {
	dir    string
	logger *zap.Logger
}

var (
	_ core.ReportWriter = (*RecordWriter)(nil)
	_ core.UpdateLedger = (*RecordWriter)(nil)
)

func NewRecordWriter(dir string, logger *zap.Logger) (*RecordWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, d := range []string{dir, filepath.Join(dir, lastUpdatesDir)} {
		if err := os.MkdirAll(d, dirPermission); err != nil {
			return nil, fmt.Errorf("failed to create records directory: %w", err)
		}
	}
	return &RecordWriter{dir: dir, logger: logger}, nil
}

// WriteReport writes a record for every playlist that reached the remote side.
// The last-update marker only moves for fully synced playlists, never for a
// metadata-only refresh.
func (w *RecordWriter) WriteReport(_ context.Context, report *core.RunReport) error {
	var errs []error
	for i := range report.Playlists {
		pr := &report.Playlists[i]
		if pr.Status != core.StatusSynced && pr.Status != core.StatusPartial {
			continue
		}

		record := Record{
			Playlist:  pr.Name,
			TargetID:  pr.TargetID,
			UpdatedAt: report.FinishedAt,
			Status:    pr.Status,
			Added:     pr.Added,
			Removed:   pr.Removed,
			Tracks:    make([]RecordTrack, len(pr.FinalOrder)),
		}
		for j, ref := range pr.FinalOrder {
			record.Tracks[j] = RecordTrack{ID: ref.ID, Title: ref.Title, Artist: ref.Artist}
		}
		if err := writeJSONFile(w.recordPath(pr.Name), record); err != nil {
			errs = append(errs, fmt.Errorf("record for %s: %w", pr.Name, err))
			continue
		}

		if pr.Status == core.StatusSynced && !pr.MetadataOnly {
			if err := writeJSONFile(w.lastUpdatePath(pr.Name), lastUpdate{LastUpdate: report.FinishedAt}); err != nil {
				errs = append(errs, fmt.Errorf("last update for %s: %w", pr.Name, err))
			}
		}
		w.logger.Debug("Saved playlist record", zap.String("playlist", pr.Name), zap.Int("tracks", len(record.Tracks)))
	}
	return errors.Join(errs...)
}

// LastUpdate reads the last successful update time for a playlist.
func (w *RecordWriter) LastUpdate(_ context.Context, playlistName string) (time.Time, bool, error) {
	data, err := os.ReadFile(w.lastUpdatePath(playlistName))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var lu lastUpdate
	if err := json.Unmarshal(data, &lu); err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last update file: %w", err)
	}
	return lu.LastUpdate, true, nil
}

// ReadRecord loads the last record written for a playlist.
func (w *RecordWriter) ReadRecord(playlistName string) (*Record, error) {
	data, err := os.ReadFile(w.recordPath(playlistName))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt record file: %w", err)
	}
	return &record, nil
}

func (w *RecordWriter) recordPath(name string) string {
	return filepath.Join(w.dir, safeName(name)+"_record.json")
}

func (w *RecordWriter) lastUpdatePath(name string) string {
	return filepath.Join(w.dir, lastUpdatesDir, safeName(name)+"_last_update.json")
}

func safeName(name string) string {
	safe := unsafeFileChars.ReplaceAllString(name, "_")
	if safe == "" || safe == "." || safe == ".." {
		return "playlist"
	}
	return safe
}

// writeJSONFile replaces path atomically.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), filePermission); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
