package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/zap"

	"spotsync/internal/core"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// History stores every run in a sqlite database for the history command.
type History struct {
	db     *sql.DB
	logger *zap.Logger
}

// HistoryEntry is one playlist outcome from a past run.
type HistoryEntry struct {
	RunID      int64
	FinishedAt time.Time
	Name       string
	TargetID   string
	Status     core.PlaylistStatus
	Added      int
	Removed    int
	Kept       int
	Final      int
	TopTrack   string
	Fatal      bool
	Error      string
	Duration   time.Duration
}

var (
	_ core.ReportWriter = (*History)(nil)
	_ core.UpdateLedger = (*History)(nil)
)

// OpenHistory opens or creates the database at path. ":memory:" is accepted.
func OpenHistory(ctx context.Context, dbPath string, logger *zap.Logger) (*History, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	h := &History{db: db, logger: logger}
	if err := h.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) migrate(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationFiles.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("migration %s has no version prefix", name)
		}

		var applied bool
		if err := h.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationFiles.ReadFile(path.Join("sql", name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if err := h.apply(ctx, version, string(content)); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
		h.logger.Debug("Applied history migration", zap.Int("version", version))
	}
	return nil
}

func (h *History) apply(ctx context.Context, version int, script string) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\nStatement: %s", err, strings.TrimSpace(stmt))
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, formatTime(time.Now())); err != nil {
		return err
	}
	return tx.Commit()
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// WriteReport stores the run and one row per playlist in a single transaction.
func (h *History) WriteReport(ctx context.Context, report *core.RunReport) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		"INSERT INTO runs (started_at, finished_at, aborted, abort_error) VALUES (?, ?, ?, ?)",
		formatTime(report.StartedAt), formatTime(report.FinishedAt), report.Aborted, report.AbortError)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO playlist_runs
		(run_id, name, target_id, status, added, removed, kept, final_count, top_track, metadata_only, fatal, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare playlist insert: %w", err)
	}
	defer stmt.Close()

	for i := range report.Playlists {
		pr := &report.Playlists[i]
		topTrack := ""
		if pr.Metadata.TopTrack != nil {
			topTrack = pr.Metadata.TopTrack.ID
		}
		if _, err := stmt.ExecContext(ctx, runID, pr.Name, pr.TargetID, string(pr.Status),
			len(pr.Added), len(pr.Removed), pr.Kept, len(pr.FinalOrder), topTrack,
			pr.MetadataOnly, pr.Fatal, pr.Error, pr.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("failed to insert playlist %s: %w", pr.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	h.logger.Debug("Recorded run history", zap.Int64("runID", runID), zap.Int("playlists", len(report.Playlists)))
	return nil
}

// LastUpdate returns the finish time of the newest run that synced playlistName.
// Metadata-only refreshes do not count.
func (h *History) LastUpdate(ctx context.Context, playlistName string) (time.Time, bool, error) {
	var finished string
	err := h.db.QueryRowContext(ctx, `SELECT r.finished_at FROM playlist_runs p
		JOIN runs r ON r.id = p.run_id
		WHERE p.name = ? AND p.status = ? AND p.metadata_only = 0
		ORDER BY r.id DESC LIMIT 1`, playlistName, string(core.StatusSynced)).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last update: %w", err)
	}
	t, err := parseTime(finished)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Recent returns playlist outcomes from the newest runs first. An empty name
// matches every playlist.
func (h *History) Recent(ctx context.Context, playlistName string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `SELECT r.id, r.finished_at, p.name, p.target_id, p.status,
			p.added, p.removed, p.kept, p.final_count, p.top_track, p.fatal, p.error, p.duration_ms
		FROM playlist_runs p JOIN runs r ON r.id = p.run_id
		WHERE (? = '' OR p.name = ?)
		ORDER BY r.id DESC, p.id ASC
		LIMIT ?`, playlistName, playlistName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			finished   string
			status     string
			durationMS int64
		)
		if err := rows.Scan(&e.RunID, &finished, &e.Name, &e.TargetID, &status,
			&e.Added, &e.Removed, &e.Kept, &e.Final, &e.TopTrack, &e.Fatal, &e.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if e.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		e.Status = core.PlaylistStatus(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt history timestamp %q: %w", value, err)
	}
	return t, nil
}
