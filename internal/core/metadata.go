package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const (
	unknownArtist      = "Unknown Artist"
	maxTopCandidates   = 3
	contactEmailPrefix = " For submissions, contact: "
	coverCreditPrefix  = " Cover: "
)

// RefreshRequest describes one metadata refresh.
type RefreshRequest struct {
	Playlist PlaylistConfig
	// Order is the intended track order, first track on top.
	Order []TrackRef
	// Applied means Order was fully written, so it wins over a stale live read.
	Applied bool
	// Settle waits for writes to become visible before reading the live top track.
	Settle bool
}

// MetadataRefresher updates cover art and description from a playlist's top track.
// Its failures never undo or fail the track sync.
type MetadataRefresher struct {
	service  PlaylistService
	images   ImageFetcher
	cache    DetailsCache
	policy   RetryPolicy
	settings SyncConfig
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// Refresh runs the cover and description updates. The returned error joins every
// step that gave up; callers only act on it when it aborts the run.
func (m *MetadataRefresher) Refresh(ctx context.Context, req RefreshRequest) (MetadataResult, error) {
	pc := req.Playlist
	logger := m.logger.With(zap.String("playlist", pc.DisplayName()))
	result := MetadataResult{Attempted: true}

	if req.Settle && m.settings.SettleDelay > 0 {
		logger.Debug("Waiting for playlist changes to settle", zap.Duration("delay", m.settings.SettleDelay))
		if err := m.sleep(ctx, m.settings.SettleDelay); err != nil {
			return m.finish(logger, &result, err)
		}
	}

	live, err := m.liveTopTrack(ctx, logger, pc.TargetPlaylistID)
	if IsFatalForRun(err) {
		return m.finish(logger, &result, err)
	}

	top, err := m.resolveTop(ctx, logger, req, live)
	if err != nil {
		return m.finish(logger, &result, err)
	}
	result.TopTrack = &top
	logger.Info("Resolved top track",
		zap.String("trackID", top.ID),
		zap.String("title", top.Title),
		zap.String("artist", top.Artist))

	var errs []error
	if err := m.updateCover(ctx, logger, pc.TargetPlaylistID, top); err != nil {
		if IsFatalForRun(err) {
			return m.finish(logger, &result, err)
		}
		errs = append(errs, fmt.Errorf("cover: %w", err))
	} else {
		result.CoverUpdated = true
	}

	artist := top.Artist
	if artist == "" {
		artist = unknownArtist
	}
	result.Description = RenderDescription(pc.DescriptionTemplate, artist, m.settings.ContactEmail)
	updated, err := m.updateDescription(ctx, logger, pc.TargetPlaylistID, result.Description)
	if err != nil {
		if IsFatalForRun(err) {
			return m.finish(logger, &result, err)
		}
		errs = append(errs, fmt.Errorf("description: %w", err))
	}
	result.DescriptionUpdated = updated

	return m.finish(logger, &result, errors.Join(errs...))
}

func (m *MetadataRefresher) finish(logger *zap.Logger, result *MetadataResult, err error) (MetadataResult, error) {
	if err != nil {
		result.Err = err.Error()
		logger.Warn("Metadata refresh incomplete", zap.Error(err))
	}
	return *result, err
}

// liveTopTrack reads the current first track, waiting briefly if the playlist
// still looks empty after a write.
func (m *MetadataRefresher) liveTopTrack(ctx context.Context, logger *zap.Logger, playlistID string) (*TrackRef, error) {
	attempts := m.settings.TopTrackAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		top, err := Retry(ctx, m.policy, "get top track", func(ctx context.Context) (*TrackRef, error) {
			return m.service.TopTrack(ctx, playlistID)
		})
		if err != nil {
			logger.Warn("Could not read live top track", zap.Error(err))
			return nil, err
		}
		if top != nil {
			return top, nil
		}
		if attempt < attempts {
			logger.Debug("Top track not visible yet, waiting",
				zap.Int("attempt", attempt),
				zap.Duration("delay", m.settings.TopTrackRetryDelay))
			if err := m.sleep(ctx, m.settings.TopTrackRetryDelay); err != nil {
				return nil, err
			}
		}
	}
	logger.Warn("Top track still not visible, falling back to computed order",
		zap.Int("attempts", attempts))
	return nil, nil
}

// resolveTop picks the top track and fills in its display fields, falling back to
// the next candidates when a lookup fails.
func (m *MetadataRefresher) resolveTop(ctx context.Context, logger *zap.Logger, req RefreshRequest, live *TrackRef) (TrackRef, error) {
	var candidates []TrackRef
	switch {
	case len(req.Order) == 0 && live == nil:
		return TrackRef{}, fmt.Errorf("no top track available: %w", ErrNotFound)
	case live != nil && (!req.Applied || len(req.Order) == 0):
		candidates = append([]TrackRef{*live}, req.Order...)
	case live != nil && live.ID != req.Order[0].ID:
		logger.Warn("Live top track differs from computed order, using computed order",
			zap.String("liveTrackID", live.ID),
			zap.String("expectedTrackID", req.Order[0].ID))
		candidates = req.Order
	default:
		candidates = req.Order
		if live != nil && live.HasDetails() {
			candidates = append([]TrackRef{*live}, req.Order[1:]...)
		}
	}

	seen := make(map[string]bool, maxTopCandidates)
	var lastErr error
	for _, cand := range candidates {
		if len(seen) >= maxTopCandidates {
			break
		}
		if cand.ID == "" || seen[cand.ID] {
			continue
		}
		seen[cand.ID] = true

		ref, err := m.details(ctx, cand)
		if err == nil {
			return ref, nil
		}
		if IsFatalForRun(err) {
			return TrackRef{}, err
		}
		lastErr = err
		logger.Warn("Could not resolve top track details, trying next",
			zap.String("trackID", cand.ID), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return TrackRef{}, fmt.Errorf("no usable top track: %w", lastErr)
}

func (m *MetadataRefresher) details(ctx context.Context, cand TrackRef) (TrackRef, error) {
	if cand.HasDetails() {
		return cand, nil
	}
	if m.cache != nil {
		if ref, ok := m.cache.Get(cand.ID); ok && ref.HasDetails() {
			return ref, nil
		}
	}
	ref, err := Retry(ctx, m.policy, "get track details", func(ctx context.Context) (*TrackRef, error) {
		return m.service.GetTrackDetails(ctx, cand.ID)
	})
	if err != nil {
		return TrackRef{}, err
	}
	if ref == nil {
		return TrackRef{}, fmt.Errorf("track %s: %w", cand.ID, ErrNotFound)
	}
	if m.cache != nil {
		m.cache.Put(*ref)
	}
	return *ref, nil
}

func (m *MetadataRefresher) updateCover(ctx context.Context, logger *zap.Logger, playlistID string, top TrackRef) error {
	if top.AlbumArtURL == "" {
		return fmt.Errorf("track %s has no album art", top.ID)
	}
	if m.images == nil {
		return errors.New("no image fetcher configured")
	}
	img, err := m.images.Fetch(ctx, top.AlbumArtURL)
	if err != nil {
		return err
	}
	if err := m.policy.Do(ctx, "set cover image", func(ctx context.Context) error {
		return m.service.SetCoverImage(ctx, playlistID, img)
	}); err != nil {
		return err
	}
	logger.Info("Updated cover image", zap.String("trackID", top.ID), zap.Int("bytes", len(img)))
	return nil
}

func (m *MetadataRefresher) updateDescription(ctx context.Context, logger *zap.Logger, playlistID, desired string) (bool, error) {
	current, err := Retry(ctx, m.policy, "get description", func(ctx context.Context) (string, error) {
		return m.service.GetDescription(ctx, playlistID)
	})
	if err != nil {
		if IsFatalForRun(err) {
			return false, err
		}
		logger.Warn("Could not read current description, writing anyway", zap.Error(err))
	} else if SameDescription(current, desired) {
		logger.Info("Description unchanged, skipping update")
		return false, nil
	}

	if err := m.policy.Do(ctx, "set description", func(ctx context.Context) error {
		return m.service.SetDescription(ctx, playlistID, desired)
	}); err != nil {
		return false, err
	}
	logger.Info("Updated description", zap.String("description", desired))
	return true, nil
}

// RenderDescription substitutes artist into template and appends the contact line
// with the cover credit.
func RenderDescription(template, artist, contactEmail string) string {
	if template == "" {
		template = DefaultDescriptionTemplate
	}
	desc := strings.Replace(template, DescriptionPlaceholder, artist, 1)
	if contactEmail != "" {
		desc += contactEmailPrefix + contactEmail + "." + coverCreditPrefix + artist
	}
	return desc
}

// SameDescription compares a stored description with a rendered one. Spotify returns
// descriptions HTML-escaped and not necessarily in NFC.
func SameDescription(stored, rendered string) bool {
	return normalizeDescription(html.UnescapeString(stored)) == normalizeDescription(rendered)
}

func normalizeDescription(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
