// Package spotify implements the playlist service on top of the Spotify Web API.
package spotify

import (
	"bytes"
	"context"
	"strings"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"spotsync/internal/core"
)

const (
	// PageSize is the largest page the playlist items endpoint serves.
	PageSize = 100
	// MaxIDsPerRequest is the Spotify limit for ids in one playlist mutation.
	MaxIDsPerRequest = 100
	// UnknownArtist is used when a track carries no artist names.
	UnknownArtist = "Unknown Artist"
)

// Client adapts a zmb3 spotify client to core.PlaylistService.
type Client struct {
	api    *spotify.Client
	market string
	budget *core.Budget
	logger *zap.Logger
}

var _ core.PlaylistService = (*Client)(nil)

// NewClient wraps api. budget is consulted for Retry-After hints when classifying
// rate-limit errors and may be nil.
func NewClient(api *spotify.Client, market string, budget *core.Budget, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:    api,
		market: market,
		budget: budget,
		logger: logger,
	}
}

// Token returns the current, possibly refreshed, OAuth token.
func (c *Client) Token() (*oauth2.Token, error) {
	return c.api.Token()
}

func (c *Client) readOptions(opts ...spotify.RequestOption) []spotify.RequestOption {
	if c.market != "" {
		opts = append(opts, spotify.Market(c.market))
	}
	return opts
}

func (c *Client) classify(op string, err error) error {
	return classify(op, err, c.budget.Cooldown())
}

func (c *Client) ListTracks(ctx context.Context, playlistID string) ([]core.TrackRef, error) {
	spotifyPlaylistID := spotify.ID(playlistID)
	var refs []core.TrackRef
	offset := 0

	for {
		items, err := c.api.GetPlaylistItems(ctx, spotifyPlaylistID,
			c.readOptions(spotify.Limit(PageSize), spotify.Offset(offset))...)
		if err != nil {
			return nil, c.classify("list playlist items", err)
		}

		for i := range items.Items {
			// Only tracks with an id can be synced; episodes and local files are skipped.
			track := items.Items[i].Track.Track
			if track == nil || track.ID == "" {
				continue
			}
			refs = append(refs, convertTrack(track))
		}

		if len(items.Items) < PageSize {
			break
		}
		offset += PageSize
	}

	c.logger.Debug("Retrieved playlist tracks",
		zap.String("playlistID", playlistID),
		zap.Int("count", len(refs)))
	return refs, nil
}

func (c *Client) TopTrack(ctx context.Context, playlistID string) (*core.TrackRef, error) {
	items, err := c.api.GetPlaylistItems(ctx, spotify.ID(playlistID),
		c.readOptions(spotify.Limit(1))...)
	if err != nil {
		return nil, c.classify("get top track", err)
	}
	for i := range items.Items {
		if track := items.Items[i].Track.Track; track != nil && track.ID != "" {
			ref := convertTrack(track)
			return &ref, nil
		}
	}
	return nil, nil
}

func (c *Client) RemoveTracks(ctx context.Context, playlistID string, ids []string) error {
	for _, batch := range core.Chunk(ids, MaxIDsPerRequest) {
		if _, err := c.api.RemoveTracksFromPlaylist(ctx, spotify.ID(playlistID), toIDs(batch)...); err != nil {
			return c.classify("remove tracks", err)
		}
	}
	return nil
}

func (c *Client) AddTracks(ctx context.Context, playlistID string, ids []string) error {
	for _, batch := range core.Chunk(ids, MaxIDsPerRequest) {
		if _, err := c.api.AddTracksToPlaylist(ctx, spotify.ID(playlistID), toIDs(batch)...); err != nil {
			return c.classify("add tracks", err)
		}
	}
	return nil
}

// ReorderTracks rewrites the playlist in finalOrder. The first chunk replaces the
// contents and the rest is appended, so replaying the whole call is safe.
func (c *Client) ReorderTracks(ctx context.Context, playlistID string, finalOrder []string) error {
	batches := core.Chunk(finalOrder, MaxIDsPerRequest)
	var first []spotify.ID
	if len(batches) > 0 {
		first = toIDs(batches[0])
	}
	if err := c.api.ReplacePlaylistTracks(ctx, spotify.ID(playlistID), first...); err != nil {
		return c.classify("replace playlist tracks", err)
	}
	for i := 1; i < len(batches); i++ {
		if _, err := c.api.AddTracksToPlaylist(ctx, spotify.ID(playlistID), toIDs(batches[i])...); err != nil {
			return c.classify("append reordered tracks", err)
		}
	}
	return nil
}

func (c *Client) GetTrackDetails(ctx context.Context, trackID string) (*core.TrackRef, error) {
	track, err := c.api.GetTrack(ctx, spotify.ID(trackID), c.readOptions()...)
	if err != nil {
		return nil, c.classify("get track", err)
	}
	ref := convertTrack(track)
	return &ref, nil
}

func (c *Client) SetCoverImage(ctx context.Context, playlistID string, image []byte) error {
	if err := c.api.SetPlaylistImage(ctx, spotify.ID(playlistID), bytes.NewReader(image)); err != nil {
		return c.classify("set playlist image", err)
	}
	return nil
}

func (c *Client) GetDescription(ctx context.Context, playlistID string) (string, error) {
	playlist, err := c.api.GetPlaylist(ctx, spotify.ID(playlistID), spotify.Fields("description"))
	if err != nil {
		return "", c.classify("get playlist", err)
	}
	return playlist.Description, nil
}

func (c *Client) SetDescription(ctx context.Context, playlistID, text string) error {
	if err := c.api.ChangePlaylistDescription(ctx, spotify.ID(playlistID), text); err != nil {
		return c.classify("change playlist description", err)
	}
	return nil
}

func convertTrack(track *spotify.FullTrack) core.TrackRef {
	// The lead artist names the playlist description.
	artist := UnknownArtist
	for _, a := range track.Artists {
		if name := strings.TrimSpace(a.Name); name != "" {
			artist = name
			break
		}
	}

	// Spotify lists album images widest first.
	var art string
	if len(track.Album.Images) > 0 {
		art = track.Album.Images[0].URL
	}

	return core.TrackRef{
		ID:          string(track.ID),
		Title:       track.Name,
		Artist:      artist,
		AlbumArtURL: art,
	}
}

func toIDs(ids []string) []spotify.ID {
	out := make([]spotify.ID, len(ids))
	for i, id := range ids {
		out[i] = spotify.ID(id)
	}
	return out
}
