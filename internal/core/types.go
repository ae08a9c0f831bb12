package core

import (
	"context"
	"time"
)

// TrackRef references a single track. Only ID takes part in equality; the display
// fields are cached for logging and metadata.
type TrackRef struct {
	ID          string
	Title       string
	Artist      string
	AlbumArtURL string
}

// HasDetails reports whether the display fields needed for metadata are populated.
func (t TrackRef) HasDetails() bool {
	return t.Artist != "" && t.AlbumArtURL != ""
}

// TrackSet is a set of tracks keyed by ID that remembers arrival order.
type TrackSet struct {
	index map[string]int
	items []TrackRef
}

// NewTrackSet builds a set from refs, keeping the first occurrence of each ID.
func NewTrackSet(refs ...TrackRef) TrackSet {
	s := TrackSet{index: make(map[string]int, len(refs))}
	for _, ref := range refs {
		s.Add(ref)
	}
	return s
}

// Add inserts ref unless its ID is already present. Empty IDs are ignored.
func (s *TrackSet) Add(ref TrackRef) bool {
	if ref.ID == "" {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, exists := s.index[ref.ID]; exists {
		return false
	}
	s.index[ref.ID] = len(s.items)
	s.items = append(s.items, ref)
	return true
}

// Has reports whether id is a member.
func (s TrackSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Get returns the stored ref for id.
func (s TrackSet) Get(id string) (TrackRef, bool) {
	i, ok := s.index[id]
	if !ok {
		return TrackRef{}, false
	}
	return s.items[i], true
}

// Len returns the number of members.
func (s TrackSet) Len() int {
	return len(s.items)
}

// Slice returns the members in arrival order.
func (s TrackSet) Slice() []TrackRef {
	out := make([]TrackRef, len(s.items))
	copy(out, s.items)
	return out
}

// IDs returns member IDs in arrival order.
func (s TrackSet) IDs() []string {
	ids := make([]string, len(s.items))
	for i, ref := range s.items {
		ids[i] = ref.ID
	}
	return ids
}

// Position returns the arrival index of id, or -1.
func (s TrackSet) Position(id string) int {
	if i, ok := s.index[id]; ok {
		return i
	}
	return -1
}

// PrioritySet is an ordered, deduplicated list of tracks that lead the final order.
type PrioritySet []TrackRef

// NewPrioritySet deduplicates refs by ID keeping the first occurrence.
func NewPrioritySet(refs ...TrackRef) PrioritySet {
	set := NewTrackSet(refs...)
	return PrioritySet(set.Slice())
}

// SyncPlan is the outcome of reconciling one target playlist.
type SyncPlan struct {
	ToRemove   TrackSet
	ToAdd      TrackSet
	ToKeep     TrackSet
	FinalOrder []TrackRef
}

// IsNoop reports whether the plan changes membership.
func (p SyncPlan) IsNoop() bool {
	return p.ToRemove.Len() == 0 && p.ToAdd.Len() == 0
}

// Variety selects the reordering pass applied to non-priority tracks.
type Variety string

const (
	// VarietyShuffle applies a random permutation.
	VarietyShuffle Variety = "shuffle"
	// VarietyInterleave shuffles within each source and round-robins across them.
	VarietyInterleave Variety = "interleave"
	// VarietyNone keeps the deterministic candidate order.
	VarietyNone Variety = "none"
)

// PlaylistService is the remote playlist collaborator.
type PlaylistService interface {
	ListTracks(ctx context.Context, playlistID string) ([]TrackRef, error)
	TopTrack(ctx context.Context, playlistID string) (*TrackRef, error)
	RemoveTracks(ctx context.Context, playlistID string, ids []string) error
	AddTracks(ctx context.Context, playlistID string, ids []string) error
	ReorderTracks(ctx context.Context, playlistID string, finalOrder []string) error
	GetTrackDetails(ctx context.Context, trackID string) (*TrackRef, error)
	SetCoverImage(ctx context.Context, playlistID string, image []byte) error
	GetDescription(ctx context.Context, playlistID string) (string, error)
	SetDescription(ctx context.Context, playlistID, text string) error
}

// ImageFetcher downloads cover art ready for upload.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DetailsCache caches resolved track display fields across playlists.
type DetailsCache interface {
	Get(trackID string) (TrackRef, bool)
	Put(ref TrackRef)
}

// ReportWriter persists a finished run. Persisted reports are advisory only.
type ReportWriter interface {
	WriteReport(ctx context.Context, report *RunReport) error
}

// UpdateLedger answers when a playlist was last updated successfully.
type UpdateLedger interface {
	LastUpdate(ctx context.Context, playlistName string) (time.Time, bool, error)
}

// Metrics receives sync telemetry.
type Metrics interface {
	RecordPlaylist(status PlaylistStatus, duration time.Duration)
	RecordChanges(playlist string, added, removed, final int)
	RecordRetry(op string)
	RecordMetadata(playlist string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordPlaylist(PlaylistStatus, time.Duration) {}
func (nopMetrics) RecordChanges(string, int, int, int)          {}
func (nopMetrics) RecordRetry(string)                           {}
func (nopMetrics) RecordMetadata(string, bool)                  {}
