package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is the attempt ceiling for every remote call.
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is the first backoff step.
	DefaultRetryBaseDelay = 10 * time.Second
	// DefaultRetryMaxDelay caps exponential backoff.
	DefaultRetryMaxDelay = 2 * time.Minute
	// DefaultBatchSize is the Spotify limit for ids per playlist mutation.
	DefaultBatchSize = 100
	// DefaultSettleDelay gives the remote side time to make writes visible.
	DefaultSettleDelay = 10 * time.Second
	// DefaultTopTrackRetryDelay is the extra wait when the top track is not yet visible.
	DefaultTopTrackRetryDelay = 5 * time.Second
	// DefaultTopTrackAttempts bounds the top track fetch.
	DefaultTopTrackAttempts = 3
	// DefaultDisplayCap truncates logged id lists.
	DefaultDisplayCap = 10
	// DefaultMaxSongs applies when a playlist omits max_songs.
	DefaultMaxSongs = 70
	// DefaultPauseBetween separates sequential playlist updates.
	DefaultPauseBetween = 2 * time.Second
	// DefaultRateLimit is the shared request rate (requests per second).
	DefaultRateLimit = 5.0
	// DefaultServerPort is the metrics server port.
	DefaultServerPort = 9464
	// DefaultDescriptionTemplate is used when a playlist has no template.
	DefaultDescriptionTemplate = "Updated playlist featuring {}"
	// DescriptionPlaceholder is replaced with the top artist's name.
	DescriptionPlaceholder = "{}"
)

type Config struct {
	Spotify   SpotifyConfig
	Sync      SyncConfig
	State     StateConfig
	Server    ServerConfig
	Log       LogConfig
	Playlists []PlaylistConfig
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
	Market       string
}

// SyncConfig holds the global settings shared by every playlist.
type SyncConfig struct {
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	BatchSize          int
	SettleDelay        time.Duration
	TopTrackRetryDelay time.Duration
	TopTrackAttempts   int
	DisplayCap         int
	Workers            int
	RateLimit          float64
	PauseBetween       time.Duration
	ContactEmail       string
	Deadline           time.Duration
	DryRun             bool
	MetadataOnly       bool
	SkipIfUpdatedToday bool
}

type StateConfig struct {
	RecordsDir      string
	HistoryPath     string
	MetricsTextfile string
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// PriorityTrack is a configured priority song. Title and artist are informational.
type PriorityTrack struct {
	TrackID    string `mapstructure:"track_id" json:"track_id"`
	SongName   string `mapstructure:"song_name" json:"song_name"`
	ArtistName string `mapstructure:"artist_name" json:"artist_name"`
}

// PlaylistConfig describes one target playlist and where its tracks come from.
type PlaylistConfig struct {
	Name                string          `mapstructure:"name" json:"name"`
	TargetPlaylistID    string          `mapstructure:"target_playlist_id" json:"target_playlist_id"`
	SourcePlaylists     []string        `mapstructure:"source_playlists" json:"source_playlists"`
	PrioritySongs       []PriorityTrack `mapstructure:"priority_songs" json:"priority_songs"`
	MaxSongs            int             `mapstructure:"max_songs" json:"max_songs"`
	DescriptionTemplate string          `mapstructure:"description_template" json:"description_template"`
	Variety             Variety         `mapstructure:"variety" json:"variety"`
}

// Priority returns the configured priority songs as a deduplicated PrioritySet.
func (p PlaylistConfig) Priority() PrioritySet {
	refs := make([]TrackRef, 0, len(p.PrioritySongs))
	for _, song := range p.PrioritySongs {
		if song.TrackID == "" {
			continue
		}
		refs = append(refs, TrackRef{ID: song.TrackID, Title: song.SongName, Artist: song.ArtistName})
	}
	return NewPrioritySet(refs...)
}

// DisplayName falls back to the target id when no name is configured.
func (p PlaylistConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.TargetPlaylistID
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://127.0.0.1:8888/callback",
			TokenPath:   "./token_info.json",
		},
		Sync: SyncConfig{
			MaxRetries:         DefaultMaxRetries,
			RetryBaseDelay:     DefaultRetryBaseDelay,
			RetryMaxDelay:      DefaultRetryMaxDelay,
			BatchSize:          DefaultBatchSize,
			SettleDelay:        DefaultSettleDelay,
			TopTrackRetryDelay: DefaultTopTrackRetryDelay,
			TopTrackAttempts:   DefaultTopTrackAttempts,
			DisplayCap:         DefaultDisplayCap,
			Workers:            1,
			RateLimit:          DefaultRateLimit,
			PauseBetween:       DefaultPauseBetween,
		},
		State: StateConfig{
			RecordsDir:  "./playlist_records",
			HistoryPath: "./spotsync_history.db",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the settings a run cannot do without.
func (c *Config) Validate() error {
	if c.Spotify.ClientID == "" {
		return fmt.Errorf("%w: spotify client ID is required", ErrInvalidConfig)
	}
	if c.Spotify.ClientSecret == "" {
		return fmt.Errorf("%w: spotify client secret is required", ErrInvalidConfig)
	}
	if len(c.Playlists) == 0 {
		return fmt.Errorf("%w: no playlists configured", ErrInvalidConfig)
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > DefaultBatchSize {
		return fmt.Errorf("%w: batch size must be between 1 and %d, got %d",
			ErrInvalidConfig, DefaultBatchSize, c.Sync.BatchSize)
	}

	names := make(map[string]bool, len(c.Playlists))
	for i := range c.Playlists {
		if err := c.Playlists[i].Validate(); err != nil {
			return err
		}
		name := c.Playlists[i].DisplayName()
		if names[name] {
			return fmt.Errorf("%w: duplicate playlist name %q", ErrInvalidConfig, name)
		}
		names[name] = true
	}
	return nil
}

// Validate checks a single playlist definition.
func (p *PlaylistConfig) Validate() error {
	name := p.DisplayName()
	if p.TargetPlaylistID == "" {
		return fmt.Errorf("%w: playlist %q has no target_playlist_id", ErrInvalidConfig, name)
	}
	if len(p.SourcePlaylists) == 0 && len(p.PrioritySongs) == 0 {
		return fmt.Errorf("%w: playlist %q has neither source playlists nor priority songs", ErrInvalidConfig, name)
	}
	for _, src := range p.SourcePlaylists {
		if src == p.TargetPlaylistID {
			return fmt.Errorf("%w: playlist %q uses its target as a source", ErrInvalidConfig, name)
		}
	}
	if p.MaxSongs <= 0 {
		return fmt.Errorf("%w: playlist %q needs max_songs > 0", ErrInvalidConfig, name)
	}
	if p.DescriptionTemplate != "" && strings.Count(p.DescriptionTemplate, DescriptionPlaceholder) != 1 {
		return fmt.Errorf("%w: playlist %q description template needs exactly one %s placeholder",
			ErrInvalidConfig, name, DescriptionPlaceholder)
	}
	switch p.Variety {
	case "", VarietyShuffle, VarietyInterleave, VarietyNone:
	default:
		return fmt.Errorf("%w: playlist %q has unknown variety %q", ErrInvalidConfig, name, p.Variety)
	}
	return nil
}

// ApplyDefaults fills omitted optional fields.
func (p *PlaylistConfig) ApplyDefaults() {
	if p.MaxSongs == 0 {
		p.MaxSongs = DefaultMaxSongs
	}
	if p.Variety == "" {
		p.Variety = VarietyShuffle
	}
}
