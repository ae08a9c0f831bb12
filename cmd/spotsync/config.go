package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"spotsync/internal/core"
	"spotsync/pkg/spotifyref"
)

// playlistFile is the layout of playlist_config.json (or .yaml).
type playlistFile struct {
	GlobalSettings map[string]any        `mapstructure:"global_settings"`
	Playlists      []core.PlaylistConfig `mapstructure:"playlists"`
}

// durationSettings accept a Go duration string or a number of seconds in the playlist file.
var durationSettings = map[string]bool{
	"retry-base-delay":      true,
	"retry-max-delay":       true,
	"settle-delay":          true,
	"top-track-retry-delay": true,
	"pause-between":         true,
	"deadline":              true,
}

// loadPlaylistFile reads the playlist definitions with a dedicated viper instance
// so the file never leaks into the env and flag namespace.
func loadPlaylistFile(path string) (*playlistFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read playlist config %s: %w", path, err)
	}

	var file playlistFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to decode playlist config %s: %w", path, err)
	}
	for i := range file.Playlists {
		file.Playlists[i].ApplyDefaults()
	}
	return &file, nil
}

// applyGlobalSettings registers the file's global settings as defaults on v, so
// environment variables and flags still take precedence.
func applyGlobalSettings(v *viper.Viper, settings map[string]any) error {
	for key, value := range settings {
		flagName := strings.ReplaceAll(strings.ToLower(key), "_", "-")
		if durationSettings[flagName] {
			d, err := toDuration(value)
			if err != nil {
				return fmt.Errorf("%w: global setting %s: %v", core.ErrInvalidConfig, key, err)
			}
			value = d
		}
		v.SetDefault(flagName, value)
	}
	return nil
}

func toDuration(value any) (time.Duration, error) {
	if s, ok := value.(string); ok {
		return time.ParseDuration(s)
	}
	seconds, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// selectPlaylists narrows playlists to the given names, keeping file order.
func selectPlaylists(playlists []core.PlaylistConfig, names []string) ([]core.PlaylistConfig, error) {
	if len(names) == 0 {
		return playlists, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	selected := make([]core.PlaylistConfig, 0, len(names))
	for i := range playlists {
		name := playlists[i].DisplayName()
		if wanted[name] {
			selected = append(selected, playlists[i])
			delete(wanted, name)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for _, name := range names {
			if wanted[name] {
				missing = append(missing, name)
			}
		}
		return nil, fmt.Errorf("%w: unknown playlist(s): %s", core.ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return selected, nil
}

// resolveRefs replaces share links and URIs in playlist definitions with plain ids.
func resolveRefs(playlists []core.PlaylistConfig) error {
	for i := range playlists {
		pc := &playlists[i]
		name := pc.DisplayName()

		id, err := spotifyref.Parse(spotifyref.KindPlaylist, pc.TargetPlaylistID)
		if err != nil {
			return fmt.Errorf("%w: playlist %q target: %v", core.ErrInvalidConfig, name, err)
		}
		pc.TargetPlaylistID = id

		for j, src := range pc.SourcePlaylists {
			if pc.SourcePlaylists[j], err = spotifyref.Parse(spotifyref.KindPlaylist, src); err != nil {
				return fmt.Errorf("%w: playlist %q source: %v", core.ErrInvalidConfig, name, err)
			}
		}
		for j := range pc.PrioritySongs {
			song := &pc.PrioritySongs[j]
			if song.TrackID, err = spotifyref.Parse(spotifyref.KindTrack, song.TrackID); err != nil {
				return fmt.Errorf("%w: playlist %q priority song %q: %v", core.ErrInvalidConfig, name, song.SongName, err)
			}
		}
	}
	return nil
}
