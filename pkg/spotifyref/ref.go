// Package spotifyref turns the ways users paste Spotify references (share links,
// URIs, bare ids) into plain ids.
package spotifyref

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind is the Spotify object type a reference must point at.
type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindTrack    Kind = "track"
)

// uriParts is the number of colon-separated parts in spotify:<kind>:<id>.
const uriParts = 3

var (
	// ErrInvalidRef is returned for input that is not a reference of the wanted kind.
	ErrInvalidRef = errors.New("invalid spotify reference")

	base62Regex = regexp.MustCompile(`^[0-9A-Za-z]+$`)

	spotifyDomains = map[string]bool{
		"open.spotify.com": true,
		"play.spotify.com": true,
		"spotify.com":      true,
	}
)

// Parse extracts the id from a bare id, a spotify:<kind>:<id> URI or an
// open.spotify.com link of the given kind.
func Parse(kind Kind, input string) (string, error) {
	input = strings.TrimSpace(norm.NFKC.String(input))
	if input == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrInvalidRef, kind)
	}

	switch {
	case strings.HasPrefix(input, "spotify:"):
		return parseURI(kind, input)
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		return parseURL(kind, input)
	default:
		return checkID(kind, input)
	}
}

func parseURI(kind Kind, input string) (string, error) {
	parts := strings.Split(input, ":")
	// Legacy user playlist URIs: spotify:user:<name>:playlist:<id>
	if len(parts) == 5 && parts[1] == "user" {
		parts = []string{parts[0], parts[3], parts[4]}
	}
	if len(parts) != uriParts || Kind(parts[1]) != kind {
		return "", fmt.Errorf("%w: %q is not a %s URI", ErrInvalidRef, input, kind)
	}
	return checkID(kind, parts[2])
}

func parseURL(kind Kind, input string) (string, error) {
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if !spotifyDomains[strings.ToLower(u.Hostname())] {
		return "", fmt.Errorf("%w: %q is not a Spotify link", ErrInvalidRef, input)
	}

	pathParts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range pathParts {
		if Kind(part) == kind && i+1 < len(pathParts) {
			return checkID(kind, pathParts[i+1])
		}
	}
	return "", fmt.Errorf("%w: %q does not link to a %s", ErrInvalidRef, input, kind)
}

func checkID(kind Kind, id string) (string, error) {
	if !base62Regex.MatchString(id) {
		return "", fmt.Errorf("%w: %q is not a valid %s id", ErrInvalidRef, id, kind)
	}
	return id, nil
}
