package spotify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"spotsync/internal/core"
)

// classify maps an error from the Spotify client onto the core error taxonomy.
// retryAfter is attached to rate-limit errors.
func classify(op string, err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return core.NewRemoteError(core.KindAuth, op, statusOf(retrieveErr.Response), err)
	}

	if status, message, ok := apiStatus(err); ok {
		remote := core.NewRemoteError(kindForStatus(status, message), op, status, err)
		if status == http.StatusTooManyRequests {
			remote.RetryAfter = retryAfter
		}
		return remote
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewRemoteError(core.KindTransient, op, 0, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return core.NewRemoteError(core.KindTransient, op, 0, err)
	}
	// Connection resets and refusals surface as *url.Error from the HTTP client.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return core.NewRemoteError(core.KindTransient, op, 0, err)
	}

	return core.NewRemoteError(core.KindPermanent, op, 0, err)
}

func apiStatus(err error) (int, string, bool) {
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Message, true
	}
	var apiErrPtr *spotify.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Status, apiErrPtr.Message, true
	}
	return 0, "", false
}

func kindForStatus(status int, message string) core.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return core.KindTransient
	case status == http.StatusNotFound:
		return core.KindNotFound
	case status == http.StatusUnauthorized:
		return core.KindAuth
	case status == http.StatusBadRequest && isInvalidID(message):
		return core.KindNotFound
	default:
		return core.KindPermanent
	}
}

// isInvalidID matches the 400 Spotify returns for malformed playlist or track ids.
func isInvalidID(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "invalid") && strings.Contains(m, "id")
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
