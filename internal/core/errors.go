package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx and rate limiting.
	ErrTransient = errors.New("transient remote error")
	// ErrNotFound marks an unknown playlist or track. Fatal for the playlist.
	ErrNotFound = errors.New("not found")
	// ErrAuth marks expired or invalid credentials. Fatal for the whole run.
	ErrAuth = errors.New("authentication failed")
	// ErrPermanent marks any other non-retryable remote rejection.
	ErrPermanent = errors.New("permanent remote error")
	// ErrInvalidConfig is returned by config validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind classifies a remote failure.
type ErrorKind int

const (
	// KindTransient is retried with backoff.
	KindTransient ErrorKind = iota
	// KindNotFound aborts the playlist.
	KindNotFound
	// KindAuth aborts the run.
	KindAuth
	// KindPermanent aborts the playlist.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	default:
		return "permanent"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindNotFound:
		return ErrNotFound
	case KindAuth:
		return ErrAuth
	default:
		return ErrPermanent
	}
}

// RemoteError is a classified failure from the remote collaborator.
type RemoteError struct {
	Kind       ErrorKind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *RemoteError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewRemoteError wraps err with a classification.
func NewRemoteError(kind ErrorKind, op string, status int, err error) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, Status: status, Err: err}
}

// Step names an apply stage of the orchestrator.
type Step string

const (
	StepRemove  Step = "remove"
	StepAdd     Step = "add"
	StepReorder Step = "reorder"
)

// PartialApplyError records an apply pipeline that stopped part way.
type PartialApplyError struct {
	Completed []Step
	Failed    Step
	Before    int
	After     int
	Err       error
}

func (e *PartialApplyError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("partial apply: %s failed after [%s] (tracks before=%d, expected after=%d): %v",
		e.Failed, strings.Join(done, ","), e.Before, e.After, e.Err)
}

func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// IsRetryable is the default retry predicate.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind == KindTransient
	}
	// A per-call timeout that is not the caller's own deadline is worth another try.
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatalForPlaylist reports errors that stop processing of a single playlist.
func IsFatalForPlaylist(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermanent)
}

// IsFatalForRun reports errors that stop the whole run.
func IsFatalForRun(err error) bool {
	return errors.Is(err, ErrAuth)
}

func retryAfterOf(err error) time.Duration {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.RetryAfter
	}
	return 0
}
