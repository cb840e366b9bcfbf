package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the session id is unknown to the engine.
	ErrNotFound = errors.New("session not found")

	// ErrMissingStorageRoot is recoverable: the session stays retry-eligible
	// and root resolution is re-attempted on resume or when a root is added.
	ErrMissingStorageRoot = errors.New("no storage root available")

	// ErrMalformedMetadata rejects an addTorrent command synchronously; no
	// session is created.
	ErrMalformedMetadata = errors.New("malformed torrent metadata")

	// ErrOnLoop guards postAndWait-style calls issued from the engine loop
	// itself, which would otherwise deadlock.
	ErrOnLoop = errors.New("call would block the engine loop")

	// ErrInvalidTransition reports a disallowed session status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateRoot reports an addStorageRoot with an existing key.
	ErrDuplicateRoot = errors.New("storage root key already registered")

	// ErrRootNotFound reports a storage root key absent from the backing
	// store even after reload.
	ErrRootNotFound = errors.New("storage root not found")
)

// WriteError is fatal for the affected session only: the session transitions
// to StatusError while other sessions keep running.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed at %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CanTransition validates a session status change. Error is reachable from
// every status; it is terminal until an explicit resume retries the failed
// operation.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	if to == StatusError || to == StatusStopped {
		return true
	}
	switch from {
	case StatusMetadataPending:
		return to == StatusChecking || to == StatusDownloading
	case StatusChecking:
		return to == StatusDownloading || to == StatusSeeding
	case StatusDownloading:
		return to == StatusSeeding
	case StatusSeeding:
		return to == StatusChecking
	case StatusStopped, StatusError:
		return to == StatusMetadataPending || to == StatusChecking || to == StatusDownloading || to == StatusSeeding
	}
	return false
}
