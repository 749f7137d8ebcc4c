package engine

import (
	"errors"

	"huddle/pkg/storage"
)

var (
	// ErrInvalidInput rejects malformed requests before any lock is taken.
	ErrInvalidInput = errors.New("invalid input")

	// ErrContentGeneration wraps question-provider failures. It never rolls
	// back membership or standby state that committed before the provider
	// was called.
	ErrContentGeneration = errors.New("question generation failed")

	// ErrNotOwner rejects mutations reserved for the party's creator.
	ErrNotOwner = errors.New("only the party creator may do this")
)

// Kind buckets an error into the taxonomy the transport layer maps to
// status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
	KindUpstream
)

// Classify maps engine and storage errors onto the taxonomy. Conflicts are
// rejections made under an aggregate lock with the aggregate left unchanged.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrNotParticipant), errors.Is(err, ErrNotOwner):
		return KindForbidden
	case errors.Is(err, storage.ErrAlreadyJoined),
		errors.Is(err, storage.ErrCapacityExceeded),
		errors.Is(err, storage.ErrPartyCancelled),
		errors.Is(err, storage.ErrRoundActive),
		errors.Is(err, storage.ErrRoundClosed),
		errors.Is(err, storage.ErrDuplicateVote):
		return KindConflict
	case errors.Is(err, ErrContentGeneration):
		return KindUpstream
	default:
		return KindInternal
	}
}
