package logic

import (
	"errors"

	"github.com/danmuck/beaconctl/internal/auth"
)

var (
	ErrUnauthorized          = auth.ErrUnauthorized
	ErrAlreadyInitialized    = errors.New("logic: already initialized")
	ErrAlreadyMigrated       = errors.New("logic: already migrated")
	ErrNotMigrated           = errors.New("logic: record not migrated")
	ErrInvalidOwner          = errors.New("logic: invalid owner")
	ErrInvalidImplementation = errors.New("logic: invalid implementation")
	ErrIndexOutOfRange       = errors.New("logic: index out of range")
	ErrUnderflow             = errors.New("logic: underflow")
	ErrOverflow              = errors.New("logic: overflow")
	ErrUnknownOperation      = errors.New("logic: unknown operation")
	ErrInvalidArgument       = errors.New("logic: invalid argument")
	ErrImplementationExists  = errors.New("logic: implementation already registered")
)

// Kind maps an error to a short stable label for metrics and HTTP responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrAlreadyMigrated):
		return "already_migrated"
	case errors.Is(err, ErrNotMigrated):
		return "not_migrated"
	case errors.Is(err, ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, ErrInvalidImplementation):
		return "invalid_implementation"
	case errors.Is(err, ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, ErrUnderflow):
		return "underflow"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}
