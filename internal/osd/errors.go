package osd

import (
	"errors"
	"fmt"
)

// Errors returned by the executor. Callers match them with errors.Is.
var (
	ErrStaleEpoch       = errors.New("stale truncate epoch")
	ErrRedirect         = errors.New("operation must be sent to the head replica")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrObjectNotFound   = errors.New("object not found")
	ErrFileNotFound     = errors.New("file not found")
	ErrPeerTimeout      = errors.New("peer did not respond in time")
	ErrInternalStorage  = errors.New("internal storage error")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrExecutorClosed   = errors.New("executor closed")
)

// RedirectError tells the caller to re-dispatch a head-only operation to Head.
type RedirectError struct {
	Head string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect to head replica %s", e.Head)
}

// Is makes errors.Is(err, ErrRedirect) match.
func (e *RedirectError) Is(target error) bool {
	return target == ErrRedirect
}

// StaleEpochError rejects a truncate whose epoch is not newer than the
// stored one.
type StaleEpochError struct {
	Requested int64
	Current   int64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("stale truncate epoch %d (current %d)", e.Requested, e.Current)
}

// Is makes errors.Is(err, ErrStaleEpoch) match.
func (e *StaleEpochError) Is(target error) bool {
	return target == ErrStaleEpoch
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternalStorage, op, err)
}
