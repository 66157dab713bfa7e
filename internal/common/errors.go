// Package common defines shared constants and sentinel errors used across
// the storage, sync and transport layers of gophsync. Callers should use
// errors.Is to match these values.
package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// Lifecycle errors.
	ErrStopped = errors.New("component stopped")

	// Network errors.
	ErrOffline    = errors.New("server unreachable")
	ErrNotAllowed = errors.New("not allowed")

	// Data errors.
	ErrDataIntegrity   = errors.New("data integrity violation")
	ErrInternal        = errors.New("internal error")
	ErrVersionConflict = errors.New("version conflict")
	ErrLocalMiss       = errors.New("data not available locally")
	ErrBadTimestamp    = errors.New("timestamp out of ballpark")

	// Certificate and key errors.
	ErrNoKey              = errors.New("no key available for realm")
	ErrInvalidKeysBundle  = errors.New("invalid keys bundle")
	ErrInvalidCertificate = errors.New("invalid certificate")

	// Filesystem-level errors.
	ErrEntryNotFound     = errors.New("entry not found")
	ErrEntryIsBusy       = errors.New("entry is busy")
	ErrNotAFile          = errors.New("entry is not a file")
	ErrNotAFolder        = errors.New("entry is not a folder")
	ErrFolderNotEmpty    = errors.New("folder is not empty")
	ErrCannotRemoveRoot  = errors.New("cannot remove workspace root")
	ErrBadFileDescriptor = errors.New("bad file descriptor")
	ErrReadOnly          = errors.New("file descriptor is read only")
	ErrWriteOnly         = errors.New("file descriptor is write only")
	ErrInvalidEntryName  = errors.New("invalid entry name")
	ErrInvalidPath       = errors.New("invalid path")
	ErrStoreUnavailable  = errors.New("block store unavailable")
)

// EntryExistsError is returned when an operation would create an entry under
// a name that is already taken. EntryID identifies the existing entry.
type EntryExistsError struct {
	EntryID uuid.UUID
}

func (e *EntryExistsError) Error() string {
	return fmt.Sprintf("entry already exists: %s", e.EntryID)
}
