// Package models defines the data model of a workspace: content chunks and
// blocks, remote manifests as stored on the server and the local manifests
// that carry not yet synchronized changes.
//
// Everything here is pure data plus validation. Persistence, transport and
// synchronization live in other packages.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

type (
	VlobID   = uuid.UUID
	ChunkID  = uuid.UUID
	BlockID  = uuid.UUID
	DeviceID = uuid.UUID
)

var (
	ErrNeedReshape        = errors.New("manifest needs reshape before upload")
	ErrAlreadyPromoted    = errors.New("chunk view already promoted as block")
	ErrNotAligned         = errors.New("chunk view not aligned with its raw data")
	ErrNotPromotedAsBlock = errors.New("chunk view not promoted as block")
)

func integrityError(kind, invariant string) error {
	return fmt.Errorf("%w: %s: %s", common.ErrDataIntegrity, kind, invariant)
}

// MaxEntryNameLen is the maximum size in bytes of an entry name.
const MaxEntryNameLen = 255

// EntryName is a validated file or folder name.
type EntryName string

// NewEntryName validates raw as an entry name.
func NewEntryName(raw string) (EntryName, error) {
	switch {
	case raw == "", raw == ".", raw == "..":
		return "", fmt.Errorf("%w: %q", common.ErrInvalidEntryName, raw)
	case len(raw) > MaxEntryNameLen:
		return "", fmt.Errorf("%w: name longer than %d bytes", common.ErrInvalidEntryName, MaxEntryNameLen)
	case strings.ContainsAny(raw, "/\x00"):
		return "", fmt.Errorf("%w: %q contains a forbidden character", common.ErrInvalidEntryName, raw)
	}
	return EntryName(raw), nil
}

func (n EntryName) String() string { return string(n) }

// NormalizeTime drops the monotonic clock reading and sub-microsecond
// precision so timestamps survive a serialization round trip unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
