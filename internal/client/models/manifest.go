package models

import (
	"maps"
	"sort"
	"time"
)

// FileManifest is the remote (server-side, immutable once uploaded) version
// of a file.
type FileManifest struct {
	Author    DeviceID      `cbor:"author"`
	Timestamp time.Time     `cbor:"timestamp"`
	ID        VlobID        `cbor:"id"`
	Parent    VlobID        `cbor:"parent"`
	Version   uint32        `cbor:"version"`
	Created   time.Time     `cbor:"created"`
	Updated   time.Time     `cbor:"updated"`
	Size      uint64        `cbor:"size"`
	Blocksize uint64        `cbor:"blocksize"`
	Blocks    []BlockAccess `cbor:"blocks"`
}

// FolderManifest is the remote version of a folder. The workspace root is a
// folder manifest whose Parent is its own ID.
type FolderManifest struct {
	Author    DeviceID             `cbor:"author"`
	Timestamp time.Time            `cbor:"timestamp"`
	ID        VlobID               `cbor:"id"`
	Parent    VlobID               `cbor:"parent"`
	Version   uint32               `cbor:"version"`
	Created   time.Time            `cbor:"created"`
	Updated   time.Time            `cbor:"updated"`
	Children  map[EntryName]VlobID `cbor:"children"`
}

// ChildManifest is either a *FileManifest or a *FolderManifest.
type ChildManifest interface {
	isChildManifest()
	ManifestID() VlobID
	ManifestVersion() uint32
	ManifestAuthor() DeviceID
	ManifestTimestamp() time.Time
}

func (*FileManifest) isChildManifest()   {}
func (*FolderManifest) isChildManifest() {}

func (m *FileManifest) ManifestID() VlobID             { return m.ID }
func (m *FileManifest) ManifestVersion() uint32        { return m.Version }
func (m *FileManifest) ManifestAuthor() DeviceID       { return m.Author }
func (m *FileManifest) ManifestTimestamp() time.Time   { return m.Timestamp }
func (m *FolderManifest) ManifestID() VlobID           { return m.ID }
func (m *FolderManifest) ManifestVersion() uint32      { return m.Version }
func (m *FolderManifest) ManifestAuthor() DeviceID     { return m.Author }
func (m *FolderManifest) ManifestTimestamp() time.Time { return m.Timestamp }

func (m *FileManifest) Clone() *FileManifest {
	c := *m
	if m.Blocks != nil {
		c.Blocks = append([]BlockAccess(nil), m.Blocks...)
	}
	return &c
}

func (m *FolderManifest) Clone() *FolderManifest {
	c := *m
	c.Children = maps.Clone(m.Children)
	return &c
}

// CheckDataIntegrity verifies that blocks are sorted, do not overlap, stay
// inside their blocksize span and inside the file size.
func (m *FileManifest) CheckDataIntegrity() error {
	if m.ID == m.Parent {
		return integrityError("FileManifest", "id and parent are different")
	}
	if m.Blocksize < 8 {
		return integrityError("FileManifest", "blocksize >= 8")
	}

	var (
		currentOffset uint64
		lastSpan      = int64(-1)
	)
	for _, b := range m.Blocks {
		if b.Size == 0 {
			return integrityError("FileManifest", "block size is not zero")
		}
		if b.Offset < currentOffset {
			return integrityError("FileManifest", "blocks are ordered and do not overlap")
		}
		span := b.Offset / m.Blocksize
		if int64(span) == lastSpan {
			return integrityError("FileManifest", "blocks do not share a block span")
		}
		if b.Offset+b.Size > (span+1)*m.Blocksize {
			return integrityError("FileManifest", "blocks do not span over multiple block spans")
		}
		currentOffset = b.Offset + b.Size
		lastSpan = int64(span)
	}
	if currentOffset > m.Size {
		return integrityError("FileManifest", "file size is consistent with the last block")
	}
	return nil
}

func (m *FolderManifest) CheckDataIntegrity() error {
	for name := range m.Children {
		if _, err := NewEntryName(string(name)); err != nil {
			return integrityError("FolderManifest", "children names are valid")
		}
	}
	return nil
}

// SortedNames returns the children names in lexical order.
func SortedNames[V any](children map[EntryName]V) []EntryName {
	names := make([]EntryName, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
