package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultBlocksize is the blocksize of files created on this device.
const DefaultBlocksize uint64 = 512 * 1024

// LocalFileManifest is the device view of a file. Blocks[i] holds the chunk
// views covering [i*Blocksize, (i+1)*Blocksize), sorted and without overlap.
// An empty slot reads as zeros.
type LocalFileManifest struct {
	Base      FileManifest
	Parent    VlobID
	NeedSync  bool
	Updated   time.Time
	Size      uint64
	Blocksize uint64
	Blocks    [][]ChunkView
}

// NewLocalFileManifest returns an empty placeholder file that was never
// synchronized (base version 0).
func NewLocalFileManifest(author DeviceID, parent VlobID, ts time.Time) *LocalFileManifest {
	return &LocalFileManifest{
		Base: FileManifest{
			Author:    author,
			Timestamp: ts,
			ID:        uuid.New(),
			Parent:    parent,
			Version:   0,
			Created:   ts,
			Updated:   ts,
			Blocksize: DefaultBlocksize,
		},
		Parent:    parent,
		NeedSync:  true,
		Updated:   ts,
		Blocksize: DefaultBlocksize,
	}
}

// LocalFileFromRemote builds the local manifest of a freshly fetched remote
// one: each block lands in the slot of its span.
func LocalFileFromRemote(remote FileManifest) *LocalFileManifest {
	var blocks [][]ChunkView
	for _, access := range remote.Blocks {
		slot := int(access.Offset / remote.Blocksize)
		for len(blocks) <= slot {
			blocks = append(blocks, nil)
		}
		blocks[slot] = append(blocks[slot], ChunkViewFromBlockAccess(access))
	}

	return &LocalFileManifest{
		Base:      *remote.Clone(),
		Parent:    remote.Parent,
		NeedSync:  false,
		Updated:   remote.Updated,
		Size:      remote.Size,
		Blocksize: remote.Blocksize,
		Blocks:    blocks,
	}
}

// ToRemote returns the manifest to upload as the next version. Every non
// empty slot must be a single block, otherwise ErrNeedReshape is returned.
func (m *LocalFileManifest) ToRemote(author DeviceID, ts time.Time) (*FileManifest, error) {
	var blocks []BlockAccess
	for _, chunks := range m.Blocks {
		if len(chunks) == 0 {
			continue
		}
		if len(chunks) > 1 {
			return nil, ErrNeedReshape
		}
		access, err := chunks[0].GetBlockAccess()
		if err != nil {
			return nil, ErrNeedReshape
		}
		blocks = append(blocks, access)
	}

	return &FileManifest{
		Author:    author,
		Timestamp: ts,
		ID:        m.Base.ID,
		Parent:    m.Parent,
		Version:   m.Base.Version + 1,
		Created:   m.Base.Created,
		Updated:   m.Updated,
		Size:      m.Size,
		Blocksize: m.Blocksize,
		Blocks:    blocks,
	}, nil
}

// GetChunks returns the chunks of slot i, nil when the slot does not exist.
func (m *LocalFileManifest) GetChunks(i int) []ChunkView {
	if i < 0 || i >= len(m.Blocks) {
		return nil
	}
	return m.Blocks[i]
}

// IsReshaped reports whether every non empty slot is exactly one block.
func (m *LocalFileManifest) IsReshaped() bool {
	for _, chunks := range m.Blocks {
		if len(chunks) == 0 {
			continue
		}
		if len(chunks) > 1 || !chunks[0].IsBlock() {
			return false
		}
	}
	return true
}

// SetSingleBlock replaces slot i by chunk and returns the chunks that were
// there. ok is false when the slot does not exist.
func (m *LocalFileManifest) SetSingleBlock(i int, chunk ChunkView) (previous []ChunkView, ok bool) {
	if i < 0 || i >= len(m.Blocks) {
		return nil, false
	}
	previous = m.Blocks[i]
	m.Blocks[i] = []ChunkView{chunk}
	return previous, true
}

// ChunkIDs lists every chunk id referenced by the manifest.
func (m *LocalFileManifest) ChunkIDs() []ChunkID {
	var ids []ChunkID
	for _, chunks := range m.Blocks {
		for _, c := range chunks {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (m *LocalFileManifest) Clone() *LocalFileManifest {
	c := *m
	c.Base = *m.Base.Clone()
	if m.Blocks != nil {
		c.Blocks = make([][]ChunkView, len(m.Blocks))
		for i, chunks := range m.Blocks {
			if chunks == nil {
				continue
			}
			c.Blocks[i] = make([]ChunkView, len(chunks))
			for j, chunk := range chunks {
				c.Blocks[i][j] = chunk.Clone()
			}
		}
	}
	return &c
}

// CheckDataIntegrity verifies the chunk layout: each chunk belongs to its
// block span, chunks are sorted without overlap and the last one ends
// within the file size.
func (m *LocalFileManifest) CheckDataIntegrity() error {
	if m.Base.ID == m.Parent {
		return integrityError("LocalFileManifest", "id and parent are different")
	}
	if m.Blocksize < 8 {
		return integrityError("LocalFileManifest", "blocksize >= 8")
	}

	var currentOffset uint64
	for i, chunks := range m.Blocks {
		spanStart := uint64(i) * m.Blocksize
		spanStop := spanStart + m.Blocksize
		for _, chunk := range chunks {
			if err := chunk.CheckDataIntegrity(); err != nil {
				return err
			}
			if chunk.Start < spanStart || chunk.Stop > spanStop {
				return integrityError("LocalFileManifest", "chunk view belongs to the block span")
			}
			if chunk.Start < currentOffset {
				return integrityError("LocalFileManifest", "chunk views are ordered and do not overlap")
			}
			currentOffset = chunk.Stop
		}
	}
	if currentOffset > m.Size {
		return integrityError("LocalFileManifest", "file size is consistent with the last chunk view")
	}
	return nil
}
