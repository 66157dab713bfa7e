package fileops

import (
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// WriteOperation asks the caller to store a new local chunk. Offset is the
// position of the chunk start in the caller's buffer; it is negative when
// the chunk begins with padding zeros.
type WriteOperation struct {
	Chunk  models.ChunkView
	Offset int64
}

// Data builds the raw content of the chunk from the buffer given to the
// write. Bytes outside the buffer are zeros.
func (op WriteOperation) Data(content []byte) []byte {
	data := make([]byte, op.Chunk.Size())
	for i := range data {
		src := op.Offset + int64(i)
		if src < 0 || src >= int64(len(content)) {
			continue
		}
		data[i] = content[src]
	}
	return data
}

// PrepareWrite writes size bytes at offset into m. Writing past the end of
// the file fills the gap with zeros. It returns the chunks to store and the
// ids of the chunks no longer referenced.
func PrepareWrite(m *models.LocalFileManifest, size, offset uint64, ts time.Time) ([]WriteOperation, []models.ChunkID) {
	var padding uint64
	if offset > m.Size {
		padding = offset - m.Size
		size += padding
		offset = m.Size
	}
	if size == 0 {
		return nil, nil
	}

	var (
		ops     []WriteOperation
		removed []models.ChunkID
	)
	stop := offset + size
	bs := m.Blocksize
	for block := offset / bs; block*bs < stop; block++ {
		subStart := max(offset, block*bs)
		subStop := min(stop, (block+1)*bs)

		chunk := models.NewChunkView(subStart, subStop)
		ops = append(ops, WriteOperation{
			Chunk:  chunk,
			Offset: int64(subStart-offset) - int64(padding),
		})

		for uint64(len(m.Blocks)) <= block {
			m.Blocks = append(m.Blocks, nil)
		}
		newChunks, gone := blockWrite(m.Blocks[block], subStart, subStop, chunk)
		m.Blocks[block] = newChunks
		removed = append(removed, gone...)
	}

	m.Size = max(m.Size, stop)
	m.NeedSync = true
	m.Updated = ts
	return ops, removed
}

// blockWrite places chunk over [start, stop) in a slot. Chunks partially
// covered keep their uncovered head or tail.
func blockWrite(chunks []models.ChunkView, start, stop uint64, chunk models.ChunkView) ([]models.ChunkView, []models.ChunkID) {
	out := make([]models.ChunkView, 0, len(chunks)+2)
	var overlapped []models.ChunkID
	inserted := false
	for _, c := range chunks {
		switch {
		case c.Stop <= start:
			out = append(out, c)
		case c.Start >= stop:
			if !inserted {
				out = append(out, chunk)
				inserted = true
			}
			out = append(out, c)
		default:
			overlapped = append(overlapped, c.ID)
			if c.Start < start {
				head := c.Clone()
				head.Stop = start
				out = append(out, head)
			}
			if !inserted {
				out = append(out, chunk)
				inserted = true
			}
			if c.Stop > stop {
				tail := c.Clone()
				tail.Start = stop
				out = append(out, tail)
			}
		}
	}
	if !inserted {
		out = append(out, chunk)
	}
	return out, unreferenced(overlapped, out)
}

func unreferenced(candidates []models.ChunkID, kept []models.ChunkView) []models.ChunkID {
	if len(candidates) == 0 {
		return nil
	}
	alive := make(map[models.ChunkID]struct{}, len(kept))
	for _, c := range kept {
		alive[c.ID] = struct{}{}
	}
	var gone []models.ChunkID
	seen := make(map[models.ChunkID]struct{}, len(candidates))
	for _, id := range candidates {
		if _, ok := alive[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		gone = append(gone, id)
	}
	return gone
}

// PrepareResize sets the file size. Growing pads with zeros, shrinking
// drops or clips the chunks past the new end.
func PrepareResize(m *models.LocalFileManifest, size uint64, ts time.Time) ([]WriteOperation, []models.ChunkID) {
	switch {
	case size == m.Size:
		return nil, nil
	case size > m.Size:
		return PrepareWrite(m, 0, size, ts)
	default:
		return nil, prepareTruncate(m, size, ts)
	}
}

func prepareTruncate(m *models.LocalFileManifest, size uint64, ts time.Time) []models.ChunkID {
	bs := m.Blocksize
	last := int(size / bs)
	rem := size % bs

	var dropped []models.ChunkID
	var lastSlot []models.ChunkView
	for i := last; i < len(m.Blocks); i++ {
		for _, c := range m.Blocks[i] {
			if i == last && rem > 0 && c.Start < size {
				clipped := c.Clone()
				clipped.Stop = min(c.Stop, size)
				lastSlot = append(lastSlot, clipped)
				continue
			}
			dropped = append(dropped, c.ID)
		}
	}

	if last < len(m.Blocks) {
		m.Blocks = m.Blocks[:last]
		if rem > 0 {
			m.Blocks = append(m.Blocks, lastSlot)
		}
	}
	m.Size = size
	m.NeedSync = true
	m.Updated = ts
	return unreferenced(dropped, lastSlot)
}
