package fileops

import (
	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// ReadPart is a contiguous window of a read. Chunk is nil for a hole, which
// reads as zeros; otherwise Chunk is clipped to [Start, Stop) and keeps the
// raw offset of the data it points to.
type ReadPart struct {
	Start uint64
	Stop  uint64
	Chunk *models.ChunkView
}

func (p ReadPart) Size() uint64 { return p.Stop - p.Start }

// PrepareRead returns the parts covering [offset, offset+size) clamped to
// the file size, in order and without gaps.
func PrepareRead(m *models.LocalFileManifest, size, offset uint64) []ReadPart {
	offset = min(offset, m.Size)
	size = min(size, m.Size-offset)
	if size == 0 {
		return nil
	}

	stop := offset + size
	bs := m.Blocksize
	var parts []ReadPart
	for block := offset / bs; block*bs < stop; block++ {
		subStart := max(offset, block*bs)
		subStop := min(stop, (block+1)*bs)
		parts = append(parts, blockRead(m.GetChunks(int(block)), subStart, subStop)...)
	}
	return parts
}

func blockRead(chunks []models.ChunkView, start, stop uint64) []ReadPart {
	var parts []ReadPart
	cursor := start
	for _, c := range chunks {
		if c.Stop <= start {
			continue
		}
		if c.Start >= stop {
			break
		}
		if c.Start > cursor {
			parts = append(parts, ReadPart{Start: cursor, Stop: c.Start})
			cursor = c.Start
		}
		clipped := c.Clone()
		clipped.Start = max(c.Start, start)
		clipped.Stop = min(c.Stop, stop)
		parts = append(parts, ReadPart{Start: clipped.Start, Stop: clipped.Stop, Chunk: &clipped})
		cursor = clipped.Stop
	}
	if cursor < stop {
		parts = append(parts, ReadPart{Start: cursor, Stop: stop})
	}
	return parts
}

// RawFetcher returns the whole raw data of a chunk view: the local chunk or
// the block it was promoted to.
type RawFetcher func(c models.ChunkView) ([]byte, error)

// Assemble concatenates the content of parts. The first fetch error is
// returned as is.
func Assemble(parts []ReadPart, fetch RawFetcher) ([]byte, error) {
	var total uint64
	for _, p := range parts {
		total += p.Size()
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		if p.Chunk == nil {
			buf = append(buf, make([]byte, p.Size())...)
			continue
		}
		raw, err := fetch(*p.Chunk)
		if err != nil {
			return nil, err
		}
		data, err := window(*p.Chunk, raw)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

func window(c models.ChunkView, raw []byte) ([]byte, error) {
	if uint64(len(raw)) < c.RawSize {
		return nil, errShortRaw(c, len(raw))
	}
	return c.CopyBetweenStartAndStop(raw), nil
}
