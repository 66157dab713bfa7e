package fileops

import (
	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// ReshapeOperation turns the chunks of one slot into a single block.
//
// When the slot already holds one local chunk aligned with its raw data the
// operation is in place: the destination is that chunk and committing only
// promotes it.
type ReshapeOperation struct {
	m           *models.LocalFileManifest
	slot        int
	source      []models.ChunkView
	destination models.ChunkView
}

func (op *ReshapeOperation) Slot() int                     { return op.slot }
func (op *ReshapeOperation) Source() []models.ChunkView    { return op.source }
func (op *ReshapeOperation) Destination() models.ChunkView { return op.destination }
func (op *ReshapeOperation) InPlace() bool                 { return len(op.source) == 1 && op.source[0].ID == op.destination.ID }

// PrepareReshape lists the slots of m that are not a single block yet.
func PrepareReshape(m *models.LocalFileManifest) []*ReshapeOperation {
	var ops []*ReshapeOperation
	for i, chunks := range m.Blocks {
		if len(chunks) == 0 {
			continue
		}
		first, last := chunks[0], chunks[len(chunks)-1]
		if len(chunks) == 1 && first.IsBlock() {
			continue
		}

		source := make([]models.ChunkView, len(chunks))
		for j, c := range chunks {
			source[j] = c.Clone()
		}
		var destination models.ChunkView
		if len(chunks) == 1 && first.Access == nil && first.IsAlignedWithRawData() {
			destination = first.Clone()
		} else {
			destination = models.NewChunkView(first.Start, last.Stop)
		}
		ops = append(ops, &ReshapeOperation{m: m, slot: i, source: source, destination: destination})
	}
	return ops
}

// Assemble builds the content of the destination chunk. Gaps between the
// source chunks are zeros.
func (op *ReshapeOperation) Assemble(fetch RawFetcher) ([]byte, error) {
	dst := op.destination
	data := make([]byte, dst.Size())
	for _, c := range op.source {
		raw, err := fetch(c)
		if err != nil {
			return nil, err
		}
		content, err := window(c, raw)
		if err != nil {
			return nil, err
		}
		copy(data[c.Start-dst.Start:], content)
	}
	return data, nil
}

// Commit promotes the destination as a block holding data and makes it the
// only chunk of the slot. It returns the ids no longer referenced.
func (op *ReshapeOperation) Commit(data []byte) ([]models.ChunkID, error) {
	current := op.m.GetChunks(op.slot)
	if !sameChunks(current, op.source) {
		return nil, ErrStaleReshape
	}

	block := op.destination.Clone()
	if err := block.PromoteAsBlock(data); err != nil {
		return nil, err
	}
	op.m.SetSingleBlock(op.slot, block)
	op.destination = block

	ids := make([]models.ChunkID, 0, len(op.source))
	for _, c := range op.source {
		ids = append(ids, c.ID)
	}
	return unreferenced(ids, []models.ChunkView{block}), nil
}

func sameChunks(a, b []models.ChunkView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
