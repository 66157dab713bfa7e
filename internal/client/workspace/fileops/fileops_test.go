package fileops

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// memFile mirrors what the workspace does with the plans: chunk data lives
// in a map and the expected content in a plain slice.
type memFile struct {
	t        *testing.T
	m        *models.LocalFileManifest
	chunks   map[models.ChunkID][]byte
	expected []byte
}

func newMemFile(t *testing.T, blocksize uint64) *memFile {
	m := models.NewLocalFileManifest(uuid.New(), uuid.New(), ts)
	m.Blocksize = blocksize
	m.Base.Blocksize = blocksize
	return &memFile{t: t, m: m, chunks: map[models.ChunkID][]byte{}}
}

func (f *memFile) fetch(c models.ChunkView) ([]byte, error) {
	data, ok := f.chunks[c.ID]
	if !ok {
		return nil, fmt.Errorf("chunk %s missing", c.ID)
	}
	return data, nil
}

func (f *memFile) forget(ids []models.ChunkID) {
	for _, id := range ids {
		delete(f.chunks, id)
	}
}

func (f *memFile) write(data []byte, offset uint64) {
	ops, removed := PrepareWrite(f.m, uint64(len(data)), offset, ts)
	for _, op := range ops {
		f.chunks[op.Chunk.ID] = op.Data(data)
	}
	f.forget(removed)

	if end := offset + uint64(len(data)); end > uint64(len(f.expected)) {
		f.expected = append(f.expected, make([]byte, end-uint64(len(f.expected)))...)
	}
	copy(f.expected[offset:], data)
}

func (f *memFile) resize(size uint64) {
	ops, removed := PrepareResize(f.m, size, ts)
	for _, op := range ops {
		f.chunks[op.Chunk.ID] = op.Data(nil)
	}
	f.forget(removed)

	if size > uint64(len(f.expected)) {
		f.expected = append(f.expected, make([]byte, size-uint64(len(f.expected)))...)
	} else {
		f.expected = f.expected[:size]
	}
}

func (f *memFile) reshape() {
	for _, op := range PrepareReshape(f.m) {
		data, err := op.Assemble(f.fetch)
		require.NoError(f.t, err)
		removed, err := op.Commit(data)
		require.NoError(f.t, err)
		f.chunks[op.Destination().ID] = data
		f.forget(removed)
	}
}

func (f *memFile) read(size, offset uint64) []byte {
	data, err := Assemble(PrepareRead(f.m, size, offset), f.fetch)
	require.NoError(f.t, err)
	return data
}

func (f *memFile) check() {
	f.t.Helper()
	require.NoError(f.t, f.m.CheckDataIntegrity())
	require.Equal(f.t, uint64(len(f.expected)), f.m.Size)
	require.True(f.t, bytes.Equal(f.expected, f.read(f.m.Size, 0)), "content mismatch")

	referenced := map[models.ChunkID]struct{}{}
	for _, id := range f.m.ChunkIDs() {
		referenced[id] = struct{}{}
		require.Contains(f.t, f.chunks, id)
	}
	assert.Len(f.t, f.chunks, len(referenced), "unreferenced chunks were not reported as removed")
}

func TestPrepareRead_ClampsToSize(t *testing.T) {
	f := newMemFile(t, 16)
	f.write([]byte("hello world"), 0)

	assert.Equal(t, []byte("world"), f.read(100, 6))
	assert.Empty(t, f.read(10, 11))
	assert.Empty(t, f.read(10, 50))
	assert.Nil(t, PrepareRead(f.m, 0, 0))
}

func TestPrepareRead_HolesReadAsZeros(t *testing.T) {
	m := models.NewLocalFileManifest(uuid.New(), uuid.New(), ts)
	m.Blocksize = 16
	c := models.NewChunkView(20, 24)
	m.Blocks = [][]models.ChunkView{nil, {c}}
	m.Size = 40

	parts := PrepareRead(m, 40, 0)
	require.Len(t, parts, 5)
	assert.Nil(t, parts[0].Chunk)
	assert.Equal(t, ReadPart{Start: 0, Stop: 16}, parts[0])
	assert.Equal(t, ReadPart{Start: 16, Stop: 20}, parts[1])
	require.NotNil(t, parts[2].Chunk)
	assert.Equal(t, uint64(20), parts[2].Start)
	assert.Equal(t, uint64(24), parts[2].Stop)
	assert.Equal(t, ReadPart{Start: 24, Stop: 32}, parts[3])
	assert.Equal(t, ReadPart{Start: 32, Stop: 40}, parts[4])

	data, err := Assemble(PrepareRead(m, 40, 0), func(models.ChunkView) ([]byte, error) {
		return []byte("abcd"), nil
	})
	require.NoError(t, err)
	want := make([]byte, 40)
	copy(want[20:], "abcd")
	assert.Equal(t, want, data)
}

func TestPrepareWrite_SplitsAcrossBlocks(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("0123456789abcdefXY"), 0)

	require.Len(t, f.m.Blocks, 3)
	for i, slot := range f.m.Blocks {
		require.Len(t, slot, 1, "slot %d", i)
	}
	assert.True(t, f.m.NeedSync)
	f.check()
}

func TestPrepareWrite_OverwriteKeepsHeadAndTail(t *testing.T) {
	f := newMemFile(t, 32)
	f.write([]byte("aaaaaaaaaaaaaaaa"), 0)
	original := f.m.Blocks[0][0].ID

	ops, removed := PrepareWrite(f.m, 4, 6, ts)
	require.Len(t, ops, 1)
	assert.Empty(t, removed)
	require.Len(t, f.m.Blocks[0], 3)
	assert.Equal(t, original, f.m.Blocks[0][0].ID)
	assert.Equal(t, uint64(6), f.m.Blocks[0][0].Stop)
	assert.Equal(t, ops[0].Chunk.ID, f.m.Blocks[0][1].ID)
	assert.Equal(t, original, f.m.Blocks[0][2].ID)
	assert.Equal(t, uint64(10), f.m.Blocks[0][2].Start)
}

func TestPrepareWrite_FullOverwriteRemovesChunk(t *testing.T) {
	f := newMemFile(t, 32)
	f.write([]byte("abcd"), 0)
	old := f.m.Blocks[0][0].ID

	_, removed := PrepareWrite(f.m, 8, 0, ts)
	assert.Equal(t, []models.ChunkID{old}, removed)
}

func TestPrepareWrite_PastEndPadsWithZeros(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("ab"), 0)

	ops, _ := PrepareWrite(f.m, 2, 12, ts)
	require.Len(t, ops, 2)
	assert.Equal(t, int64(-10), ops[0].Offset)
	assert.Equal(t, make([]byte, 6), ops[0].Data([]byte("cd")))
	assert.Equal(t, []byte{0, 0, 0, 0, 'c', 'd'}, ops[1].Data([]byte("cd")))
	assert.Equal(t, uint64(14), f.m.Size)
}

func TestPrepareWrite_EmptyIsNoop(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("abc"), 0)
	f.m.NeedSync = false

	ops, removed := PrepareWrite(f.m, 0, 2, ts)
	assert.Nil(t, ops)
	assert.Nil(t, removed)
	assert.False(t, f.m.NeedSync)
}

func TestPrepareResize(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("0123456789abcdefghij"), 0)

	f.resize(11)
	require.Len(t, f.m.Blocks, 2)
	assert.Equal(t, uint64(11), f.m.Blocks[1][0].Stop)
	f.check()

	f.resize(16)
	f.check()

	f.resize(8)
	require.Len(t, f.m.Blocks, 1)
	f.check()

	f.resize(0)
	assert.Empty(t, f.m.Blocks)
	f.check()

	ops, removed := PrepareResize(f.m, 0, ts)
	assert.Nil(t, ops)
	assert.Nil(t, removed)
}

func TestPrepareReshape(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("abcdefghij"), 0)
	f.write([]byte("XY"), 2)
	f.write([]byte("Z"), 9)

	require.False(t, f.m.IsReshaped())
	ops := PrepareReshape(f.m)
	require.Len(t, ops, 2)
	assert.False(t, ops[0].InPlace())
	assert.Len(t, ops[0].Source(), 3)

	f.reshape()
	require.True(t, f.m.IsReshaped())
	f.check()

	_, err := f.m.ToRemote(uuid.New(), ts)
	require.NoError(t, err)
	assert.Empty(t, PrepareReshape(f.m), "reshape is idempotent")
}

func TestPrepareReshape_PseudoBlockIsPromotedInPlace(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("abcd"), 0)
	id := f.m.Blocks[0][0].ID

	ops := PrepareReshape(f.m)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].InPlace())

	data, err := ops[0].Assemble(f.fetch)
	require.NoError(t, err)
	removed, err := ops[0].Commit(data)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, id, f.m.Blocks[0][0].ID)
	assert.True(t, f.m.Blocks[0][0].IsBlock())
}

func TestReshapeOperation_StaleCommit(t *testing.T) {
	f := newMemFile(t, 8)
	f.write([]byte("abcd"), 0)
	f.write([]byte("ef"), 4)

	ops := PrepareReshape(f.m)
	require.Len(t, ops, 1)
	f.write([]byte("g"), 1)

	_, err := ops[0].Commit(make([]byte, 6))
	require.ErrorIs(t, err, ErrStaleReshape)
}

func TestRandomOperationsMatchOracle(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			f := newMemFile(t, uint64(8+rng.Intn(24)))
			for step := 0; step < 60; step++ {
				switch rng.Intn(10) {
				case 0, 1, 2, 3, 4, 5:
					data := make([]byte, 1+rng.Intn(40))
					rng.Read(data)
					f.write(data, uint64(rng.Intn(len(f.expected)+20)))
				case 6, 7:
					f.resize(uint64(rng.Intn(len(f.expected) + 30)))
				case 8:
					f.reshape()
					require.True(t, f.m.IsReshaped())
				case 9:
					size, offset := uint64(rng.Intn(50)), uint64(rng.Intn(len(f.expected)+10))
					got := f.read(size, offset)
					start := min(offset, uint64(len(f.expected)))
					stop := min(start+size, uint64(len(f.expected)))
					require.True(t, bytes.Equal(f.expected[start:stop], got))
				}
				f.check()
			}
		})
	}
}
