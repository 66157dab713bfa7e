package models

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func block(offset, size uint64) BlockAccess {
	return BlockAccess{
		ID:     uuid.New(),
		Key:    cryptox.GenerateSecretKey(),
		Offset: offset,
		Size:   size,
		Digest: cryptox.Digest([]byte{byte(offset)}),
	}
}

func remoteFile(blocksize, size uint64, blocks ...BlockAccess) FileManifest {
	return FileManifest{
		Author:    uuid.New(),
		Timestamp: t0,
		ID:        uuid.New(),
		Parent:    uuid.New(),
		Version:   3,
		Created:   t0,
		Updated:   t0.Add(time.Hour),
		Size:      size,
		Blocksize: blocksize,
		Blocks:    blocks,
	}
}

func TestLocalFile_New(t *testing.T) {
	author, parent := uuid.New(), uuid.New()
	m := NewLocalFileManifest(author, parent, t0)

	assert.Equal(t, uint32(0), m.Base.Version)
	assert.True(t, m.NeedSync)
	assert.Equal(t, DefaultBlocksize, m.Blocksize)
	assert.Equal(t, parent, m.Parent)
	assert.NotEqual(t, parent, m.Base.ID)
	require.NoError(t, m.CheckDataIntegrity())
}

func TestLocalFile_FromRemoteToRemote(t *testing.T) {
	remote := remoteFile(16, 40, block(0, 16), block(32, 8))

	local := LocalFileFromRemote(remote)
	require.NoError(t, local.CheckDataIntegrity())
	assert.False(t, local.NeedSync)
	require.Len(t, local.Blocks, 3)
	assert.Len(t, local.Blocks[0], 1)
	assert.Empty(t, local.Blocks[1], "missing span is an empty slot")
	assert.Len(t, local.Blocks[2], 1)
	assert.True(t, local.IsReshaped())

	author := uuid.New()
	ts := t0.Add(2 * time.Hour)
	out, err := local.ToRemote(author, ts)
	require.NoError(t, err)

	want := remote
	want.Author = author
	want.Timestamp = ts
	want.Version = remote.Version + 1
	assert.Empty(t, cmp.Diff(&want, out))
}

func TestLocalFile_ToRemoteNeedsReshape(t *testing.T) {
	m := NewLocalFileManifest(uuid.New(), uuid.New(), t0)
	m.Blocksize = 16
	m.Size = 10
	m.Blocks = [][]ChunkView{{NewChunkView(0, 4), NewChunkView(4, 10)}}

	assert.False(t, m.IsReshaped())
	_, err := m.ToRemote(uuid.New(), t0)
	require.ErrorIs(t, err, ErrNeedReshape)

	// A single chunk that is not a block is not enough either.
	m.Blocks = [][]ChunkView{{NewChunkView(0, 10)}}
	_, err = m.ToRemote(uuid.New(), t0)
	require.ErrorIs(t, err, ErrNeedReshape)

	require.NoError(t, m.Blocks[0][0].PromoteAsBlock(make([]byte, 10)))
	_, err = m.ToRemote(uuid.New(), t0)
	require.NoError(t, err)
}

func TestLocalFile_SetSingleBlockAndGetChunks(t *testing.T) {
	m := NewLocalFileManifest(uuid.New(), uuid.New(), t0)
	m.Blocksize = 16
	m.Size = 16
	old := []ChunkView{NewChunkView(0, 8), NewChunkView(8, 16)}
	m.Blocks = [][]ChunkView{old}

	replacement := NewChunkView(0, 16)
	previous, ok := m.SetSingleBlock(0, replacement)
	require.True(t, ok)
	assert.Equal(t, old, previous)
	assert.Equal(t, []ChunkView{replacement}, m.GetChunks(0))

	_, ok = m.SetSingleBlock(3, replacement)
	assert.False(t, ok)
	assert.Nil(t, m.GetChunks(3))
	assert.Equal(t, []ChunkID{replacement.ID}, m.ChunkIDs())
}

func TestLocalFile_CheckDataIntegrity(t *testing.T) {
	base := func() *LocalFileManifest {
		m := NewLocalFileManifest(uuid.New(), uuid.New(), t0)
		m.Blocksize = 16
		m.Size = 20
		m.Blocks = [][]ChunkView{{NewChunkView(0, 16)}, {NewChunkView(16, 20)}}
		return m
	}
	require.NoError(t, base().CheckDataIntegrity())

	tests := []struct {
		name   string
		mutate func(*LocalFileManifest)
	}{
		{"id equals parent", func(m *LocalFileManifest) { m.Parent = m.Base.ID }},
		{"chunk outside its span", func(m *LocalFileManifest) { m.Blocks[1] = []ChunkView{NewChunkView(8, 20)} }},
		{"overlapping chunks", func(m *LocalFileManifest) {
			m.Blocks[0] = []ChunkView{NewChunkView(0, 10), NewChunkView(5, 16)}
		}},
		{"size smaller than last chunk", func(m *LocalFileManifest) { m.Size = 18 }},
		{"tiny blocksize", func(m *LocalFileManifest) { m.Blocksize = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			require.ErrorIs(t, m.CheckDataIntegrity(), common.ErrDataIntegrity)
		})
	}
}

func TestLocalFile_CloneIsDeep(t *testing.T) {
	m := LocalFileFromRemote(remoteFile(16, 16, block(0, 16)))
	c := m.Clone()
	require.Empty(t, cmp.Diff(m, c, cmpopts.EquateEmpty()))

	c.Blocks[0][0].Access.Size = 1
	c.Base.Blocks[0].Size = 2
	assert.Equal(t, uint64(16), m.Blocks[0][0].Access.Size)
	assert.Equal(t, uint64(16), m.Base.Blocks[0].Size)
}

func TestFileManifest_CheckDataIntegrity(t *testing.T) {
	ok := remoteFile(16, 40, block(0, 16), block(32, 8))
	require.NoError(t, ok.CheckDataIntegrity())

	shared := remoteFile(16, 40, block(0, 8), block(8, 8))
	require.ErrorIs(t, shared.CheckDataIntegrity(), common.ErrDataIntegrity)

	crossing := remoteFile(16, 40, block(8, 16))
	require.ErrorIs(t, crossing.CheckDataIntegrity(), common.ErrDataIntegrity)

	tooShort := remoteFile(16, 10, block(0, 16))
	require.ErrorIs(t, tooShort.CheckDataIntegrity(), common.ErrDataIntegrity)
}
