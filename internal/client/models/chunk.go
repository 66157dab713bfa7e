package models

import (
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

// BlockAccess describes an encrypted, content-addressed block stored on the
// server. It never changes once created.
type BlockAccess struct {
	ID     BlockID            `cbor:"id"`
	Key    cryptox.SecretKey  `cbor:"key"`
	Offset uint64             `cbor:"offset"`
	Size   uint64             `cbor:"size"`
	Digest cryptox.HashDigest `cbor:"digest"`
}

// ChunkView exposes the [Start, Stop) window of some raw data located at
// [RawOffset, RawOffset+RawSize) in the file. The raw data is either a local
// chunk (Access is nil) or a block once the view has been promoted.
type ChunkView struct {
	ID        ChunkID      `cbor:"id"`
	Start     uint64       `cbor:"start"`
	Stop      uint64       `cbor:"stop"`
	RawOffset uint64       `cbor:"raw_offset"`
	RawSize   uint64       `cbor:"raw_size"`
	Access    *BlockAccess `cbor:"access"`
}

// NewChunkView returns a view over fresh raw data covering exactly [start, stop).
func NewChunkView(start, stop uint64) ChunkView {
	if stop <= start {
		panic("models: chunk view must not be empty")
	}
	return ChunkView{
		ID:        uuid.New(),
		Start:     start,
		Stop:      stop,
		RawOffset: start,
		RawSize:   stop - start,
	}
}

// ChunkViewFromBlockAccess returns the view covering a whole remote block.
func ChunkViewFromBlockAccess(access BlockAccess) ChunkView {
	a := access
	return ChunkView{
		ID:        access.ID,
		Start:     access.Offset,
		Stop:      access.Offset + access.Size,
		RawOffset: access.Offset,
		RawSize:   access.Size,
		Access:    &a,
	}
}

func (c ChunkView) Size() uint64 { return c.Stop - c.Start }

// IsAlignedWithRawData reports whether the view exposes all of its raw data.
func (c ChunkView) IsAlignedWithRawData() bool {
	return c.Start == c.RawOffset && c.Stop == c.RawOffset+c.RawSize
}

func (c ChunkView) block() (BlockAccess, bool) {
	if c.Access == nil {
		return BlockAccess{}, false
	}
	if !c.IsAlignedWithRawData() || c.RawOffset != c.Access.Offset || c.RawSize != c.Access.Size {
		return BlockAccess{}, false
	}
	return *c.Access, true
}

// IsBlock reports whether the view maps exactly one uploaded block.
func (c ChunkView) IsBlock() bool {
	_, ok := c.block()
	return ok
}

// GetBlockAccess returns the block backing the view.
func (c ChunkView) GetBlockAccess() (BlockAccess, error) {
	if a, ok := c.block(); ok {
		return a, nil
	}
	return BlockAccess{}, ErrNotPromotedAsBlock
}

// PromoteAsBlock turns an aligned local chunk into a block whose content is
// data. The block id reuses the chunk id and a fresh key is generated.
func (c *ChunkView) PromoteAsBlock(data []byte) error {
	if c.IsBlock() {
		return ErrAlreadyPromoted
	}
	if !c.IsAlignedWithRawData() {
		return ErrNotAligned
	}

	c.Access = &BlockAccess{
		ID:     c.ID,
		Key:    cryptox.GenerateSecretKey(),
		Offset: c.Start,
		Size:   c.Size(),
		Digest: cryptox.Digest(data),
	}
	return nil
}

// CopyBetweenStartAndStop returns the part of rawData exposed by the view.
// rawData must hold the whole raw chunk.
func (c ChunkView) CopyBetweenStartAndStop(rawData []byte) []byte {
	return rawData[c.Start-c.RawOffset : c.Stop-c.RawOffset]
}

// Equal compares views by value, including the block access.
func (c ChunkView) Equal(o ChunkView) bool {
	if c.ID != o.ID || c.Start != o.Start || c.Stop != o.Stop || c.RawOffset != o.RawOffset || c.RawSize != o.RawSize {
		return false
	}
	if c.Access == nil || o.Access == nil {
		return c.Access == nil && o.Access == nil
	}
	return *c.Access == *o.Access
}

// Clone returns a deep copy.
func (c ChunkView) Clone() ChunkView {
	if c.Access != nil {
		a := *c.Access
		c.Access = &a
	}
	return c
}

func (c ChunkView) CheckDataIntegrity() error {
	switch {
	case c.RawOffset > c.Start:
		return integrityError("ChunkView", "raw_offset <= start")
	case c.Start >= c.Stop:
		return integrityError("ChunkView", "start < stop")
	case c.Stop > c.RawOffset+c.RawSize:
		return integrityError("ChunkView", "stop <= raw_offset + raw_size")
	}
	return nil
}
