package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/blockstore"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/fileops"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
)

// chunkData returns the raw data behind c, downloading its block when it
// is not cached.
func (o *Ops) chunkData(ctx context.Context, c models.ChunkView) ([]byte, error) {
	data, err := o.store.GetChunkOrBlockLocalOnly(ctx, c)
	if err == nil || !errors.Is(err, common.ErrLocalMiss) || c.Access == nil {
		return data, err
	}
	return o.downloadBlock(ctx, *c.Access)
}

// downloadBlock fetches a block, checks it against its access and caches
// it.
func (o *Ops) downloadBlock(ctx context.Context, access models.BlockAccess) ([]byte, error) {
	keyIndex, ciphertext, err := o.blocks.Download(ctx, o.realmID, access.ID)
	if err != nil {
		return nil, fmt.Errorf("download block %s: %w", access.ID, err)
	}
	sealed, err := o.certif.DecryptForRealm(ctx, o.realmID, keyIndex, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt block %s: %w", access.ID, err)
	}
	data, err := access.Key.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt block %s: %w", access.ID, err)
	}
	if uint64(len(data)) != access.Size || cryptox.Digest(data) != access.Digest {
		return nil, fmt.Errorf("%w: block %s does not match its digest", common.ErrDataIntegrity, access.ID)
	}

	if err := o.store.SetBlock(ctx, access.ID, data); err != nil {
		return nil, err
	}
	return data, nil
}

// uploadBlock encrypts a block with its own key, then with the realm key.
// A rotated realm key costs exactly one certificate poll.
func (o *Ops) uploadBlock(ctx context.Context, access models.BlockAccess, data []byte) error {
	sealed := access.Key.Encrypt(data)
	for attempt := 0; ; attempt++ {
		keyIndex, ciphertext, err := o.certif.EncryptForRealm(ctx, o.realmID, sealed)
		if err != nil {
			return err
		}
		err = o.blocks.Upload(ctx, o.realmID, access.ID, keyIndex, ciphertext)
		if !errors.Is(err, blockstore.ErrBadKeyIndex) || attempt > 0 {
			return err
		}
		if _, err := o.certif.PollServerForNewCertificates(ctx); err != nil {
			return err
		}
	}
}

// LocalMiss is a chunk whose raw data is not on the device.
type LocalMiss struct {
	Slot  int
	Chunk models.ChunkView
}

// ReshapeReport describes what Reshape did to a manifest. Slots listed in
// LocalMisses were left untouched. NewChunks holds the data of the blocks
// created and RemovedChunks the chunks no longer referenced: both must be
// persisted with the manifest.
type ReshapeReport struct {
	Reshaped      int
	LocalMisses   []LocalMiss
	NewChunks     map[models.ChunkID][]byte
	RemovedChunks []models.ChunkID
}

// Reshape turns every slot of m into a single block, using local data
// only. m is modified in place.
func (o *Ops) Reshape(ctx context.Context, m *models.LocalFileManifest) (ReshapeReport, error) {
	report := ReshapeReport{NewChunks: map[models.ChunkID][]byte{}}

	for _, op := range fileops.PrepareReshape(m) {
		var miss *LocalMiss
		data, err := op.Assemble(func(c models.ChunkView) ([]byte, error) {
			raw, err := o.store.GetChunkOrBlockLocalOnly(ctx, c)
			if errors.Is(err, common.ErrLocalMiss) {
				miss = &LocalMiss{Slot: op.Slot(), Chunk: c}
			}
			return raw, err
		})
		if miss != nil {
			report.LocalMisses = append(report.LocalMisses, *miss)
			continue
		}
		if err != nil {
			return report, err
		}

		removed, err := op.Commit(data)
		if err != nil {
			return report, err
		}
		if !op.InPlace() {
			report.NewChunks[op.Destination().ID] = data
		}
		report.RemovedChunks = append(report.RemovedChunks, removed...)
		report.Reshaped++
	}
	return report, nil
}
