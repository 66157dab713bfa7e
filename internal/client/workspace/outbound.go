package workspace

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// maxUploadAttempts bounds the retries of a manifest upload after a
// timestamp or key index rejection.
const maxUploadAttempts = 8

// OutboundSync uploads the local changes of id as a new remote version.
func (o *Ops) OutboundSync(ctx context.Context, id models.VlobID) (OutboundOutcome, error) {
	of, unlock, err := o.lockOpened(ctx, id)
	if err != nil {
		return OutboundDone, err
	}
	defer unlock()

	u, err := o.store.ForUpdateSync(ctx, id, false)
	if errors.Is(err, common.ErrEntryIsBusy) {
		return OutboundEntryIsBusy, nil
	}
	if err != nil {
		return OutboundDone, err
	}
	defer u.Close()

	if u.Manifest == nil || !u.Manifest.IsNeedSync() {
		return OutboundDone, nil
	}
	confined, err := o.isConfined(ctx, u.Manifest)
	if err != nil || confined {
		return OutboundDone, err
	}
	if err := o.ensureBootstrapped(ctx); err != nil {
		return OutboundDone, err
	}

	switch local := u.Manifest.(type) {
	case *models.LocalFolderManifest:
		return o.outboundFolder(ctx, u.Update, local)
	case *models.LocalFileManifest:
		return o.outboundFile(ctx, of, u.Update, u.UpdateFile, local)
	}
	return OutboundDone, fmt.Errorf("%w: unexpected manifest %T", common.ErrInternal, u.Manifest)
}

// isConfined reports whether m is hidden from the server by the prevent
// sync pattern of its parent.
func (o *Ops) isConfined(ctx context.Context, m models.LocalChildManifest) (bool, error) {
	if m.EntryID() == o.store.RootID() {
		return false, nil
	}
	parent, err := o.store.GetManifest(ctx, m.ParentID())
	if errors.Is(err, common.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	folder, ok := parent.(*models.LocalFolderManifest)
	return ok && folder.LocalConfinementPoints.Has(m.EntryID()), nil
}

// ensureBootstrapped creates the realm on the server before its first
// upload.
func (o *Ops) ensureBootstrapped(ctx context.Context) error {
	if o.bootstrapped.Load() {
		return nil
	}
	root, err := o.store.GetManifest(ctx, o.store.RootID())
	if err != nil {
		return err
	}
	if root.BaseVersion() == 0 {
		if err := o.certif.BootstrapWorkspace(ctx, o.realmID); err != nil {
			return fmt.Errorf("bootstrap workspace: %w", err)
		}
	}
	o.bootstrapped.Store(true)
	return nil
}

func (o *Ops) outboundFolder(ctx context.Context, save func(context.Context, models.LocalChildManifest) error, local *models.LocalFolderManifest) (OutboundOutcome, error) {
	var uploaded *models.FolderManifest
	outcome, err := o.uploadManifest(ctx, local, func(ts time.Time) (models.ChildManifest, error) {
		uploaded = local.ToRemote(o.device(), ts)
		return uploaded, nil
	})
	if err != nil || outcome != OutboundDone {
		return outcome, err
	}

	synced := models.LocalFolderFromRemoteWithLocalConfinement(*uploaded, o.store.Pattern(), local, o.now())
	if err := save(ctx, synced); err != nil {
		return OutboundDone, err
	}
	o.logger.Debug(ctx, "outbound sync done", "entry_id", local.Base.ID, "version", uploaded.Version)
	return OutboundDone, nil
}

type fileSaver func(context.Context, *models.LocalFileManifest, map[models.ChunkID][]byte, []models.ChunkID) error

func (o *Ops) outboundFile(ctx context.Context, of *openedFile, save func(context.Context, models.LocalChildManifest) error, saveFile fileSaver, local *models.LocalFileManifest) (OutboundOutcome, error) {
	file := local.Clone()
	if err := o.reshapeForUpload(ctx, file, saveFile); err != nil {
		return OutboundDone, err
	}
	refreshOpened(of, file)

	uploadedBlocks, err := o.uploadNewBlocks(ctx, file)
	if err != nil {
		return OutboundDone, err
	}

	var uploaded *models.FileManifest
	outcome, err := o.uploadManifest(ctx, file, func(ts time.Time) (models.ChildManifest, error) {
		remote, err := file.ToRemote(o.device(), ts)
		uploaded = remote
		return remote, err
	})
	if err != nil || outcome != OutboundDone {
		return outcome, err
	}

	synced := models.LocalFileFromRemote(*uploaded)
	if err := save(ctx, synced); err != nil {
		return OutboundDone, err
	}
	for _, id := range uploadedBlocks {
		if err := o.store.PromoteLocalChunkAsBlock(ctx, id); err != nil {
			return OutboundDone, err
		}
	}
	refreshOpened(of, synced)
	o.logger.Debug(ctx, "outbound sync done", "entry_id", file.Base.ID, "version", uploaded.Version, "blocks", len(uploadedBlocks))
	return OutboundDone, nil
}

// reshapeForUpload turns every slot of file into a single block and
// persists the result. Blocks needed by the reshape and missing from the
// cache are downloaded once.
func (o *Ops) reshapeForUpload(ctx context.Context, file *models.LocalFileManifest, save fileSaver) error {
	report, err := o.Reshape(ctx, file)
	if err != nil {
		return err
	}

	if len(report.LocalMisses) > 0 {
		for _, miss := range report.LocalMisses {
			if miss.Chunk.Access == nil {
				return fmt.Errorf("%w: chunk %s", common.ErrLocalMiss, miss.Chunk.ID)
			}
			if _, err := o.downloadBlock(ctx, *miss.Chunk.Access); err != nil {
				return err
			}
		}
		again, err := o.Reshape(ctx, file)
		if err != nil {
			return err
		}
		if len(again.LocalMisses) > 0 {
			return fmt.Errorf("%w: %d chunks of %s", common.ErrLocalMiss, len(again.LocalMisses), file.Base.ID)
		}
		report.Reshaped += again.Reshaped
		maps.Copy(report.NewChunks, again.NewChunks)
		report.RemovedChunks = append(report.RemovedChunks, again.RemovedChunks...)
	}

	if report.Reshaped == 0 {
		return nil
	}
	return save(ctx, file.Clone(), report.NewChunks, report.RemovedChunks)
}

// uploadNewBlocks uploads the blocks of file still held as local chunks
// and returns their ids.
func (o *Ops) uploadNewBlocks(ctx context.Context, file *models.LocalFileManifest) ([]models.ChunkID, error) {
	var uploaded []models.ChunkID
	for _, slot := range file.Blocks {
		if len(slot) != 1 {
			continue
		}
		access, err := slot[0].GetBlockAccess()
		if err != nil {
			return nil, err
		}
		data, err := o.store.GetChunk(ctx, slot[0].ID)
		if errors.Is(err, common.ErrLocalMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := o.uploadBlock(ctx, access, data); err != nil {
			return nil, fmt.Errorf("upload block %s: %w", access.ID, err)
		}
		uploaded = append(uploaded, slot[0].ID)
	}
	return uploaded, nil
}

// uploadManifest signs, encrypts and sends the manifest of local built by
// craft. A timestamp rejection moves the timestamp past the one the server
// asks for; a key index rejection costs one certificate poll. Every retry
// first checks that local is still uploadable.
func (o *Ops) uploadManifest(ctx context.Context, local models.LocalChildManifest, craft func(ts time.Time) (models.ChildManifest, error)) (OutboundOutcome, error) {
	id := local.EntryID()
	var floor time.Time
	for attempt := range maxUploadAttempts {
		if attempt > 0 {
			outcome, ok, err := o.stillUploadable(ctx, local)
			if err != nil || !ok {
				return outcome, err
			}
		}
		ts := o.now()
		if ts.Before(floor) {
			ts = floor
		}
		remote, err := craft(ts)
		if err != nil {
			return OutboundDone, err
		}
		signed, err := models.DumpAndSignChild(remote, o.certif.SigningKey())
		if err != nil {
			return OutboundDone, err
		}
		keyIndex, blob, err := o.certif.EncryptForRealm(ctx, o.realmID, signed)
		if err != nil {
			return OutboundDone, err
		}

		status, rejection, err := o.sendVlob(ctx, id, remote.ManifestVersion(), keyIndex, ts, blob)
		if err != nil {
			return OutboundDone, err
		}
		switch status {
		case connection.StatusOK:
			return OutboundDone, nil
		case connection.StatusRequireGreaterTimestamp:
			floor = models.NormalizeTime(rejection.StrictlyGreaterThan).Add(time.Microsecond)
		case connection.StatusBadKeyIndex:
			if _, err := o.certif.PollServerForNewCertificates(ctx); err != nil {
				return OutboundDone, err
			}
		case connection.StatusVlobAlreadyExists, connection.StatusBadVlobVersion, connection.StatusVlobNotFound:
			return OutboundInboundSyncNeeded, nil
		case connection.StatusRealmNotFound:
			o.bootstrapped.Store(false)
			if err := o.certif.BootstrapWorkspace(ctx, o.realmID); err != nil {
				return OutboundDone, fmt.Errorf("bootstrap workspace: %w", err)
			}
		case connection.StatusAuthorNotAllowed:
			return OutboundDone, fmt.Errorf("%w: upload %s", common.ErrNotAllowed, id)
		case connection.StatusTimestampOutOfBallpark:
			return OutboundDone, fmt.Errorf("%w: client %s, server %s", common.ErrBadTimestamp,
				rejection.ClientTimestamp.Format(time.RFC3339Nano), rejection.ServerTimestamp.Format(time.RFC3339Nano))
		default:
			return OutboundDone, fmt.Errorf("%w: vlob upload: unexpected status %q", common.ErrInternal, status)
		}
		o.logger.Debug(ctx, "manifest upload rejected, retrying", "entry_id", id, "status", status, "attempt", attempt+1)
	}
	return OutboundDone, fmt.Errorf("%w: %s still rejected after %d attempts", common.ErrVersionConflict, id, maxUploadAttempts)
}

// stillUploadable re-reads the parent of m. An entry its parent no longer
// lists needs an inbound sync; an entry that became confined is done.
func (o *Ops) stillUploadable(ctx context.Context, m models.LocalChildManifest) (OutboundOutcome, bool, error) {
	id := m.EntryID()
	if id == o.store.RootID() {
		return OutboundDone, true, nil
	}
	parent, err := o.store.GetManifest(ctx, m.ParentID())
	if errors.Is(err, common.ErrEntryNotFound) {
		return OutboundInboundSyncNeeded, false, nil
	}
	if err != nil {
		return OutboundDone, false, err
	}
	folder, ok := parent.(*models.LocalFolderManifest)
	if !ok {
		return OutboundInboundSyncNeeded, false, nil
	}
	if folder.LocalConfinementPoints.Has(id) {
		o.logger.Debug(ctx, "entry confined during upload", "entry_id", id)
		return OutboundDone, false, nil
	}
	for _, child := range folder.Children {
		if child == id {
			return OutboundDone, true, nil
		}
	}
	o.logger.Debug(ctx, "entry unlinked during upload", "entry_id", id, "parent_id", folder.Base.ID)
	return OutboundInboundSyncNeeded, false, nil
}

func (o *Ops) sendVlob(ctx context.Context, id models.VlobID, version uint32, keyIndex uint64, ts time.Time, blob []byte) (connection.Status, connection.Rejection, error) {
	if version == 1 {
		rep, err := o.cmds.VlobCreate(ctx, connection.VlobCreateReq{
			RealmID:   o.realmID,
			VlobID:    id,
			KeyIndex:  keyIndex,
			Timestamp: ts,
			Blob:      blob,
		})
		return rep.Status, rep.Rejection, err
	}
	rep, err := o.cmds.VlobUpdate(ctx, connection.VlobUpdateReq{
		RealmID:   o.realmID,
		VlobID:    id,
		KeyIndex:  keyIndex,
		Version:   version,
		Timestamp: ts,
		Blob:      blob,
	})
	return rep.Status, rep.Rejection, err
}
