package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/merge"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// InboundSyncRoot is InboundSync of the workspace root.
func (o *Ops) InboundSyncRoot(ctx context.Context) (InboundOutcome, error) {
	return o.InboundSync(ctx, o.store.RootID())
}

// InboundSync fetches the last remote version of id and merges it into the
// local manifest. An entry unknown to the server is left untouched.
func (o *Ops) InboundSync(ctx context.Context, id models.VlobID) (InboundOutcome, error) {
	remote, err := o.remote.LoadRemoteManifest(ctx, id)
	if errors.Is(err, common.ErrEntryNotFound) {
		return InboundNoChange, nil
	}
	if err != nil {
		return InboundNoChange, err
	}

	of, unlock, err := o.lockOpened(ctx, id)
	if err != nil {
		return InboundNoChange, err
	}
	defer unlock()

	u, err := o.store.ForUpdateSync(ctx, id, false)
	if errors.Is(err, common.ErrEntryIsBusy) {
		return InboundEntryIsBusy, nil
	}
	if err != nil {
		return InboundNoChange, err
	}
	defer u.Close()

	var updated models.LocalChildManifest
	switch local := u.Manifest.(type) {
	case nil:
		updated, err = o.localFromRemote(remote)
		if err != nil {
			return InboundNoChange, err
		}

	case *models.LocalFolderManifest:
		r, ok := remote.(*models.FolderManifest)
		if !ok {
			return InboundNoChange, fmt.Errorf("%w: %s changed from folder to file", common.ErrDataIntegrity, id)
		}
		merged := merge.MergeLocalFolderManifest(o.device(), o.now(), o.store.Pattern(), local, r)
		if merged == nil {
			return InboundNoChange, nil
		}
		updated = merged

	case *models.LocalFileManifest:
		r, ok := remote.(*models.FileManifest)
		if !ok {
			return InboundNoChange, fmt.Errorf("%w: %s changed from file to folder", common.ErrDataIntegrity, id)
		}
		switch outcome := merge.MergeLocalFileManifest(o.device(), o.now(), local, r).(type) {
		case merge.FileNoChange:
			return InboundNoChange, nil
		case merge.FileMerged:
			updated = outcome.Manifest
		case merge.FileConflict:
			u.Close()
			return o.resolveContentConflict(ctx, of, local.Parent, id, outcome.Remote)
		}
	}

	if err := u.Update(ctx, updated); err != nil {
		return InboundNoChange, err
	}
	refreshOpened(of, updated)
	o.logger.Debug(ctx, "inbound sync done", "entry_id", id, "version", remote.ManifestVersion())
	o.afterInbound(ctx, updated)
	return InboundUpdated, nil
}

func (o *Ops) localFromRemote(remote models.ChildManifest) (models.LocalChildManifest, error) {
	switch r := remote.(type) {
	case *models.FileManifest:
		return models.LocalFileFromRemote(*r), nil
	case *models.FolderManifest:
		return models.LocalFolderFromRemote(*r, o.store.Pattern()), nil
	}
	return nil, fmt.Errorf("%w: unexpected manifest %T", common.ErrInternal, remote)
}

func (o *Ops) afterInbound(ctx context.Context, ms ...models.LocalChildManifest) {
	for _, m := range ms {
		o.notifyInbound(ctx, m.EntryID())
		if m.IsNeedSync() {
			o.notifyOutbound(ctx, m.EntryID())
		}
	}
}

// resolveContentConflict gives the entry the remote content and keeps the
// local one in a new sibling file named "<name> (content conflict)". The
// caller holds the opened file lock, if any.
func (o *Ops) resolveContentConflict(ctx context.Context, of *openedFile, parentID, id models.VlobID, remote *models.FileManifest) (InboundOutcome, error) {
	u, err := o.store.ForUpdateConflict(ctx, parentID, id)
	if errors.Is(err, common.ErrEntryIsBusy) {
		return InboundEntryIsBusy, nil
	}
	if err != nil {
		return InboundNoChange, err
	}
	defer u.Close()

	ts := o.now()
	switch outcome := merge.MergeLocalFileManifest(o.device(), ts, u.Child, remote).(type) {
	case merge.FileNoChange:
		return InboundNoChange, nil
	case merge.FileMerged:
		if err := u.UpdateChild(ctx, outcome.Manifest); err != nil {
			return InboundNoChange, err
		}
		refreshOpened(of, outcome.Manifest)
		o.afterInbound(ctx, outcome.Manifest)
		return InboundUpdated, nil
	}

	local := u.Child
	sibling := models.NewLocalFileManifest(o.device(), parentID, ts)
	sibling.Size = local.Size
	sibling.Blocksize = local.Blocksize
	sibling.Base.Blocksize = local.Blocksize
	sibling.Blocks = local.Clone().Blocks

	name := models.EntryName(id.String())
	for n, childID := range u.Parent.Children {
		if childID == id {
			name = n
			break
		}
	}
	parent := u.Parent.Clone()
	siblingName := merge.ConflictName(name, merge.ContentConflictSuffix, func(candidate models.EntryName) bool {
		_, taken := parent.Children[candidate]
		return taken
	})
	siblingID := sibling.Base.ID
	parent.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{siblingName: &siblingID}, o.store.Pattern(), ts)

	child := models.LocalFileFromRemote(*remote)
	child.Parent = local.Parent
	if child.Parent != remote.Parent {
		child.NeedSync = true
		child.Updated = ts
	}

	if err := u.Update(ctx, parent, child, sibling); err != nil {
		return InboundNoChange, err
	}
	refreshOpened(of, child)

	o.logger.Info(ctx, "content conflict, local changes kept aside",
		"entry_id", id, "sibling_id", siblingID, "sibling_name", siblingName)
	o.afterInbound(ctx, child)
	o.notifyOutbound(ctx, siblingID, parentID)
	return InboundUpdated, nil
}

// RefreshRealmCheckpoint records the remote versions of the entries
// changed on the server since the last call and returns their ids. A realm
// not created yet has no changes.
func (o *Ops) RefreshRealmCheckpoint(ctx context.Context) ([]models.VlobID, error) {
	checkpoint, err := o.store.GetRealmCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := o.cmds.VlobPollChanges(ctx, connection.VlobPollChangesReq{RealmID: o.realmID, LastCheckpoint: checkpoint})
	if err != nil {
		return nil, err
	}
	switch rep.Status {
	case connection.StatusOK:
	case connection.StatusRealmNotFound:
		return nil, nil
	case connection.StatusAuthorNotAllowed:
		return nil, common.ErrNotAllowed
	default:
		return nil, fmt.Errorf("%w: vlob poll changes: unexpected status %q", common.ErrInternal, rep.Status)
	}

	if len(rep.Changes) == 0 && rep.CurrentCheckpoint == checkpoint {
		return nil, nil
	}
	versions := make(map[models.VlobID]uint32, len(rep.Changes))
	ids := make([]models.VlobID, 0, len(rep.Changes))
	for _, ch := range rep.Changes {
		versions[ch.VlobID] = ch.Version
		ids = append(ids, ch.VlobID)
	}
	if err := o.store.UpdateRealmCheckpoint(ctx, rep.CurrentCheckpoint, versions); err != nil {
		return nil, err
	}
	o.logger.Debug(ctx, "realm checkpoint refreshed", "checkpoint", rep.CurrentCheckpoint, "changes", len(ids))
	return ids, nil
}
