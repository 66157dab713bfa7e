package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// EntryType is "file" or "folder".
type EntryType string

const (
	EntryTypeFile   EntryType = "file"
	EntryTypeFolder EntryType = "folder"
)

// EntryStat describes an entry as seen from this device.
type EntryStat struct {
	ID          models.VlobID
	Parent      models.VlobID
	Type        EntryType
	Created     time.Time
	Updated     time.Time
	BaseVersion uint32
	NeedSync    bool
	// Size is only set for files.
	Size uint64
	// Children is only set for folders, sorted.
	Children []models.EntryName
}

func statOf(m models.LocalChildManifest) EntryStat {
	switch m := m.(type) {
	case *models.LocalFileManifest:
		return EntryStat{
			ID:          m.Base.ID,
			Parent:      m.Parent,
			Type:        EntryTypeFile,
			Created:     m.Base.Created,
			Updated:     m.Updated,
			BaseVersion: m.Base.Version,
			NeedSync:    m.NeedSync,
			Size:        m.Size,
		}
	case *models.LocalFolderManifest:
		return EntryStat{
			ID:          m.Base.ID,
			Parent:      m.Parent,
			Type:        EntryTypeFolder,
			Created:     m.Base.Created,
			Updated:     m.Updated,
			BaseVersion: m.Base.Version,
			NeedSync:    m.NeedSync,
			Children:    models.SortedNames(m.Children),
		}
	}
	panic("workspace: unknown local child manifest type")
}

// Stat describes the entry at path.
func (o *Ops) Stat(ctx context.Context, path string) (EntryStat, error) {
	_, m, err := o.store.ResolvePath(ctx, path)
	if err != nil {
		return EntryStat{}, err
	}
	return statOf(m), nil
}

// StatByID describes the entry id.
func (o *Ops) StatByID(ctx context.Context, id models.VlobID) (EntryStat, error) {
	m, err := o.store.GetManifest(ctx, id)
	if err != nil {
		return EntryStat{}, err
	}
	return statOf(m), nil
}

// ListFolder returns the sorted names of the folder at path.
func (o *Ops) ListFolder(ctx context.Context, path string) ([]models.EntryName, error) {
	_, m, err := o.store.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	folder, ok := m.(*models.LocalFolderManifest)
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNotAFolder, path)
	}
	return models.SortedNames(folder.Children), nil
}

// splitParent resolves the folder holding the last element of path.
func (o *Ops) splitParent(ctx context.Context, path string) (models.VlobID, models.EntryName, error) {
	names, err := store.SplitPath(path)
	if err != nil {
		return models.VlobID{}, "", err
	}
	if len(names) == 0 {
		return models.VlobID{}, "", &common.EntryExistsError{EntryID: o.store.RootID()}
	}
	parentID, parent, err := o.store.ResolvePath(ctx, joinPath(names[:len(names)-1]))
	if err != nil {
		return models.VlobID{}, "", err
	}
	if _, ok := parent.(*models.LocalFolderManifest); !ok {
		return models.VlobID{}, "", fmt.Errorf("%w: %s", common.ErrNotAFolder, joinPath(names[:len(names)-1]))
	}
	return parentID, names[len(names)-1], nil
}

func joinPath(names []models.EntryName) string {
	path := ""
	for _, n := range names {
		path += "/" + string(n)
	}
	return path
}

// createChild links a new child built by newChild under name in the
// parent folder. It notifies the child first, then the parent.
func (o *Ops) createChild(ctx context.Context, parentID models.VlobID, name models.EntryName, newChild func(ts time.Time) models.LocalChildManifest) (models.VlobID, error) {
	u, err := o.store.ForUpdateFolder(ctx, parentID)
	if err != nil {
		return models.VlobID{}, err
	}
	defer u.Close()

	if existing, ok := u.Manifest.Children[name]; ok {
		return models.VlobID{}, &common.EntryExistsError{EntryID: existing}
	}

	ts := o.now()
	child := newChild(ts)
	childID := child.EntryID()
	parent := u.Manifest.Clone()
	parent.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{name: &childID}, o.store.Pattern(), ts)
	if err := u.UpdateWithNewChild(ctx, parent, child); err != nil {
		return models.VlobID{}, err
	}

	if parent.LocalConfinementPoints.Has(childID) {
		return childID, nil
	}
	o.notifyOutbound(ctx, childID, parentID)
	return childID, nil
}

func (o *Ops) newFolder(parentID models.VlobID) func(time.Time) models.LocalChildManifest {
	return func(ts time.Time) models.LocalChildManifest {
		return models.NewLocalFolderManifest(o.device(), parentID, ts)
	}
}

func (o *Ops) newFile(parentID models.VlobID) func(time.Time) models.LocalChildManifest {
	return func(ts time.Time) models.LocalChildManifest {
		m := models.NewLocalFileManifest(o.device(), parentID, ts)
		m.Blocksize = o.blocksize
		m.Base.Blocksize = o.blocksize
		return m
	}
}

// CreateFolder creates a folder whose parent must exist.
func (o *Ops) CreateFolder(ctx context.Context, path string) (models.VlobID, error) {
	parentID, name, err := o.splitParent(ctx, path)
	if err != nil {
		return models.VlobID{}, err
	}
	return o.createChild(ctx, parentID, name, o.newFolder(parentID))
}

// CreateFolderAll creates a folder and the missing folders above it. Each
// creation is its own transaction: a concurrent reader may see a folder
// before it is linked from its parent.
func (o *Ops) CreateFolderAll(ctx context.Context, path string) (models.VlobID, error) {
	names, err := store.SplitPath(path)
	if err != nil {
		return models.VlobID{}, err
	}
	if len(names) == 0 {
		return models.VlobID{}, &common.EntryExistsError{EntryID: o.store.RootID()}
	}

	currentID := o.store.RootID()
	for i, name := range names {
		last := i == len(names)-1
		m, err := o.store.GetManifest(ctx, currentID)
		if err != nil {
			return models.VlobID{}, err
		}
		folder, ok := m.(*models.LocalFolderManifest)
		if !ok {
			return models.VlobID{}, fmt.Errorf("%w: %s", common.ErrNotAFolder, joinPath(names[:i]))
		}

		if childID, exists := folder.Children[name]; exists {
			if last {
				return models.VlobID{}, &common.EntryExistsError{EntryID: childID}
			}
			currentID = childID
			continue
		}

		childID, err := o.createChild(ctx, currentID, name, o.newFolder(currentID))
		var exists *common.EntryExistsError
		if errors.As(err, &exists) && !last {
			// Created concurrently.
			childID, err = exists.EntryID, nil
		}
		if err != nil {
			return models.VlobID{}, err
		}
		currentID = childID
	}
	return currentID, nil
}

// CreateFile creates an empty file whose parent must exist.
func (o *Ops) CreateFile(ctx context.Context, path string) (models.VlobID, error) {
	parentID, name, err := o.splitParent(ctx, path)
	if err != nil {
		return models.VlobID{}, err
	}
	return o.createChild(ctx, parentID, name, o.newFile(parentID))
}

// RemoveEntry unlinks a file or an empty folder from its parent.
func (o *Ops) RemoveEntry(ctx context.Context, path string) error {
	parentID, name, err := o.splitParent(ctx, path)
	var exists *common.EntryExistsError
	if errors.As(err, &exists) {
		return common.ErrCannotRemoveRoot
	}
	if err != nil {
		return err
	}

	u, err := o.store.ForUpdateFolder(ctx, parentID)
	if err != nil {
		return err
	}
	defer u.Close()

	childID, ok := u.Manifest.Children[name]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrEntryNotFound, path)
	}
	child, err := o.store.GetManifest(ctx, childID)
	if err != nil {
		return err
	}
	if folder, ok := child.(*models.LocalFolderManifest); ok && len(folder.Children) > 0 {
		return fmt.Errorf("%w: %s", common.ErrFolderNotEmpty, path)
	}

	parent := u.Manifest.Clone()
	parent.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{name: nil}, o.store.Pattern(), o.now())
	if err := u.Update(ctx, parent); err != nil {
		return err
	}
	if parent.NeedSync {
		o.notifyOutbound(ctx, parentID)
	}
	return nil
}

// RenameEntry gives the entry at path a new name in the same folder. With
// overwrite, an existing file or empty folder under newName is replaced.
func (o *Ops) RenameEntry(ctx context.Context, path string, newName string, overwrite bool) error {
	dst, err := models.NewEntryName(newName)
	if err != nil {
		return err
	}
	parentID, name, err := o.splitParent(ctx, path)
	if err != nil {
		return err
	}

	u, err := o.store.ForUpdateFolder(ctx, parentID)
	if err != nil {
		return err
	}
	defer u.Close()

	childID, ok := u.Manifest.Children[name]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrEntryNotFound, path)
	}
	if name == dst {
		return nil
	}
	if existingID, taken := u.Manifest.Children[dst]; taken {
		if !overwrite {
			return &common.EntryExistsError{EntryID: existingID}
		}
		existing, err := o.store.GetManifest(ctx, existingID)
		if err != nil {
			return err
		}
		if folder, ok := existing.(*models.LocalFolderManifest); ok && len(folder.Children) > 0 {
			return fmt.Errorf("%w: %s", common.ErrFolderNotEmpty, dst)
		}
	}

	parent := u.Manifest.Clone()
	parent.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{name: nil, dst: &childID}, o.store.Pattern(), o.now())
	if err := u.Update(ctx, parent); err != nil {
		return err
	}
	if parent.NeedSync {
		o.notifyOutbound(ctx, parentID)
	}
	return nil
}
