package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/updatelock"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

type guard = updatelock.Guard[models.VlobID]

func (s *Store) take(ctx context.Context, id models.VlobID, wait bool) (*guard, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}
	if !wait {
		g, ok := s.locks.TryTake(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", common.ErrEntryIsBusy, id)
		}
		return g, nil
	}
	return s.locks.Take(ctx, id)
}

// FolderUpdater owns the update lock of a folder. Manifest is a private
// copy the caller is free to modify. Close must always be called.
type FolderUpdater struct {
	s        *Store
	guard    *guard
	Manifest *models.LocalFolderManifest
}

// ForUpdateFolder waits for the lock of folder id.
func (s *Store) ForUpdateFolder(ctx context.Context, id models.VlobID) (*FolderUpdater, error) {
	g, err := s.take(ctx, id, true)
	if err != nil {
		return nil, err
	}
	m, err := s.GetManifest(ctx, id)
	if err != nil {
		g.Release()
		return nil, err
	}
	folder, ok := m.(*models.LocalFolderManifest)
	if !ok {
		g.Release()
		return nil, fmt.Errorf("%w: %s", common.ErrNotAFolder, id)
	}
	return &FolderUpdater{s: s, guard: g, Manifest: folder}, nil
}

// Update persists m, then makes it visible.
func (u *FolderUpdater) Update(ctx context.Context, m *models.LocalFolderManifest) error {
	if err := u.s.save(ctx, m); err != nil {
		return err
	}
	u.Manifest = m
	return nil
}

// UpdateWithNewChild persists the folder together with a child nobody else
// knows about yet.
func (u *FolderUpdater) UpdateWithNewChild(ctx context.Context, m *models.LocalFolderManifest, child models.LocalChildManifest) error {
	if err := u.s.save(ctx, child, m); err != nil {
		return err
	}
	u.Manifest = m
	return nil
}

func (u *FolderUpdater) Close() { u.guard.Release() }

// FileUpdater owns the update lock of a file.
type FileUpdater struct {
	s        *Store
	guard    *guard
	Manifest *models.LocalFileManifest
}

// ForUpdateFile takes the lock of file id. Without wait, a busy entry
// fails with common.ErrEntryIsBusy.
func (s *Store) ForUpdateFile(ctx context.Context, id models.VlobID, wait bool) (*FileUpdater, error) {
	g, err := s.take(ctx, id, wait)
	if err != nil {
		return nil, err
	}
	m, err := s.GetManifest(ctx, id)
	if err != nil {
		g.Release()
		return nil, err
	}
	file, ok := m.(*models.LocalFileManifest)
	if !ok {
		g.Release()
		return nil, fmt.Errorf("%w: %s", common.ErrNotAFile, id)
	}
	return &FileUpdater{s: s, guard: g, Manifest: file}, nil
}

// Update persists m along with the chunks it now references and drops the
// chunks it no longer does, then makes it visible.
func (u *FileUpdater) Update(ctx context.Context, m *models.LocalFileManifest, newChunks map[models.ChunkID][]byte, removed []models.ChunkID) error {
	if err := u.s.saveWithChunks(ctx, m, newChunks, removed); err != nil {
		return err
	}
	u.Manifest = m
	return nil
}

func (u *FileUpdater) Close() { u.guard.Release() }

// ChildUpdater owns the update lock of a file or folder. With
// ForUpdateSync, Manifest is nil when the entry is not known locally.
type ChildUpdater struct {
	s        *Store
	guard    *guard
	Manifest models.LocalChildManifest
}

// ForUpdateChild takes the lock of an existing child (file or folder).
func (s *Store) ForUpdateChild(ctx context.Context, id models.VlobID, wait bool) (*ChildUpdater, error) {
	g, err := s.take(ctx, id, wait)
	if err != nil {
		return nil, err
	}
	m, err := s.GetManifest(ctx, id)
	if err != nil {
		g.Release()
		return nil, err
	}
	return &ChildUpdater{s: s, guard: g, Manifest: m}, nil
}

// ForUpdateSync takes the lock of id for a sync transaction. The manifest
// is only looked up locally: a sync must not fetch what it is about to
// merge.
func (s *Store) ForUpdateSync(ctx context.Context, id models.VlobID, wait bool) (*ChildUpdater, error) {
	g, err := s.take(ctx, id, wait)
	if err != nil {
		return nil, err
	}
	m, err := s.loadLocal(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrEntryNotFound):
		m = nil
	default:
		g.Release()
		return nil, err
	}
	return &ChildUpdater{s: s, guard: g, Manifest: m}, nil
}

// Update persists m, then makes it visible.
func (u *ChildUpdater) Update(ctx context.Context, m models.LocalChildManifest) error {
	if err := u.s.save(ctx, m); err != nil {
		return err
	}
	u.Manifest = m
	return nil
}

// UpdateFile is Update for a file whose chunks changed.
func (u *ChildUpdater) UpdateFile(ctx context.Context, m *models.LocalFileManifest, newChunks map[models.ChunkID][]byte, removed []models.ChunkID) error {
	if err := u.s.saveWithChunks(ctx, m, newChunks, removed); err != nil {
		return err
	}
	u.Manifest = m
	return nil
}

func (u *ChildUpdater) Close() { u.guard.Release() }

// ConflictUpdater owns the locks of a file and of its parent folder, to
// save a divergent local content next to the entry.
type ConflictUpdater struct {
	s           *Store
	parentGuard *guard
	childGuard  *guard
	Parent      *models.LocalFolderManifest
	Child       *models.LocalFileManifest
}

// ForUpdateConflict takes both locks without waiting: being busy means
// someone else is touching the entry and the sync will be retried.
func (s *Store) ForUpdateConflict(ctx context.Context, parentID, childID models.VlobID) (*ConflictUpdater, error) {
	childGuard, err := s.take(ctx, childID, false)
	if err != nil {
		return nil, err
	}
	parentGuard, err := s.take(ctx, parentID, false)
	if err != nil {
		childGuard.Release()
		return nil, err
	}
	u := &ConflictUpdater{s: s, parentGuard: parentGuard, childGuard: childGuard}

	child, err := s.loadLocal(ctx, childID)
	if err != nil {
		u.Close()
		return nil, err
	}
	file, ok := child.(*models.LocalFileManifest)
	if !ok {
		u.Close()
		return nil, fmt.Errorf("%w: %s", common.ErrNotAFile, childID)
	}
	parent, err := s.GetManifest(ctx, parentID)
	if err != nil {
		u.Close()
		return nil, err
	}
	folder, ok := parent.(*models.LocalFolderManifest)
	if !ok {
		u.Close()
		return nil, fmt.Errorf("%w: %s", common.ErrNotAFolder, parentID)
	}
	u.Parent, u.Child = folder, file
	return u, nil
}

// Update persists the parent, the entry and the new sibling atomically.
func (u *ConflictUpdater) Update(ctx context.Context, parent *models.LocalFolderManifest, child, sibling *models.LocalFileManifest) error {
	if err := u.s.save(ctx, sibling, child, parent); err != nil {
		return err
	}
	u.Parent, u.Child = parent, child
	return nil
}

// UpdateChild persists the entry alone, for a conflict that went away
// while the locks were taken.
func (u *ConflictUpdater) UpdateChild(ctx context.Context, child *models.LocalFileManifest) error {
	if err := u.s.save(ctx, child); err != nil {
		return err
	}
	u.Child = child
	return nil
}

func (u *ConflictUpdater) Close() {
	u.parentGuard.Release()
	u.childGuard.Release()
}
