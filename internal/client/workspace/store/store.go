// Package store is the cache in front of the workspace storage. It hands
// out manifests, serializes their modifications with the update lock and
// makes sure a modification is persisted before it becomes visible.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/client/updatelock"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
)

// Storage is the persistence the store relies on, implemented by
// *storage.WorkspaceStorage.
type Storage interface {
	GetManifest(ctx context.Context, id uuid.UUID) (*storage.ManifestRecord, error)
	UpdateManifest(ctx context.Context, rec storage.ManifestRecord) error
	UpdateManifests(ctx context.Context, recs ...storage.ManifestRecord) error
	UpdateManifestAndChunks(ctx context.Context, rec storage.ManifestRecord, newChunks map[uuid.UUID][]byte, removedChunks []uuid.UUID) error
	ListNeedSync(ctx context.Context) ([]uuid.UUID, error)
	ListNeedInboundSync(ctx context.Context) ([]uuid.UUID, error)
	GetRealmCheckpoint(ctx context.Context) (int64, error)
	UpdateRealmCheckpoint(ctx context.Context, checkpoint int64, versions map[uuid.UUID]uint32) error
	GetChunk(ctx context.Context, id uuid.UUID) ([]byte, error)
	GetBlock(ctx context.Context, id uuid.UUID) ([]byte, error)
	SetChunk(ctx context.Context, id uuid.UUID, data []byte) error
	SetBlock(ctx context.Context, id uuid.UUID, data []byte) error
	ClearChunks(ctx context.Context, ids ...uuid.UUID) error
	ClearBlocks(ctx context.Context, ids ...uuid.UUID) error
	PromoteChunkToBlock(ctx context.Context, id uuid.UUID) (bool, error)
	CleanupBlocks(ctx context.Context, limit int) (int, error)
}

var _ Storage = (*storage.WorkspaceStorage)(nil)

// RemoteLoader fetches the last version of a manifest the device has never
// seen. It returns common.ErrEntryNotFound when the server has no such
// entry.
type RemoteLoader interface {
	LoadRemoteManifest(ctx context.Context, id models.VlobID) (models.ChildManifest, error)
}

type Options struct {
	RealmID   uuid.UUID
	Device    models.DeviceID
	LocalKey  cryptox.SecretKey
	Storage   Storage
	Remote    RemoteLoader
	Pattern   models.PreventSyncPattern
	CacheSize uint64
	Blocksize uint64
	Clock     clock.Clock
	Logger    logging.Logger
}

type Store struct {
	realmID     uuid.UUID
	device      models.DeviceID
	localKey    cryptox.SecretKey
	storage     Storage
	remote      RemoteLoader
	pattern     models.PreventSyncPattern
	cacheBlocks int
	clock       clock.Clock
	logger      logging.Logger

	locks   *updatelock.Manager[models.VlobID]
	stopped atomic.Bool

	mu    sync.Mutex
	cache map[models.VlobID]models.LocalChildManifest
}

// Open creates the store and loads the workspace root. A root missing from
// the storage is replaced by a speculative one, persisted as needing sync.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cacheBlocks := 0
	if opts.Blocksize > 0 {
		cacheBlocks = int(opts.CacheSize / opts.Blocksize)
	}
	s := &Store{
		realmID:     opts.RealmID,
		device:      opts.Device,
		localKey:    opts.LocalKey,
		storage:     opts.Storage,
		remote:      opts.Remote,
		pattern:     opts.Pattern,
		cacheBlocks: max(cacheBlocks, 1),
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "store", "realm_id", opts.RealmID),
		locks:       updatelock.New[models.VlobID](opts.Logger),
		cache:       map[models.VlobID]models.LocalChildManifest{},
	}

	root, err := s.loadLocal(ctx, s.realmID)
	switch {
	case err == nil:
		if _, ok := root.(*models.LocalFolderManifest); !ok {
			return nil, fmt.Errorf("%w: workspace root is not a folder", common.ErrDataIntegrity)
		}
	case errors.Is(err, common.ErrEntryNotFound):
		root := models.NewLocalWorkspaceManifest(s.device, s.realmID, s.now(), true)
		if err := s.save(ctx, root); err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "speculative workspace root created")
	default:
		return nil, err
	}
	return s, nil
}

func (s *Store) RealmID() uuid.UUID                    { return s.realmID }
func (s *Store) RootID() models.VlobID                 { return s.realmID }
func (s *Store) Device() models.DeviceID               { return s.device }
func (s *Store) Pattern() models.PreventSyncPattern    { return s.pattern }
func (s *Store) Locks() *updatelock.Manager[uuid.UUID] { return s.locks }

func (s *Store) now() time.Time { return models.NormalizeTime(s.clock.Now()) }

// Stop makes every further operation fail with common.ErrStopped.
func (s *Store) Stop() {
	s.stopped.Store(true)
}

func (s *Store) checkStopped() error {
	if s.stopped.Load() {
		return common.ErrStopped
	}
	return nil
}

// GetManifest returns a copy of the manifest of id, looking in the cache,
// then the storage, then the server.
func (s *Store) GetManifest(ctx context.Context, id models.VlobID) (models.LocalChildManifest, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}

	m, err := s.loadLocal(ctx, id)
	if err == nil || !errors.Is(err, common.ErrEntryNotFound) || s.remote == nil {
		return m, err
	}

	remote, err := s.remote.LoadRemoteManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	local := s.fromRemote(remote)

	// The entry may be getting modified: keep the fetched copy for the
	// caller and let the next inbound sync store it.
	guard, ok := s.locks.TryTake(id)
	if !ok {
		return local, nil
	}
	defer guard.Release()
	if cached, err := s.loadLocal(ctx, id); err == nil {
		return cached, nil
	}
	if err := s.save(ctx, local); err != nil {
		return nil, err
	}
	return local.CloneChild(), nil
}

func (s *Store) fromRemote(remote models.ChildManifest) models.LocalChildManifest {
	switch r := remote.(type) {
	case *models.FileManifest:
		return models.LocalFileFromRemote(*r)
	case *models.FolderManifest:
		return models.LocalFolderFromRemote(*r, s.pattern)
	}
	panic("store: unknown child manifest type")
}

// loadLocal looks in the cache then the storage only.
func (s *Store) loadLocal(ctx context.Context, id models.VlobID) (models.LocalChildManifest, error) {
	s.mu.Lock()
	m, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return m.CloneChild(), nil
	}

	rec, err := s.storage.GetManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrEntryNotFound, id)
	}
	m, err = models.DecryptAndLoadLocal(rec.Blob, s.localKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load manifest %s: %w", common.ErrInternal, id, err)
	}

	s.mu.Lock()
	if cached, ok := s.cache[id]; ok {
		m = cached
	} else {
		s.cache[id] = m
	}
	s.mu.Unlock()
	return m.CloneChild(), nil
}

// record checks m before encrypting it: a manifest that would fail to load
// is never persisted.
func (s *Store) record(m models.LocalChildManifest) (storage.ManifestRecord, error) {
	if err := models.CheckLocalDataIntegrity(m); err != nil {
		return storage.ManifestRecord{}, fmt.Errorf("save manifest %s: %w", m.EntryID(), err)
	}
	blob, err := models.DumpAndEncryptLocal(m, s.localKey)
	if err != nil {
		return storage.ManifestRecord{}, err
	}
	return storage.ManifestRecord{
		ID:            m.EntryID(),
		BaseVersion:   m.BaseVersion(),
		RemoteVersion: m.BaseVersion(),
		NeedSync:      m.IsNeedSync(),
		Blob:          blob,
	}, nil
}

// save persists then caches. The caller must hold the update lock of m or
// be the only one to know about it.
func (s *Store) save(ctx context.Context, ms ...models.LocalChildManifest) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	recs := make([]storage.ManifestRecord, 0, len(ms))
	for _, m := range ms {
		rec, err := s.record(m)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	var err error
	if len(recs) == 1 {
		err = s.storage.UpdateManifest(ctx, recs[0])
	} else {
		err = s.storage.UpdateManifests(ctx, recs...)
	}
	if err != nil {
		return err
	}
	s.cacheAll(ms...)
	return nil
}

func (s *Store) saveWithChunks(ctx context.Context, m *models.LocalFileManifest, newChunks map[models.ChunkID][]byte, removed []models.ChunkID) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	rec, err := s.record(m)
	if err != nil {
		return err
	}
	if err := s.storage.UpdateManifestAndChunks(ctx, rec, newChunks, removed); err != nil {
		return err
	}
	s.cacheAll(m)
	return nil
}

func (s *Store) cacheAll(ms ...models.LocalChildManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		s.cache[m.EntryID()] = m.CloneChild()
	}
}

// GetNeedOutboundSync lists the entries with local changes.
func (s *Store) GetNeedOutboundSync(ctx context.Context) ([]models.VlobID, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}
	return s.storage.ListNeedSync(ctx)
}

// GetNeedInboundSync lists the entries known to have a newer remote version.
func (s *Store) GetNeedInboundSync(ctx context.Context) ([]models.VlobID, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}
	return s.storage.ListNeedInboundSync(ctx)
}

func (s *Store) GetRealmCheckpoint(ctx context.Context) (int64, error) {
	if err := s.checkStopped(); err != nil {
		return 0, err
	}
	return s.storage.GetRealmCheckpoint(ctx)
}

// UpdateRealmCheckpoint records the remote versions of a poll.
func (s *Store) UpdateRealmCheckpoint(ctx context.Context, checkpoint int64, versions map[models.VlobID]uint32) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	return s.storage.UpdateRealmCheckpoint(ctx, checkpoint, versions)
}
