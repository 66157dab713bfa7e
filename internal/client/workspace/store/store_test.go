package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeRemote struct {
	manifests map[models.VlobID]models.ChildManifest
	calls     int
}

func (f *fakeRemote) LoadRemoteManifest(_ context.Context, id models.VlobID) (models.ChildManifest, error) {
	f.calls++
	m, ok := f.manifests[id]
	if !ok {
		return nil, common.ErrEntryNotFound
	}
	return m, nil
}

type harness struct {
	storage *storage.WorkspaceStorage
	opts    Options
	remote  *fakeRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := dbx.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)

	clk := clock.Fake(t0)
	realmID := uuid.New()
	ws, err := storage.NewWorkspaceStorage(ctx, db, realmID, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	remote := &fakeRemote{manifests: map[models.VlobID]models.ChildManifest{}}
	return &harness{
		storage: ws,
		remote:  remote,
		opts: Options{
			RealmID:   realmID,
			Device:    uuid.New(),
			LocalKey:  cryptox.GenerateSecretKey(),
			Storage:   ws,
			Remote:    remote,
			CacheSize: 2 * 16,
			Blocksize: 16,
			Clock:     clk,
			Logger:    logging.Nop(),
		},
	}
}

func (h *harness) open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), h.opts)
	require.NoError(t, err)
	return s
}

func TestOpen_SpeculativeRoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	m, err := s.GetManifest(ctx, s.RootID())
	require.NoError(t, err)
	root := m.(*models.LocalFolderManifest)
	assert.True(t, root.IsRoot())
	assert.True(t, root.Speculative)
	assert.True(t, root.NeedSync)

	need, err := s.GetNeedOutboundSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.VlobID{s.RootID()}, need)

	// A second store over the same storage loads the persisted root.
	again := h.open(t)
	m2, err := again.GetManifest(ctx, s.RootID())
	require.NoError(t, err)
	if diff := cmp.Diff(root, m2.(*models.LocalFolderManifest)); diff != "" {
		t.Errorf("root mismatch (-want +got):\n%s", diff)
	}
}

func TestGetManifest_RemoteFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	_, err := s.GetManifest(ctx, uuid.New())
	require.ErrorIs(t, err, common.ErrEntryNotFound)

	remote := &models.FileManifest{
		Author:    uuid.New(),
		Timestamp: t0,
		ID:        uuid.New(),
		Parent:    s.RootID(),
		Version:   3,
		Created:   t0,
		Updated:   t0,
		Blocksize: 16,
	}
	h.remote.manifests[remote.ID] = remote

	m, err := s.GetManifest(ctx, remote.ID)
	require.NoError(t, err)
	file := m.(*models.LocalFileManifest)
	assert.Equal(t, uint32(3), file.Base.Version)
	assert.False(t, file.NeedSync)

	// Persisted: no more fetch, even from a fresh store.
	_, err = h.open(t).GetManifest(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, h.remote.calls)
}

func TestUpdaters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	u, err := s.ForUpdateFolder(ctx, s.RootID())
	require.NoError(t, err)
	root := u.Manifest.Clone()
	child := models.NewLocalFileManifest(s.Device(), root.Base.ID, t0)
	id := child.Base.ID
	root.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"a.txt": &id}, s.Pattern(), t0)

	// Not visible before the update.
	u.Manifest.Children["scratch"] = uuid.New()
	m, err := s.GetManifest(ctx, s.RootID())
	require.NoError(t, err)
	assert.Empty(t, m.(*models.LocalFolderManifest).Children)

	require.NoError(t, u.UpdateWithNewChild(ctx, root, child))
	u.Close()

	m, err = s.GetManifest(ctx, s.RootID())
	require.NoError(t, err)
	assert.Equal(t, map[models.EntryName]models.VlobID{"a.txt": id}, m.(*models.LocalFolderManifest).Children)

	_, err = s.ForUpdateFolder(ctx, id)
	require.ErrorIs(t, err, common.ErrNotAFolder)
	_, err = s.ForUpdateFile(ctx, s.RootID(), false)
	require.ErrorIs(t, err, common.ErrNotAFile)

	fu, err := s.ForUpdateFile(ctx, id, false)
	require.NoError(t, err)
	_, err = s.ForUpdateFile(ctx, id, false)
	require.ErrorIs(t, err, common.ErrEntryIsBusy)
	_, err = s.ForUpdateSync(ctx, id, false)
	require.ErrorIs(t, err, common.ErrEntryIsBusy)
	_, err = s.ForUpdateConflict(ctx, s.RootID(), id)
	require.ErrorIs(t, err, common.ErrEntryIsBusy)

	file := fu.Manifest.Clone()
	chunk := models.NewChunkView(0, 3)
	file.Blocks = [][]models.ChunkView{{chunk}}
	file.Size = 3
	require.NoError(t, fu.Update(ctx, file, map[models.ChunkID][]byte{chunk.ID: []byte("abc")}, nil))
	fu.Close()

	data, err := s.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	// Released: a sync updater can now be taken.
	su, err := s.ForUpdateSync(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), su.Manifest.(*models.LocalFileManifest).Size)
	su.Close()

	su, err = s.ForUpdateSync(ctx, uuid.New(), false)
	require.NoError(t, err)
	assert.Nil(t, su.Manifest)
	su.Close()
	assert.Zero(t, h.remote.calls)
}

func TestForUpdateFolder_Waits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	first, err := s.ForUpdateFolder(ctx, s.RootID())
	require.NoError(t, err)

	done := make(chan *FolderUpdater)
	go func() {
		u, err := s.ForUpdateFolder(ctx, s.RootID())
		if err != nil {
			close(done)
			return
		}
		done <- u
	}()

	require.Eventually(t, func() bool { return s.Locks().Waiters(s.RootID()) == 1 }, time.Second, time.Millisecond)
	root := first.Manifest.Clone()
	root.Updated = t0.Add(time.Hour)
	require.NoError(t, first.Update(ctx, root))
	first.Close()

	second := <-done
	require.NotNil(t, second)
	defer second.Close()
	assert.Equal(t, t0.Add(time.Hour), second.Manifest.Updated)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.ForUpdateFolder(cctx, s.RootID())
	require.ErrorIs(t, err, context.Canceled)
}

func TestConflictUpdater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	u, err := s.ForUpdateFolder(ctx, s.RootID())
	require.NoError(t, err)
	root := u.Manifest.Clone()
	child := models.NewLocalFileManifest(s.Device(), root.Base.ID, t0)
	id := child.Base.ID
	root.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"a.txt": &id}, s.Pattern(), t0)
	require.NoError(t, u.UpdateWithNewChild(ctx, root, child))
	u.Close()

	cu, err := s.ForUpdateConflict(ctx, s.RootID(), id)
	require.NoError(t, err)
	_, err = s.ForUpdateFolder(ctx, uuid.New())
	require.Error(t, err)

	sibling := models.NewLocalFileManifest(s.Device(), s.RootID(), t0)
	sid := sibling.Base.ID
	parent := cu.Parent.Clone()
	parent.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"a (content conflict).txt": &sid}, s.Pattern(), t0)
	require.NoError(t, cu.Update(ctx, parent, cu.Child.Clone(), sibling))
	cu.Close()

	gotID, m, err := s.ResolvePath(ctx, "/a (content conflict).txt")
	require.NoError(t, err)
	assert.Equal(t, sid, gotID)
	assert.IsType(t, &models.LocalFileManifest{}, m)
}

func TestResolvePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	u, err := s.ForUpdateFolder(ctx, s.RootID())
	require.NoError(t, err)
	root := u.Manifest.Clone()
	dir := models.NewLocalFolderManifest(s.Device(), root.Base.ID, t0)
	dirID := dir.Base.ID
	root.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"docs": &dirID}, s.Pattern(), t0)
	require.NoError(t, u.UpdateWithNewChild(ctx, root, dir))
	u.Close()

	du, err := s.ForUpdateFolder(ctx, dirID)
	require.NoError(t, err)
	d := du.Manifest.Clone()
	file := models.NewLocalFileManifest(s.Device(), dirID, t0)
	fileID := file.Base.ID
	d.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"f": &fileID}, s.Pattern(), t0)
	require.NoError(t, du.UpdateWithNewChild(ctx, d, file))
	du.Close()

	for _, tt := range []struct {
		path string
		id   models.VlobID
		err  error
	}{
		{path: "/", id: s.RootID()},
		{path: "", id: s.RootID()},
		{path: "/docs", id: dirID},
		{path: "docs//f", id: fileID},
		{path: "/docs/f/", id: fileID},
		{path: "/missing", err: common.ErrEntryNotFound},
		{path: "/docs/f/x", err: common.ErrNotAFolder},
		{path: "/docs/../f", err: common.ErrInvalidPath},
	} {
		t.Run(tt.path, func(t *testing.T) {
			id, _, err := s.ResolvePath(ctx, tt.path)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestChunksAndBlocks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	chunk := models.NewChunkView(0, 4)
	_, err := s.GetChunk(ctx, chunk.ID)
	require.ErrorIs(t, err, common.ErrLocalMiss)

	require.NoError(t, s.SetChunk(ctx, chunk.ID, []byte("data")))
	require.NoError(t, chunk.PromoteAsBlock([]byte("data")))
	require.NoError(t, s.PromoteLocalChunkAsBlock(ctx, chunk.ID))

	_, err = s.GetChunk(ctx, chunk.ID)
	require.ErrorIs(t, err, common.ErrLocalMiss)
	data, err := s.GetChunkOrBlockLocalOnly(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	require.NoError(t, s.ClearBlock(ctx, chunk.ID))
	_, err = s.GetChunkOrBlockLocalOnly(ctx, chunk)
	require.ErrorIs(t, err, common.ErrLocalMiss)

	// The cache holds two blocks of 16 bytes.
	var views []models.ChunkView
	for range 4 {
		v := models.NewChunkView(0, 16)
		require.NoError(t, v.PromoteAsBlock(make([]byte, 16)))
		require.NoError(t, s.SetBlock(ctx, v.ID, make([]byte, 16)))
		views = append(views, v)
	}
	present := 0
	for _, v := range views {
		_, err := s.GetChunkOrBlockLocalOnly(ctx, v)
		if err == nil {
			present++
		} else {
			require.ErrorIs(t, err, common.ErrLocalMiss)
		}
	}
	assert.Equal(t, 2, present)

	other := models.NewChunkView(0, 1)
	require.NoError(t, s.SetChunk(ctx, other.ID, []byte("x")))
	require.NoError(t, s.ClearChunk(ctx, other.ID))
	_, err = s.GetChunk(ctx, other.ID)
	require.ErrorIs(t, err, common.ErrLocalMiss)
}

func TestRealmCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	cp, err := s.GetRealmCheckpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp)

	require.NoError(t, s.UpdateRealmCheckpoint(ctx, 4, map[models.VlobID]uint32{s.RootID(): 2}))
	cp, err = s.GetRealmCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cp)

	need, err := s.GetNeedInboundSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.VlobID{s.RootID()}, need)
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)
	s.Stop()

	_, err := s.GetManifest(ctx, s.RootID())
	require.ErrorIs(t, err, common.ErrStopped)
	_, err = s.ForUpdateFolder(ctx, s.RootID())
	require.ErrorIs(t, err, common.ErrStopped)
	require.ErrorIs(t, s.SetChunk(ctx, uuid.New(), nil), common.ErrStopped)
	_, err = s.GetNeedOutboundSync(ctx)
	require.True(t, errors.Is(err, common.ErrStopped))
}

func TestUpdate_RejectsCorruptedManifest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	u, err := s.ForUpdateFolder(ctx, s.RootID())
	require.NoError(t, err)
	root := u.Manifest.Clone()
	child := models.NewLocalFileManifest(s.Device(), root.Base.ID, t0)
	id := child.Base.ID
	root.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"a.txt": &id}, s.Pattern(), t0)
	require.NoError(t, u.UpdateWithNewChild(ctx, root, child))
	u.Close()

	fu, err := s.ForUpdateFile(ctx, id, false)
	require.NoError(t, err)
	bad := fu.Manifest.Clone()
	bad.Blocks = [][]models.ChunkView{{models.NewChunkView(0, 10), models.NewChunkView(5, 12)}}
	bad.Size = 4
	err = fu.Update(ctx, bad, nil, nil)
	fu.Close()
	require.ErrorIs(t, err, common.ErrDataIntegrity)

	// Neither the cache nor the storage saw the rejected manifest.
	for _, st := range []*Store{s, h.open(t)} {
		m, err := st.GetManifest(ctx, id)
		require.NoError(t, err)
		file := m.(*models.LocalFileManifest)
		assert.Zero(t, file.Size)
		assert.Empty(t, file.Blocks)
	}
}

func TestGetManifest_CorruptedStorageIsInternal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.open(t)

	id := uuid.New()
	require.NoError(t, h.storage.UpdateManifest(ctx, storage.ManifestRecord{ID: id, NeedSync: true, Blob: []byte("not a sealed manifest")}))

	_, err := s.GetManifest(ctx, id)
	require.ErrorIs(t, err, common.ErrInternal)
	require.ErrorIs(t, err, cryptox.ErrDecryption)
}
