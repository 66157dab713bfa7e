package merge

import (
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	localAuthor = uuid.New()
	otherAuthor = uuid.New()
	mergeTime   = time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC)
	remoteTime  = time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC)
	noPattern   = models.PreventSyncPattern{}
)

type children = map[models.EntryName]models.VlobID

func folderV1(parent models.VlobID, c children) *models.FolderManifest {
	if c == nil {
		c = children{}
	}
	return &models.FolderManifest{
		Author:    otherAuthor,
		Timestamp: remoteTime,
		ID:        uuid.New(),
		Parent:    parent,
		Version:   1,
		Created:   remoteTime,
		Updated:   remoteTime,
		Children:  c,
	}
}

// next returns the version after base with the given children.
func next(base *models.FolderManifest, author models.DeviceID, c children) *models.FolderManifest {
	r := base.Clone()
	r.Author = author
	r.Version = base.Version + 1
	r.Updated = base.Updated.Add(time.Hour)
	r.Children = c
	return r
}

func localEdit(base *models.FolderManifest, edits map[models.EntryName]*models.VlobID) *models.LocalFolderManifest {
	m := models.LocalFolderFromRemote(*base, noPattern)
	m.EvolveChildrenAndMarkUpdated(edits, noPattern, remoteTime.Add(time.Minute))
	return m
}

func id(v models.VlobID) *models.VlobID { return &v }

func TestMergeLocalFolderManifest_NoChange(t *testing.T) {
	base := folderV1(uuid.New(), nil)
	base.Version = 2
	local := localEdit(base, map[models.EntryName]*models.VlobID{"a": id(uuid.New())})

	older := base.Clone()
	older.Version = 1
	assert.Nil(t, MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, older))
	assert.Nil(t, MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, base))
}

func TestMergeLocalFolderManifest_RemoteOnlyChange(t *testing.T) {
	base := folderV1(uuid.New(), nil)
	local := models.LocalFolderFromRemote(*base, noPattern)
	remote := next(base, otherAuthor, children{"b": uuid.New()})

	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.False(t, merged.NeedSync)
	assert.Equal(t, remote.Updated, merged.Updated)
	assert.Empty(t, cmp.Diff(remote.Children, merged.Children))
	assert.Equal(t, uint32(2), merged.Base.Version)
}

func TestMergeLocalFolderManifest_BothSidesAddEntries(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	base := folderV1(uuid.New(), nil)
	local := localEdit(base, map[models.EntryName]*models.VlobID{"a": &a})
	remote := next(base, otherAuthor, children{"b": b})

	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.True(t, merged.NeedSync)
	assert.Equal(t, mergeTime, merged.Updated)
	assert.Empty(t, cmp.Diff(children{"a": a, "b": b}, merged.Children))
	require.NoError(t, merged.CheckDataIntegrityAsChild())
}

func TestMergeLocalFolderManifest_NameConflict(t *testing.T) {
	mine, theirs := uuid.New(), uuid.New()
	base := folderV1(uuid.New(), nil)
	local := localEdit(base, map[models.EntryName]*models.VlobID{"doc.txt": &mine})
	remote := next(base, otherAuthor, children{
		"doc.txt":                 theirs,
		"doc (name conflict).txt": uuid.New(),
	})

	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.True(t, merged.NeedSync)
	assert.Equal(t, theirs, merged.Children["doc.txt"])
	assert.Equal(t, mine, merged.Children["doc (name conflict 2).txt"])
	assert.Len(t, merged.Children, 3)
}

func TestMergeLocalFolderManifest_ChildrenCases(t *testing.T) {
	x := uuid.New()
	tests := []struct {
		name     string
		local    map[models.EntryName]*models.VlobID
		remote   children
		want     children
		needSync bool
	}{
		{
			name:     "removed locally, untouched remotely",
			local:    map[models.EntryName]*models.VlobID{"x": nil},
			remote:   children{"x": x, "other": uuid.Nil},
			want:     children{"other": uuid.Nil},
			needSync: true,
		},
		{
			name:     "removed locally, renamed remotely",
			local:    map[models.EntryName]*models.VlobID{"x": nil},
			remote:   children{"renamed": x},
			want:     children{"renamed": x},
			needSync: false,
		},
		{
			name:     "renamed locally, untouched remotely",
			local:    map[models.EntryName]*models.VlobID{"x": nil, "mine": &x},
			remote:   children{"x": x, "other": uuid.Nil},
			want:     children{"mine": x, "other": uuid.Nil},
			needSync: true,
		},
		{
			name:   "renamed on both sides",
			local:  map[models.EntryName]*models.VlobID{"x": nil, "mine": &x},
			remote: children{"theirs": x},
			want:   children{"theirs": x},
		},
		{
			name:   "removed remotely, untouched locally",
			local:  map[models.EntryName]*models.VlobID{"new": id(uuid.Nil)},
			remote: children{},
			want:   children{"new": uuid.Nil},
			// the local addition is the only unresolved change
			needSync: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := folderV1(uuid.New(), children{"x": x})
			local := localEdit(base, tt.local)
			remote := next(base, otherAuthor, tt.remote)

			merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
			require.NotNil(t, merged)
			assert.Empty(t, cmp.Diff(tt.want, merged.Children))
			assert.Equal(t, tt.needSync, merged.NeedSync)
		})
	}
}

func TestMergeLocalFolderManifest_Parent(t *testing.T) {
	base := folderV1(uuid.New(), nil)
	movedTo := uuid.New()

	local := models.LocalFolderFromRemote(*base, noPattern)
	local.Parent = movedTo
	local.NeedSync = true

	remote := next(base, otherAuthor, children{"b": uuid.New()})
	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.Equal(t, movedTo, merged.Parent)
	assert.True(t, merged.NeedSync)

	remote.Parent = uuid.New()
	merged = MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.Equal(t, remote.Parent, merged.Parent, "remote wins when both sides moved")
	assert.False(t, merged.NeedSync)
}

func TestMergeLocalFolderManifest_OwnUploadRebases(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	base := folderV1(uuid.New(), nil)
	local := localEdit(base, map[models.EntryName]*models.VlobID{"a": &a})

	uploaded := next(base, localAuthor, children{"a": a})
	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, uploaded)
	require.NotNil(t, merged)
	assert.False(t, merged.NeedSync)
	assert.Equal(t, uint32(2), merged.Base.Version)

	// Modified again while the upload was in flight.
	local.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"b": &b}, noPattern, mergeTime)
	merged = MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, uploaded)
	require.NotNil(t, merged)
	assert.True(t, merged.NeedSync)
	assert.Empty(t, cmp.Diff(children{"a": a, "b": b}, merged.Children))
}

func TestMergeLocalFolderManifest_SpeculativeRootIsMerged(t *testing.T) {
	realm := uuid.New()
	a, b := uuid.New(), uuid.New()
	local := models.NewLocalWorkspaceManifest(localAuthor, realm, remoteTime, true)
	local.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"a": &a}, noPattern, remoteTime)

	remote := &models.FolderManifest{
		Author: localAuthor, Timestamp: remoteTime, ID: realm, Parent: realm,
		Version: 1, Created: remoteTime, Updated: remoteTime,
		Children: children{"b": b},
	}
	merged := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, remote)
	require.NotNil(t, merged)
	assert.Empty(t, cmp.Diff(children{"a": a, "b": b}, merged.Children))
	assert.True(t, merged.NeedSync)
	require.NoError(t, merged.CheckDataIntegrityAsRoot())
}

func TestMergeLocalFolderManifest_KeepsLocalConfinement(t *testing.T) {
	pattern := models.MustPreventSyncPattern(`\.tmp$`)
	tmp, b := uuid.New(), uuid.New()
	base := folderV1(uuid.New(), nil)
	local := models.LocalFolderFromRemote(*base, pattern)
	local.EvolveChildrenAndMarkUpdated(map[models.EntryName]*models.VlobID{"draft.tmp": &tmp}, pattern, remoteTime)
	require.False(t, local.NeedSync)

	remote := next(base, otherAuthor, children{"b": b})
	merged := MergeLocalFolderManifest(localAuthor, mergeTime, pattern, local, remote)
	require.NotNil(t, merged)
	assert.False(t, merged.NeedSync)
	assert.Empty(t, cmp.Diff(children{"b": b, "draft.tmp": tmp}, merged.Children))
	assert.True(t, merged.LocalConfinementPoints.Has(tmp))
}

func TestMergeLocalFolderManifest_SkippingVersionsConverges(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	base := folderV1(uuid.New(), children{"x": uuid.New()})
	local := localEdit(base, map[models.EntryName]*models.VlobID{"a": &a, "x": nil})

	r1 := next(base, otherAuthor, children{"x": base.Children["x"], "b": b})
	r2 := next(r1, otherAuthor, children{"x": base.Children["x"], "b": b, "c": c, "a": uuid.New()})

	step := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, r1)
	require.NotNil(t, step)
	twice := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, step, r2)
	require.NotNil(t, twice)
	once := MergeLocalFolderManifest(localAuthor, mergeTime, noPattern, local, r2)
	require.NotNil(t, once)

	assert.Empty(t, cmp.Diff(once.Children, twice.Children))
	assert.Equal(t, once.NeedSync, twice.NeedSync)
	assert.Equal(t, a, once.Children["a (name conflict)"])
}

func fileV1(blocks ...models.BlockAccess) *models.FileManifest {
	var size uint64
	for _, b := range blocks {
		size = max(size, b.Offset+b.Size)
	}
	return &models.FileManifest{
		Author:    otherAuthor,
		Timestamp: remoteTime,
		ID:        uuid.New(),
		Parent:    uuid.New(),
		Version:   1,
		Created:   remoteTime,
		Updated:   remoteTime,
		Size:      size,
		Blocksize: 16,
		Blocks:    blocks,
	}
}

func block(offset, size uint64) models.BlockAccess {
	return models.BlockAccess{
		ID:     uuid.New(),
		Key:    cryptox.GenerateSecretKey(),
		Offset: offset,
		Size:   size,
		Digest: cryptox.Digest([]byte{byte(offset), byte(size)}),
	}
}

func nextFile(base *models.FileManifest, author models.DeviceID) *models.FileManifest {
	r := base.Clone()
	r.Author = author
	r.Version = base.Version + 1
	r.Updated = base.Updated.Add(time.Hour)
	return r
}

func localWrite(base *models.FileManifest) *models.LocalFileManifest {
	local := models.LocalFileFromRemote(*base)
	local.Blocks[0] = append(local.Blocks[0], models.NewChunkView(4, 8))
	local.Size = 8
	local.NeedSync = true
	local.Updated = remoteTime.Add(time.Minute)
	return local
}

func TestMergeLocalFileManifest_NoChange(t *testing.T) {
	base := fileV1(block(0, 4))
	local := localWrite(base)

	assert.Equal(t, FileNoChange{}, MergeLocalFileManifest(localAuthor, mergeTime, local, base))
}

func TestMergeLocalFileManifest_RemoteOnlyChange(t *testing.T) {
	base := fileV1(block(0, 4))
	local := models.LocalFileFromRemote(*base)
	remote := nextFile(base, otherAuthor)
	remote.Blocks = []models.BlockAccess{block(0, 10)}
	remote.Size = 10

	out := MergeLocalFileManifest(localAuthor, mergeTime, local, remote)
	merged, ok := out.(FileMerged)
	require.True(t, ok)
	assert.False(t, merged.Manifest.NeedSync)
	assert.Equal(t, uint64(10), merged.Manifest.Size)
	assert.Equal(t, remote.Blocks[0].ID, merged.Manifest.Blocks[0][0].ID)
}

func TestMergeLocalFileManifest_LocalContentKeptWhenRemoteOnlyMoved(t *testing.T) {
	base := fileV1(block(0, 4))
	local := localWrite(base)
	remote := nextFile(base, otherAuthor)
	remote.Parent = uuid.New()

	out := MergeLocalFileManifest(localAuthor, mergeTime, local, remote)
	merged, ok := out.(FileMerged)
	require.True(t, ok)
	m := merged.Manifest
	assert.True(t, m.NeedSync)
	assert.Equal(t, mergeTime, m.Updated)
	assert.Equal(t, remote.Parent, m.Parent)
	assert.Equal(t, uint32(2), m.Base.Version)
	assert.Equal(t, uint64(8), m.Size)
	assert.Len(t, m.Blocks[0], 2)
	require.NoError(t, m.CheckDataIntegrity())
}

func TestMergeLocalFileManifest_ContentConflict(t *testing.T) {
	base := fileV1(block(0, 4))
	local := localWrite(base)
	remote := nextFile(base, otherAuthor)
	remote.Blocks = []models.BlockAccess{block(0, 6)}
	remote.Size = 6

	out := MergeLocalFileManifest(localAuthor, mergeTime, local, remote)
	conflict, ok := out.(FileConflict)
	require.True(t, ok)
	assert.Equal(t, remote.Version, conflict.Remote.Version)
}

func TestMergeLocalFileManifest_ParentMovedLocally(t *testing.T) {
	base := fileV1(block(0, 4))
	local := models.LocalFileFromRemote(*base)
	local.Parent = uuid.New()
	local.NeedSync = true

	remote := nextFile(base, otherAuthor)
	remote.Blocks = []models.BlockAccess{block(0, 6)}
	remote.Size = 6

	merged, ok := MergeLocalFileManifest(localAuthor, mergeTime, local, remote).(FileMerged)
	require.True(t, ok)
	assert.Equal(t, local.Parent, merged.Manifest.Parent)
	assert.True(t, merged.Manifest.NeedSync)
	assert.Equal(t, uint64(6), merged.Manifest.Size)
}

func TestMergeLocalFileManifest_OwnUploadRebases(t *testing.T) {
	base := fileV1(block(0, 4))
	local := models.LocalFileFromRemote(*base)
	local.Parent = uuid.New()
	local.NeedSync = true

	uploaded := nextFile(base, localAuthor)
	uploaded.Parent = local.Parent

	merged, ok := MergeLocalFileManifest(localAuthor, mergeTime, local, uploaded).(FileMerged)
	require.True(t, ok)
	assert.False(t, merged.Manifest.NeedSync)
	assert.Equal(t, uint32(2), merged.Manifest.Base.Version)

	// Written again while uploading.
	local = localWrite(base)
	uploaded = nextFile(base, localAuthor)
	merged, ok = MergeLocalFileManifest(localAuthor, mergeTime, local, uploaded).(FileMerged)
	require.True(t, ok)
	assert.True(t, merged.Manifest.NeedSync)
	assert.Equal(t, uint64(8), merged.Manifest.Size)
}

func TestConflictName(t *testing.T) {
	none := func(models.EntryName) bool { return false }
	tests := []struct {
		in   models.EntryName
		want models.EntryName
	}{
		{"doc.txt", "doc (name conflict).txt"},
		{"archive.tar.gz", "archive (name conflict).tar.gz"},
		{"README", "README (name conflict)"},
		{".bashrc", ".bashrc (name conflict)"},
		{".config.yml", ".config (name conflict).yml"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConflictName(tt.in, NameConflictSuffix, none), string(tt.in))
	}

	taken := map[models.EntryName]bool{
		"doc (content conflict).txt":   true,
		"doc (content conflict 2).txt": true,
	}
	got := ConflictName("doc.txt", ContentConflictSuffix, func(n models.EntryName) bool { return taken[n] })
	assert.Equal(t, models.EntryName("doc (content conflict 3).txt"), got)
}

func TestConflictName_TooLong(t *testing.T) {
	none := func(models.EntryName) bool { return false }

	long := models.EntryName(strings.Repeat("x", models.MaxEntryNameLen))
	got := ConflictName(long, NameConflictSuffix, none)
	assert.LessOrEqual(t, len(got), models.MaxEntryNameLen)
	assert.True(t, strings.HasSuffix(string(got), "(name conflict)"))

	longExt := models.EntryName("a." + strings.Repeat("e", 250))
	got = ConflictName(longExt, NameConflictSuffix, none)
	assert.LessOrEqual(t, len(got), models.MaxEntryNameLen)
	_, err := models.NewEntryName(string(got))
	require.NoError(t, err)
}
