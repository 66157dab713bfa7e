package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// IDSet is a set of vlob ids.
type IDSet map[VlobID]struct{}

func (s IDSet) Has(id VlobID) bool {
	_, ok := s[id]
	return ok
}

// LocalFolderManifest is the device view of a folder.
//
// Children whose name matches the prevent sync pattern stay on the device:
// LocalConfinementPoints holds the ids of such local entries, and
// RemoteConfinementPoints the ids of base entries hidden locally that must
// be put back when crafting the manifest to upload.
//
// Speculative is only ever true for a workspace root created before its
// remote manifest was fetched: a child missing from it is unknown rather
// than removed.
type LocalFolderManifest struct {
	Base                    FolderManifest
	Parent                  VlobID
	NeedSync                bool
	Updated                 time.Time
	Children                map[EntryName]VlobID
	LocalConfinementPoints  IDSet
	RemoteConfinementPoints IDSet
	Speculative             bool
}

// NewLocalFolderManifest returns an empty never-synchronized folder.
func NewLocalFolderManifest(author DeviceID, parent VlobID, ts time.Time) *LocalFolderManifest {
	return &LocalFolderManifest{
		Base: FolderManifest{
			Author:    author,
			Timestamp: ts,
			ID:        uuid.New(),
			Parent:    parent,
			Created:   ts,
			Updated:   ts,
			Children:  map[EntryName]VlobID{},
		},
		Parent:                  parent,
		NeedSync:                true,
		Updated:                 ts,
		Children:                map[EntryName]VlobID{},
		LocalConfinementPoints:  IDSet{},
		RemoteConfinementPoints: IDSet{},
	}
}

// NewLocalWorkspaceManifest returns the root folder of a workspace, whose
// id and parent are the realm id.
func NewLocalWorkspaceManifest(author DeviceID, realmID VlobID, ts time.Time, speculative bool) *LocalFolderManifest {
	m := NewLocalFolderManifest(author, realmID, ts)
	m.Base.ID = realmID
	m.Speculative = speculative
	return m
}

// IsRoot reports whether the manifest is a workspace root.
func (m *LocalFolderManifest) IsRoot() bool { return m.Base.ID == m.Parent }

// EvolveChildrenAndMarkUpdated applies data (a nil id removes the name).
// The manifest is marked as updated only when a non confined entry changed.
func (m *LocalFolderManifest) EvolveChildrenAndMarkUpdated(data map[EntryName]*VlobID, pattern PreventSyncPattern, ts time.Time) {
	updated := false

	for name := range data {
		oldID, ok := m.Children[name]
		if !ok {
			continue
		}
		delete(m.Children, name)
		if m.LocalConfinementPoints.Has(oldID) {
			delete(m.LocalConfinementPoints, oldID)
		} else {
			updated = true
		}
	}

	for name, id := range data {
		if id == nil {
			continue
		}
		if pattern.IsMatch(name) {
			m.LocalConfinementPoints[*id] = struct{}{}
		} else {
			updated = true
		}
		m.Children[name] = *id
	}

	if updated {
		m.NeedSync = true
		m.Updated = ts
	}
}

// ApplyPreventSyncPattern re-applies confinement, typically after the
// pattern changed.
func (m *LocalFolderManifest) ApplyPreventSyncPattern(pattern PreventSyncPattern, ts time.Time) *LocalFolderManifest {
	return RemoveConfinement(m).ApplyConfinement(m, pattern, ts)
}

// LocalFolderFromRemote builds the local manifest of a fetched remote one,
// hiding the children that match pattern.
func LocalFolderFromRemote(remote FolderManifest, pattern PreventSyncPattern) *LocalFolderManifest {
	return applyConfinementFromRemote(remote, pattern)
}

// LocalFolderFromRemoteWithLocalConfinement is LocalFolderFromRemote that
// also brings back the entries confined in local. The result is an
// intermediate step of a merge, not a merge.
func LocalFolderFromRemoteWithLocalConfinement(remote FolderManifest, pattern PreventSyncPattern, local *LocalFolderManifest, ts time.Time) *LocalFolderManifest {
	return UnconfinedFromRemote(remote).ApplyConfinement(local, pattern, ts)
}

// ToRemote strips local confinement, restores remote confined entries and
// returns the next remote version.
func (m *LocalFolderManifest) ToRemote(author DeviceID, ts time.Time) *FolderManifest {
	return RemoveConfinement(m).IntoRemote(author, ts)
}

func (m *LocalFolderManifest) Clone() *LocalFolderManifest {
	c := *m
	c.Base = *m.Base.Clone()
	c.Children = maps.Clone(m.Children)
	c.LocalConfinementPoints = maps.Clone(m.LocalConfinementPoints)
	c.RemoteConfinementPoints = maps.Clone(m.RemoteConfinementPoints)
	if c.Children == nil {
		c.Children = map[EntryName]VlobID{}
	}
	if c.LocalConfinementPoints == nil {
		c.LocalConfinementPoints = IDSet{}
	}
	if c.RemoteConfinementPoints == nil {
		c.RemoteConfinementPoints = IDSet{}
	}
	return &c
}

// CheckDataIntegrityAsChild validates a non root folder.
func (m *LocalFolderManifest) CheckDataIntegrityAsChild() error {
	if m.Base.ID == m.Parent {
		return integrityError("LocalFolderManifest", "id and parent are different for child manifest")
	}
	return m.checkChildren()
}

// CheckDataIntegrityAsRoot validates a workspace root.
func (m *LocalFolderManifest) CheckDataIntegrityAsRoot() error {
	if m.Base.ID != m.Parent {
		return integrityError("LocalFolderManifest", "id and parent are the same for root manifest")
	}
	return m.checkChildren()
}

func (m *LocalFolderManifest) checkChildren() error {
	seen := make(IDSet, len(m.Children))
	for name, id := range m.Children {
		if _, err := NewEntryName(string(name)); err != nil {
			return integrityError("LocalFolderManifest", "children names are valid")
		}
		if id == m.Base.ID {
			return integrityError("LocalFolderManifest", "folder is not its own child")
		}
		if seen.Has(id) {
			return integrityError("LocalFolderManifest", "children ids are unique")
		}
		seen[id] = struct{}{}
	}
	return nil
}

// UnconfinedLocalFolderManifest is a local folder without the confinement
// bookkeeping: what the folder looks like from the server point of view.
type UnconfinedLocalFolderManifest struct {
	Base        FolderManifest
	Parent      VlobID
	NeedSync    bool
	Updated     time.Time
	Children    map[EntryName]VlobID
	Speculative bool
}

func UnconfinedFromRemote(remote FolderManifest) *UnconfinedLocalFolderManifest {
	return &UnconfinedLocalFolderManifest{
		Base:     *remote.Clone(),
		Parent:   remote.Parent,
		NeedSync: false,
		Updated:  remote.Updated,
		Children: maps.Clone(remote.Children),
	}
}

func (u *UnconfinedLocalFolderManifest) IntoRemote(author DeviceID, ts time.Time) *FolderManifest {
	return &FolderManifest{
		Author:    author,
		Timestamp: ts,
		ID:        u.Base.ID,
		Parent:    u.Parent,
		Version:   u.Base.Version + 1,
		Created:   u.Base.Created,
		Updated:   u.Updated,
		Children:  maps.Clone(u.Children),
	}
}

func applyConfinementFromRemote(remote FolderManifest, pattern PreventSyncPattern) *LocalFolderManifest {
	children := maps.Clone(remote.Children)
	if children == nil {
		children = map[EntryName]VlobID{}
	}
	remotePoints := IDSet{}
	for name, id := range remote.Children {
		if pattern.IsMatch(name) {
			delete(children, name)
			remotePoints[id] = struct{}{}
		}
	}

	return &LocalFolderManifest{
		Base:                    *remote.Clone(),
		Parent:                  remote.Parent,
		NeedSync:                false,
		Updated:                 remote.Updated,
		Children:                children,
		LocalConfinementPoints:  IDSet{},
		RemoteConfinementPoints: remotePoints,
	}
}

// ApplyConfinement confines u with pattern and restores the entries that
// existing keeps on the device:
//   - entries locally confined in existing (renamed back if their id is
//     present under another name);
//   - entries of existing hidden by a remote confinement point that still
//     match the pattern.
//
// Restoring a confined id that the remote exposes under a non confined name
// counts as a change and marks the result as updated at ts.
func (u *UnconfinedLocalFolderManifest) ApplyConfinement(existing *LocalFolderManifest, pattern PreventSyncPattern, ts time.Time) *LocalFolderManifest {
	children := maps.Clone(u.Children)
	if children == nil {
		children = map[EntryName]VlobID{}
	}

	remotePoints := IDSet{}
	for name, id := range u.Base.Children {
		if !pattern.IsMatch(name) {
			continue
		}
		if cur, ok := children[name]; ok && cur == id {
			delete(children, name)
		}
		remotePoints[id] = struct{}{}
	}

	localPoints := IDSet{}
	for name, id := range children {
		if pattern.IsMatch(name) {
			localPoints[id] = struct{}{}
		}
	}

	m := &LocalFolderManifest{
		Base:                    *u.Base.Clone(),
		Parent:                  u.Parent,
		NeedSync:                u.NeedSync,
		Updated:                 u.Updated,
		Children:                children,
		LocalConfinementPoints:  localPoints,
		RemoteConfinementPoints: remotePoints,
		Speculative:             u.Speculative,
	}

	if len(existing.LocalConfinementPoints) == 0 && len(m.RemoteConfinementPoints) == 0 {
		return m
	}

	byID := make(map[VlobID]EntryName, len(m.Children))
	for name, id := range m.Children {
		byID[id] = name
	}

	changes := map[EntryName]*VlobID{}
	for _, name := range SortedNames(existing.Children) {
		id := existing.Children[name]

		current, present := byID[id]
		if existing.LocalConfinementPoints.Has(id) && (!present || current != name) {
			if present {
				changes[current] = nil
			}
			changes[name] = &id
			byID[id] = name
			continue
		}

		if !present && m.RemoteConfinementPoints.Has(id) && pattern.IsMatch(name) {
			changes[name] = &id
			byID[id] = name
		}
	}

	if len(changes) > 0 {
		m.EvolveChildrenAndMarkUpdated(changes, pattern, ts)
	}
	return m
}

// RemoveConfinement drops locally confined entries and restores the remote
// confined ones from the base.
func RemoveConfinement(m *LocalFolderManifest) *UnconfinedLocalFolderManifest {
	children := maps.Clone(m.Children)
	if children == nil {
		children = map[EntryName]VlobID{}
	}

	for name, id := range children {
		if m.LocalConfinementPoints.Has(id) {
			delete(children, name)
		}
	}

	if len(m.RemoteConfinementPoints) > 0 {
		existing := make(IDSet, len(children))
		for _, id := range children {
			existing[id] = struct{}{}
		}
		for name, id := range m.Base.Children {
			if m.RemoteConfinementPoints.Has(id) && !existing.Has(id) {
				children[name] = id
			}
		}
	}

	return &UnconfinedLocalFolderManifest{
		Base:        *m.Base.Clone(),
		Parent:      m.Parent,
		NeedSync:    m.NeedSync,
		Updated:     m.Updated,
		Children:    children,
		Speculative: m.Speculative,
	}
}
