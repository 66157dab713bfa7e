package merge

import (
	"maps"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// MergeLocalFolderManifest merges remote into local and returns the
// manifest to store, or nil when local already knows the remote version.
func MergeLocalFolderManifest(localAuthor models.DeviceID, ts time.Time, pattern models.PreventSyncPattern, local *models.LocalFolderManifest, remote *models.FolderManifest) *models.LocalFolderManifest {
	if remote.Version <= local.Base.Version {
		return nil
	}

	// Confinement is a local concern: merge what the server would see and
	// confine the result again at the end.
	unconfinedLocal := models.RemoveConfinement(local)
	unconfinedRemote := models.UnconfinedFromRemote(*remote)

	if !unconfinedLocal.NeedSync {
		return unconfinedRemote.ApplyConfinement(local, pattern, ts)
	}

	// A speculative root never saw the remote children, so its missing
	// entries are unknown rather than removed: it must go through a real
	// merge.
	if remote.Author == localAuthor && !local.Speculative {
		unconfinedLocal.Base = *remote.Clone()
		unconfinedLocal.NeedSync = unconfinedLocal.Parent != remote.Parent || !maps.Equal(unconfinedLocal.Children, remote.Children)
		return unconfinedLocal.ApplyConfinement(local, pattern, ts)
	}

	children := mergeChildren(unconfinedLocal.Base.Children, unconfinedLocal.Children, unconfinedRemote.Children)
	parent := mergeParent(unconfinedLocal.Base.Parent, unconfinedLocal.Parent, unconfinedRemote.Parent)

	needSync := parent != unconfinedRemote.Parent || !maps.Equal(children, unconfinedRemote.Children)
	unconfinedRemote.Children = children
	unconfinedRemote.Parent = parent
	unconfinedRemote.NeedSync = needSync
	if needSync {
		unconfinedRemote.Updated = ts
	}
	return unconfinedRemote.ApplyConfinement(local, pattern, ts)
}

// mergeChildren is a three way merge of name -> id maps keyed by id. A
// local name colliding with a remote one is renamed.
func mergeChildren(base, local, remote map[models.EntryName]models.VlobID) map[models.EntryName]models.VlobID {
	baseNames := reversed(base)
	localNames := reversed(local)
	remoteNames := reversed(remote)

	ids := make(map[models.VlobID]struct{}, len(localNames)+len(remoteNames))
	for id := range localNames {
		ids[id] = struct{}{}
	}
	for id := range remoteNames {
		ids[id] = struct{}{}
	}

	solvedRemote := map[models.EntryName]models.VlobID{}
	solvedLocal := map[models.EntryName]models.VlobID{}
	for id := range ids {
		baseName, inBase := baseNames[id]
		localName, inLocal := localNames[id]
		remoteName, inRemote := remoteNames[id]

		switch {
		case inLocal && inRemote && localName == remoteName:
			solvedRemote[remoteName] = id

		// Created on one side only.
		case !inBase && inLocal && !inRemote:
			solvedLocal[localName] = id
		case !inBase && !inLocal && inRemote:
			solvedRemote[remoteName] = id

		// Removed on one side and renamed on the other: keep the rename.
		case inBase && !inLocal && inRemote && baseName != remoteName:
			solvedRemote[remoteName] = id
		case inBase && inLocal && !inRemote && baseName != localName:
			solvedRemote[localName] = id

		// Removed on one side, untouched on the other.
		case inBase && !inLocal:
		case inBase && !inRemote:

		// Renamed on one side only.
		case inBase && baseName == remoteName:
			solvedLocal[localName] = id
		case inBase && baseName == localName:
			solvedRemote[remoteName] = id

		// Renamed on both sides or added on both without a base: remote wins.
		default:
			solvedRemote[remoteName] = id
		}
	}

	children := solvedRemote
	for _, name := range models.SortedNames(solvedLocal) {
		id := solvedLocal[name]
		if _, taken := children[name]; taken {
			name = ConflictName(name, NameConflictSuffix, func(n models.EntryName) bool {
				_, ok := children[n]
				return ok
			})
		}
		children[name] = id
	}
	return children
}

func reversed(children map[models.EntryName]models.VlobID) map[models.VlobID]models.EntryName {
	out := make(map[models.VlobID]models.EntryName, len(children))
	for name, id := range children {
		out[id] = name
	}
	return out
}
