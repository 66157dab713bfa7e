package merge

import (
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// FileOutcome is one of FileNoChange, FileMerged or FileConflict.
type FileOutcome interface {
	isFileOutcome()
}

// FileNoChange means the local manifest already knows the remote version.
type FileNoChange struct{}

// FileMerged carries the manifest to store in place of the local one.
type FileMerged struct {
	Manifest *models.LocalFileManifest
}

// FileConflict means both sides changed the content. The remote wins and
// the caller must keep the local content somewhere else.
type FileConflict struct {
	Remote *models.FileManifest
}

func (FileNoChange) isFileOutcome() {}
func (FileMerged) isFileOutcome()   {}
func (FileConflict) isFileOutcome() {}

// MergeLocalFileManifest merges remote into local. localAuthor is the
// device running the merge and ts the time used for a result that still
// needs to be synchronized.
func MergeLocalFileManifest(localAuthor models.DeviceID, ts time.Time, local *models.LocalFileManifest, remote *models.FileManifest) FileOutcome {
	if remote.Version <= local.Base.Version {
		return FileNoChange{}
	}

	if !local.NeedSync {
		return FileMerged{Manifest: models.LocalFileFromRemote(*remote)}
	}

	// Our own upload coming back: rebase the local changes on it.
	if remote.Author == localAuthor {
		rebased := local.Clone()
		rebased.Base = *remote.Clone()
		rebased.NeedSync = contentChanged(&rebased.Base, rebased) || rebased.Parent != remote.Parent
		return FileMerged{Manifest: rebased}
	}

	needSync := false
	var merged *models.LocalFileManifest
	if contentChanged(&local.Base, local) {
		needSync = true
		if !sameContent(&local.Base, remote) {
			return FileConflict{Remote: remote.Clone()}
		}
		merged = models.LocalFileFromRemote(*remote)
		kept := local.Clone()
		merged.Size = kept.Size
		merged.Blocksize = kept.Blocksize
		merged.Blocks = kept.Blocks
	} else {
		merged = models.LocalFileFromRemote(*remote)
	}

	merged.Parent = mergeParent(local.Base.Parent, local.Parent, remote.Parent)
	if merged.Parent != remote.Parent {
		needSync = true
	}

	if needSync {
		merged.NeedSync = true
		merged.Updated = ts
	}
	return FileMerged{Manifest: merged}
}

// contentChanged reports whether the local content differs from base. A
// slot that is not exactly one block counts as a change even when the
// bytes would be identical.
func contentChanged(base *models.FileManifest, local *models.LocalFileManifest) bool {
	if base.Size != local.Size || base.Blocksize != local.Blocksize {
		return true
	}

	i := 0
	for _, chunks := range local.Blocks {
		switch len(chunks) {
		case 0:
		case 1:
			access, err := chunks[0].GetBlockAccess()
			if err != nil || i >= len(base.Blocks) || access != base.Blocks[i] {
				return true
			}
			i++
		default:
			return true
		}
	}
	return i != len(base.Blocks)
}

func sameContent(a, b *models.FileManifest) bool {
	if a.Size != b.Size || a.Blocksize != b.Blocksize || len(a.Blocks) != len(b.Blocks) {
		return false
	}
	for i := range a.Blocks {
		if a.Blocks[i] != b.Blocks[i] {
			return false
		}
	}
	return true
}

// mergeParent resolves a move: the side that changed wins, the remote wins
// when both did.
func mergeParent(base, local, remote models.VlobID) models.VlobID {
	switch {
	case remote != base:
		return remote
	case local != base:
		return local
	default:
		return base
	}
}
