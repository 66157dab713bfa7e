package models

import "time"

// LocalChildManifest is either a *LocalFileManifest or a
// *LocalFolderManifest. Callers handle both with a type switch.
type LocalChildManifest interface {
	isLocalChildManifest()
	EntryID() VlobID
	ParentID() VlobID
	BaseVersion() uint32
	IsNeedSync() bool
	UpdatedAt() time.Time
	CloneChild() LocalChildManifest
}

func (*LocalFileManifest) isLocalChildManifest()   {}
func (*LocalFolderManifest) isLocalChildManifest() {}

func (m *LocalFileManifest) EntryID() VlobID        { return m.Base.ID }
func (m *LocalFileManifest) ParentID() VlobID       { return m.Parent }
func (m *LocalFileManifest) BaseVersion() uint32    { return m.Base.Version }
func (m *LocalFileManifest) IsNeedSync() bool       { return m.NeedSync }
func (m *LocalFileManifest) UpdatedAt() time.Time   { return m.Updated }
func (m *LocalFolderManifest) EntryID() VlobID      { return m.Base.ID }
func (m *LocalFolderManifest) ParentID() VlobID     { return m.Parent }
func (m *LocalFolderManifest) BaseVersion() uint32  { return m.Base.Version }
func (m *LocalFolderManifest) IsNeedSync() bool     { return m.NeedSync }
func (m *LocalFolderManifest) UpdatedAt() time.Time { return m.Updated }

func (m *LocalFileManifest) CloneChild() LocalChildManifest   { return m.Clone() }
func (m *LocalFolderManifest) CloneChild() LocalChildManifest { return m.Clone() }

// CheckLocalDataIntegrity dispatches to the right integrity check: folders
// whose id equals their parent are validated as workspace roots.
func CheckLocalDataIntegrity(m LocalChildManifest) error {
	switch m := m.(type) {
	case *LocalFileManifest:
		return m.CheckDataIntegrity()
	case *LocalFolderManifest:
		if m.IsRoot() {
			return m.CheckDataIntegrityAsRoot()
		}
		return m.CheckDataIntegrityAsChild()
	}
	panic("models: unknown local child manifest type")
}
