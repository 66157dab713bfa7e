package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// RealmRole is the role of the user within a workspace.
type RealmRole string

const (
	RoleOwner       RealmRole = "owner"
	RoleManager     RealmRole = "manager"
	RoleContributor RealmRole = "contributor"
	RoleReader      RealmRole = "reader"
)

// CanWrite reports whether the role allows uploading manifests and blocks.
func (r RealmRole) CanWrite() bool {
	return r == RoleOwner || r == RoleManager || r == RoleContributor
}

// OriginKind tells where a piece of workspace metadata comes from.
type OriginKind string

const (
	// OriginPlaceholder marks metadata only known locally (workspace created
	// on this device and not yet bootstrapped on the server).
	OriginPlaceholder OriginKind = "placeholder"
	// OriginCertificate marks metadata confirmed by a server certificate.
	OriginCertificate OriginKind = "certificate"
)

type InfoOrigin struct {
	Kind      OriginKind `cbor:"kind"`
	Timestamp time.Time  `cbor:"timestamp"`
}

func PlaceholderOrigin() InfoOrigin { return InfoOrigin{Kind: OriginPlaceholder} }

func CertificateOrigin(ts time.Time) InfoOrigin {
	return InfoOrigin{Kind: OriginCertificate, Timestamp: ts}
}

// LocalUserManifestWorkspaceEntry is a workspace known to the user.
type LocalUserManifestWorkspaceEntry struct {
	ID         VlobID     `cbor:"id"`
	Name       EntryName  `cbor:"name"`
	NameOrigin InfoOrigin `cbor:"name_origin"`
	Role       RealmRole  `cbor:"role"`
	RoleOrigin InfoOrigin `cbor:"role_origin"`
}

type UserManifest struct {
	Author    DeviceID  `cbor:"author"`
	Timestamp time.Time `cbor:"timestamp"`
	ID        VlobID    `cbor:"id"`
	Version   uint32    `cbor:"version"`
	Created   time.Time `cbor:"created"`
	Updated   time.Time `cbor:"updated"`
}

// LocalUserManifest is the per-user root listing the known workspaces.
type LocalUserManifest struct {
	Base            UserManifest                      `cbor:"base"`
	NeedSync        bool                              `cbor:"need_sync"`
	Updated         time.Time                         `cbor:"updated"`
	LocalWorkspaces []LocalUserManifestWorkspaceEntry `cbor:"local_workspaces"`
	Speculative     bool                              `cbor:"speculative"`
}

func NewLocalUserManifest(author DeviceID, id VlobID, ts time.Time, speculative bool) *LocalUserManifest {
	return &LocalUserManifest{
		Base: UserManifest{
			Author:    author,
			Timestamp: ts,
			ID:        id,
			Created:   ts,
			Updated:   ts,
		},
		NeedSync:    true,
		Updated:     ts,
		Speculative: speculative,
	}
}

// GetWorkspaceEntry returns the entry for realmID, or nil.
func (m *LocalUserManifest) GetWorkspaceEntry(realmID VlobID) *LocalUserManifestWorkspaceEntry {
	for i := range m.LocalWorkspaces {
		if m.LocalWorkspaces[i].ID == realmID {
			return &m.LocalWorkspaces[i]
		}
	}
	return nil
}

// CreateWorkspace registers a new placeholder workspace owned by the user.
func (m *LocalUserManifest) CreateWorkspace(name EntryName, ts time.Time) LocalUserManifestWorkspaceEntry {
	entry := LocalUserManifestWorkspaceEntry{
		ID:         uuid.New(),
		Name:       name,
		NameOrigin: PlaceholderOrigin(),
		Role:       RoleOwner,
		RoleOrigin: PlaceholderOrigin(),
	}
	m.LocalWorkspaces = append(m.LocalWorkspaces, entry)
	m.NeedSync = true
	m.Updated = ts
	return entry
}

// MarkBootstrapped records that realmID now exists on the server.
func (m *LocalUserManifest) MarkBootstrapped(realmID VlobID, ts time.Time) bool {
	entry := m.GetWorkspaceEntry(realmID)
	if entry == nil {
		return false
	}
	entry.NameOrigin = CertificateOrigin(ts)
	entry.RoleOrigin = CertificateOrigin(ts)
	m.Updated = ts
	return true
}

func (m *LocalUserManifest) Clone() *LocalUserManifest {
	c := *m
	c.LocalWorkspaces = slices.Clone(m.LocalWorkspaces)
	return &c
}
