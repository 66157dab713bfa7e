package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/codec"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

const (
	typeFileManifest        = "file_manifest"
	typeFolderManifest      = "folder_manifest"
	typeLocalFileManifest   = "local_file_manifest"
	typeLocalFolderManifest = "local_folder_manifest"
	typeLocalUserManifest   = "local_user_manifest"
)

type envelope struct {
	Type string           `cbor:"type"`
	Data codec.RawMessage `cbor:"data"`
}

func seal(typ string, v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return codec.MarshalCompressed(envelope{Type: typ, Data: data})
}

func open(frame []byte) (envelope, error) {
	var env envelope
	if err := codec.UnmarshalCompressed(frame, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// localFolderData is the serialized shape of a LocalFolderManifest: sets
// are stored as sorted lists.
type localFolderData struct {
	Base                    FolderManifest       `cbor:"base"`
	Parent                  VlobID               `cbor:"parent"`
	NeedSync                bool                 `cbor:"need_sync"`
	Updated                 time.Time            `cbor:"updated"`
	Children                map[EntryName]VlobID `cbor:"children"`
	LocalConfinementPoints  []VlobID             `cbor:"local_confinement_points"`
	RemoteConfinementPoints []VlobID             `cbor:"remote_confinement_points"`
	Speculative             bool                 `cbor:"speculative"`
}

type localFileData struct {
	Base      FileManifest  `cbor:"base"`
	Parent    VlobID        `cbor:"parent"`
	NeedSync  bool          `cbor:"need_sync"`
	Updated   time.Time     `cbor:"updated"`
	Size      uint64        `cbor:"size"`
	Blocksize uint64        `cbor:"blocksize"`
	Blocks    [][]ChunkView `cbor:"blocks"`
}

func sortedIDs(s IDSet) []VlobID {
	ids := make([]VlobID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return uuidLess(ids[i], ids[j]) })
	return ids
}

func uuidLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func toSet(ids []VlobID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// DumpAndEncryptLocal serializes a local manifest and encrypts it with the
// device local key for storage at rest.
func DumpAndEncryptLocal(m LocalChildManifest, key cryptox.SecretKey) ([]byte, error) {
	var (
		frame []byte
		err   error
	)
	switch m := m.(type) {
	case *LocalFileManifest:
		frame, err = seal(typeLocalFileManifest, localFileData(*m))
	case *LocalFolderManifest:
		frame, err = seal(typeLocalFolderManifest, localFolderData{
			Base:                    m.Base,
			Parent:                  m.Parent,
			NeedSync:                m.NeedSync,
			Updated:                 m.Updated,
			Children:                m.Children,
			LocalConfinementPoints:  sortedIDs(m.LocalConfinementPoints),
			RemoteConfinementPoints: sortedIDs(m.RemoteConfinementPoints),
			Speculative:             m.Speculative,
		})
	default:
		panic("models: unknown local child manifest type")
	}
	if err != nil {
		return nil, err
	}
	return cryptox.EncryptLocal(key, frame)
}

// DecryptAndLoadLocal reverses DumpAndEncryptLocal and validates the result.
// Decryption failures wrap cryptox.ErrDecryption, malformed payloads wrap
// codec.ErrDecode and layout violations wrap common.ErrDataIntegrity.
func DecryptAndLoadLocal(blob []byte, key cryptox.SecretKey) (LocalChildManifest, error) {
	frame, err := cryptox.DecryptLocal(key, blob)
	if err != nil {
		return nil, err
	}
	env, err := open(frame)
	if err != nil {
		return nil, err
	}

	var m LocalChildManifest
	switch env.Type {
	case typeLocalFileManifest:
		var data localFileData
		if err := codec.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		f := LocalFileManifest(data)
		m = &f
	case typeLocalFolderManifest:
		var data localFolderData
		if err := codec.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		folder := &LocalFolderManifest{
			Base:                    data.Base,
			Parent:                  data.Parent,
			NeedSync:                data.NeedSync,
			Updated:                 data.Updated,
			Children:                data.Children,
			LocalConfinementPoints:  toSet(data.LocalConfinementPoints),
			RemoteConfinementPoints: toSet(data.RemoteConfinementPoints),
			Speculative:             data.Speculative,
		}
		if folder.Children == nil {
			folder.Children = map[EntryName]VlobID{}
		}
		m = folder
	default:
		return nil, integrityError("LocalManifest", "unknown type "+env.Type)
	}

	if err := CheckLocalDataIntegrity(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DumpAndEncryptUser serializes the user manifest for storage at rest.
func DumpAndEncryptUser(m *LocalUserManifest, key cryptox.SecretKey) ([]byte, error) {
	frame, err := seal(typeLocalUserManifest, m)
	if err != nil {
		return nil, err
	}
	return cryptox.EncryptLocal(key, frame)
}

func DecryptAndLoadUser(blob []byte, key cryptox.SecretKey) (*LocalUserManifest, error) {
	frame, err := cryptox.DecryptLocal(key, blob)
	if err != nil {
		return nil, err
	}
	env, err := open(frame)
	if err != nil {
		return nil, err
	}
	if env.Type != typeLocalUserManifest {
		return nil, integrityError("LocalUserManifest", "unknown type "+env.Type)
	}
	var m LocalUserManifest
	if err := codec.Unmarshal(env.Data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DumpAndSignChild serializes a remote manifest and signs it with the
// device key. The result is what gets encrypted for the realm.
func DumpAndSignChild(m ChildManifest, sk cryptox.SigningKey) ([]byte, error) {
	var (
		frame []byte
		err   error
	)
	switch m := m.(type) {
	case *FileManifest:
		frame, err = seal(typeFileManifest, m)
	case *FolderManifest:
		frame, err = seal(typeFolderManifest, m)
	default:
		panic("models: unknown child manifest type")
	}
	if err != nil {
		return nil, err
	}
	return cryptox.Sign(sk, frame), nil
}

// ExpectedMetadata is what the server says about a vlob version; the signed
// content must agree with it.
type ExpectedMetadata struct {
	Author    DeviceID
	Timestamp time.Time
	ID        VlobID
	Version   uint32
}

// UnsecureLoadChild decodes a signed remote manifest without checking the
// signature. Only used to learn the author before fetching its key.
func UnsecureLoadChild(signed []byte) (ChildManifest, error) {
	frame, err := cryptox.UnsecureSignedData(signed)
	if err != nil {
		return nil, err
	}
	return loadChild(frame)
}

// VerifyAndLoadChild checks the signature with vk, decodes the manifest and
// makes sure it matches expected.
func VerifyAndLoadChild(signed []byte, vk cryptox.VerifyKey, expected ExpectedMetadata) (ChildManifest, error) {
	frame, err := cryptox.VerifySigned(vk, signed)
	if err != nil {
		return nil, err
	}
	m, err := loadChild(frame)
	if err != nil {
		return nil, err
	}

	switch {
	case m.ManifestAuthor() != expected.Author:
		return nil, integrityError("ChildManifest", "author matches vlob author")
	case !m.ManifestTimestamp().Equal(expected.Timestamp):
		return nil, integrityError("ChildManifest", "timestamp matches vlob timestamp")
	case m.ManifestID() != expected.ID:
		return nil, integrityError("ChildManifest", "id matches vlob id")
	case m.ManifestVersion() != expected.Version:
		return nil, integrityError("ChildManifest", "version matches vlob version")
	}
	return m, nil
}

func loadChild(frame []byte) (ChildManifest, error) {
	env, err := open(frame)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case typeFileManifest:
		var m FileManifest
		if err := codec.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		if err := m.CheckDataIntegrity(); err != nil {
			return nil, err
		}
		return &m, nil
	case typeFolderManifest:
		var m FolderManifest
		if err := codec.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		if m.Children == nil {
			m.Children = map[EntryName]VlobID{}
		}
		if err := m.CheckDataIntegrity(); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, integrityError("ChildManifest", "unknown type "+env.Type)
}
