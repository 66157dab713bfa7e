package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the business outcome of a command.
type Status string

const (
	StatusOK                      Status = "ok"
	StatusVlobAlreadyExists       Status = "vlob_already_exists"
	StatusBadVlobVersion          Status = "bad_vlob_version"
	StatusRequireGreaterTimestamp Status = "require_greater_timestamp"
	StatusBadKeyIndex             Status = "bad_key_index"
	StatusAuthorNotAllowed        Status = "author_not_allowed"
	StatusTimestampOutOfBallpark  Status = "timestamp_out_of_ballpark"
	StatusRealmNotFound           Status = "realm_not_found"
	StatusVlobNotFound            Status = "vlob_not_found"
	StatusBlockNotFound           Status = "block_not_found"
	StatusStoreUnavailable        Status = "store_unavailable"
	StatusRealmAlreadyExists      Status = "realm_already_exists"
)

// Cmds is the set of authenticated commands. Each method returns an error
// only when the command could not be carried out (see *Error); refusals
// by the server are reported through the reply status.
type Cmds interface {
	VlobCreate(ctx context.Context, req VlobCreateReq) (VlobCreateRep, error)
	VlobUpdate(ctx context.Context, req VlobUpdateReq) (VlobUpdateRep, error)
	VlobRead(ctx context.Context, req VlobReadReq) (VlobReadRep, error)
	VlobPollChanges(ctx context.Context, req VlobPollChangesReq) (VlobPollChangesRep, error)
	BlockCreate(ctx context.Context, req BlockCreateReq) (BlockCreateRep, error)
	BlockRead(ctx context.Context, req BlockReadReq) (BlockReadRep, error)
	RealmCreate(ctx context.Context, req RealmCreateReq) (RealmCreateRep, error)
	RealmGetKeysBundle(ctx context.Context, req RealmGetKeysBundleReq) (RealmGetKeysBundleRep, error)
	CertificateGet(ctx context.Context, req CertificateGetReq) (CertificateGetRep, error)
}

// Rejection carries the details attached to some refusal statuses.
type Rejection struct {
	// Set with StatusRequireGreaterTimestamp.
	StrictlyGreaterThan time.Time `cbor:"strictly_greater_than"`
	// Set with StatusBadKeyIndex.
	LastRealmCertificateTimestamp time.Time `cbor:"last_realm_certificate_timestamp"`
	// Set with StatusTimestampOutOfBallpark.
	ServerTimestamp time.Time `cbor:"server_timestamp"`
	ClientTimestamp time.Time `cbor:"client_timestamp"`
}

type VlobCreateReq struct {
	RealmID   uuid.UUID `cbor:"realm_id"`
	VlobID    uuid.UUID `cbor:"vlob_id"`
	KeyIndex  uint64    `cbor:"key_index"`
	Timestamp time.Time `cbor:"timestamp"`
	Blob      []byte    `cbor:"blob"`
}

type VlobCreateRep struct {
	Status    Status    `cbor:"status"`
	Rejection Rejection `cbor:"rejection"`
}

type VlobUpdateReq struct {
	RealmID   uuid.UUID `cbor:"realm_id"`
	VlobID    uuid.UUID `cbor:"vlob_id"`
	KeyIndex  uint64    `cbor:"key_index"`
	Version   uint32    `cbor:"version"`
	Timestamp time.Time `cbor:"timestamp"`
	Blob      []byte    `cbor:"blob"`
}

type VlobUpdateRep struct {
	Status    Status    `cbor:"status"`
	Rejection Rejection `cbor:"rejection"`
}

// VlobReadReq reads the last version of each vlob.
type VlobReadReq struct {
	RealmID uuid.UUID   `cbor:"realm_id"`
	VlobIDs []uuid.UUID `cbor:"vlob_ids"`
}

type VlobItem struct {
	VlobID    uuid.UUID `cbor:"vlob_id"`
	KeyIndex  uint64    `cbor:"key_index"`
	Author    uuid.UUID `cbor:"author"`
	Version   uint32    `cbor:"version"`
	Timestamp time.Time `cbor:"timestamp"`
	Blob      []byte    `cbor:"blob"`
}

// VlobReadRep lists the vlobs found; unknown ids are simply missing.
type VlobReadRep struct {
	Status Status     `cbor:"status"`
	Items  []VlobItem `cbor:"items"`
}

type VlobPollChangesReq struct {
	RealmID        uuid.UUID `cbor:"realm_id"`
	LastCheckpoint int64     `cbor:"last_checkpoint"`
}

type VlobChange struct {
	VlobID  uuid.UUID `cbor:"vlob_id"`
	Version uint32    `cbor:"version"`
}

type VlobPollChangesRep struct {
	Status            Status       `cbor:"status"`
	CurrentCheckpoint int64        `cbor:"current_checkpoint"`
	Changes           []VlobChange `cbor:"changes"`
}

type BlockCreateReq struct {
	RealmID  uuid.UUID `cbor:"realm_id"`
	BlockID  uuid.UUID `cbor:"block_id"`
	KeyIndex uint64    `cbor:"key_index"`
	Block    []byte    `cbor:"block"`
}

type BlockCreateRep struct {
	Status Status `cbor:"status"`
}

type BlockReadReq struct {
	RealmID uuid.UUID `cbor:"realm_id"`
	BlockID uuid.UUID `cbor:"block_id"`
}

type BlockReadRep struct {
	Status   Status `cbor:"status"`
	KeyIndex uint64 `cbor:"key_index"`
	Block    []byte `cbor:"block"`
}

// RealmCreateReq creates a realm with its first keys bundle (key index 1).
type RealmCreateReq struct {
	RealmID    uuid.UUID `cbor:"realm_id"`
	Timestamp  time.Time `cbor:"timestamp"`
	KeysBundle []byte    `cbor:"keys_bundle"`
}

type RealmCreateRep struct {
	Status    Status    `cbor:"status"`
	Rejection Rejection `cbor:"rejection"`
}

// RealmGetKeysBundleReq fetches the bundle of the given key index, or the
// latest one when KeyIndex is 0.
type RealmGetKeysBundleReq struct {
	RealmID  uuid.UUID `cbor:"realm_id"`
	KeyIndex uint64    `cbor:"key_index"`
}

type RealmGetKeysBundleRep struct {
	Status     Status `cbor:"status"`
	KeyIndex   uint64 `cbor:"key_index"`
	KeysBundle []byte `cbor:"keys_bundle"`
}

// Certificate types.
const (
	CertificateDevice           = "device"
	CertificateRealmRole        = "realm_role"
	CertificateRealmKeyRotation = "realm_key_rotation"
)

// Certificate is a server certificate. Index is contiguous from 1.
type Certificate struct {
	Index     uint64    `cbor:"index"`
	Type      string    `cbor:"type"`
	Timestamp time.Time `cbor:"timestamp"`
	RealmID   uuid.UUID `cbor:"realm_id"`
	DeviceID  uuid.UUID `cbor:"device_id"`
	VerifyKey []byte    `cbor:"verify_key"`
	Role      string    `cbor:"role"`
	KeyIndex  uint64    `cbor:"key_index"`
}

type CertificateGetReq struct {
	AfterIndex uint64 `cbor:"after_index"`
}

type CertificateGetRep struct {
	Status       Status        `cbor:"status"`
	Certificates []Certificate `cbor:"certificates"`
}
