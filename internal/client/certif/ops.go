package certif

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
)

type realmKeys struct {
	// keys[i] has key index i+1.
	keys []cryptox.SecretKey
	// latest is the highest key index announced by a certificate.
	latest uint64
}

// Ops is shared by every workspace of the device.
type Ops struct {
	device     models.DeviceID
	signingKey cryptox.SigningKey
	userKey    cryptox.SecretKey
	cmds       connection.Cmds
	events     events.Publisher
	clock      clock.Clock
	logger     logging.Logger

	// pollMu serializes certificate polls so indexes are applied in order.
	pollMu sync.Mutex

	mu         sync.Mutex
	lastIndex  uint64
	verifyKeys map[models.DeviceID]cryptox.VerifyKey
	roles      map[uuid.UUID]map[models.DeviceID]models.RealmRole
	realms     map[uuid.UUID]*realmKeys
}

func New(
	device models.DeviceID,
	signingKey cryptox.SigningKey,
	userKey cryptox.SecretKey,
	cmds connection.Cmds,
	pub events.Publisher,
	clk clock.Clock,
	logger logging.Logger,
) *Ops {
	return &Ops{
		device:     device,
		signingKey: signingKey,
		userKey:    userKey,
		cmds:       cmds,
		events:     pub,
		clock:      clk,
		logger:     logger.With("component", "certif"),
		verifyKeys: map[models.DeviceID]cryptox.VerifyKey{},
		roles:      map[uuid.UUID]map[models.DeviceID]models.RealmRole{},
		realms:     map[uuid.UUID]*realmKeys{},
	}
}

func (o *Ops) Device() models.DeviceID        { return o.device }
func (o *Ops) SigningKey() cryptox.SigningKey { return o.signingKey }

// LastIndex returns the index of the last applied certificate.
func (o *Ops) LastIndex() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastIndex
}

// Role returns the role of device in realmID as known from certificates,
// or "" when it has none.
func (o *Ops) Role(realmID uuid.UUID, device models.DeviceID) models.RealmRole {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roles[realmID][device]
}

// PollServerForNewCertificates fetches the certificates published since
// the last poll and applies them in index order. Every certificate is
// reported with an events.CertificateAdded, even when a later one undoes
// it. It returns how many certificates were applied.
func (o *Ops) PollServerForNewCertificates(ctx context.Context) (int, error) {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()

	rep, err := o.cmds.CertificateGet(ctx, connection.CertificateGetReq{AfterIndex: o.LastIndex()})
	if err != nil {
		return 0, err
	}
	if rep.Status != connection.StatusOK {
		return 0, fmt.Errorf("%w: certificate get: unexpected status %q", common.ErrInternal, rep.Status)
	}

	for i, cert := range rep.Certificates {
		if err := o.apply(cert); err != nil {
			return i, err
		}
		o.logger.Debug(ctx, "certificate applied", "index", cert.Index, "type", cert.Type)
		if o.events != nil {
			err := o.events.Publish(ctx, events.CertificateAdded{Index: cert.Index, Type: cert.Type, RealmID: cert.RealmID})
			if err != nil {
				return i + 1, err
			}
		}
	}
	return len(rep.Certificates), nil
}

func (o *Ops) apply(cert connection.Certificate) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cert.Index != o.lastIndex+1 {
		return fmt.Errorf("%w: got index %d after %d", common.ErrInvalidCertificate, cert.Index, o.lastIndex)
	}

	switch cert.Type {
	case connection.CertificateDevice:
		if len(cert.VerifyKey) == 0 {
			return fmt.Errorf("%w: device certificate %d has no verify key", common.ErrInvalidCertificate, cert.Index)
		}
		o.verifyKeys[cert.DeviceID] = cert.VerifyKey
	case connection.CertificateRealmRole:
		roles, ok := o.roles[cert.RealmID]
		if !ok {
			roles = map[models.DeviceID]models.RealmRole{}
			o.roles[cert.RealmID] = roles
		}
		if cert.Role == "" {
			delete(roles, cert.DeviceID)
		} else {
			roles[cert.DeviceID] = models.RealmRole(cert.Role)
		}
	case connection.CertificateRealmKeyRotation:
		if cert.KeyIndex == 0 {
			return fmt.Errorf("%w: key rotation %d has no key index", common.ErrInvalidCertificate, cert.Index)
		}
		rk := o.realm(cert.RealmID)
		rk.latest = max(rk.latest, cert.KeyIndex)
	default:
		return fmt.Errorf("%w: unknown certificate type %q", common.ErrInvalidCertificate, cert.Type)
	}

	o.lastIndex = cert.Index
	return nil
}

// realm must be called with mu held.
func (o *Ops) realm(realmID uuid.UUID) *realmKeys {
	rk, ok := o.realms[realmID]
	if !ok {
		rk = &realmKeys{}
		o.realms[realmID] = rk
	}
	return rk
}

// DeviceVerifyKey returns the verify key of device, polling the server
// once when the device is not known yet.
func (o *Ops) DeviceVerifyKey(ctx context.Context, device models.DeviceID) (cryptox.VerifyKey, error) {
	if vk, ok := o.verifyKey(device); ok {
		return vk, nil
	}
	if _, err := o.PollServerForNewCertificates(ctx); err != nil {
		return nil, err
	}
	if vk, ok := o.verifyKey(device); ok {
		return vk, nil
	}
	return nil, fmt.Errorf("%w: unknown device %s", common.ErrInvalidCertificate, device)
}

func (o *Ops) verifyKey(device models.DeviceID) (cryptox.VerifyKey, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	vk, ok := o.verifyKeys[device]
	return vk, ok
}

// EncryptForRealm encrypts data with the latest known key of the realm.
func (o *Ops) EncryptForRealm(ctx context.Context, realmID uuid.UUID, data []byte) (keyIndex uint64, ciphertext []byte, err error) {
	index, key, ok := o.latestKey(realmID)
	if !ok {
		if err := o.fetchKeys(ctx, realmID, 0); err != nil {
			return 0, nil, err
		}
		if index, key, ok = o.latestKey(realmID); !ok {
			return 0, nil, fmt.Errorf("%w: realm %s", common.ErrNoKey, realmID)
		}
	}
	return index, key.Encrypt(data), nil
}

// DecryptForRealm decrypts data encrypted with the given key index.
func (o *Ops) DecryptForRealm(ctx context.Context, realmID uuid.UUID, keyIndex uint64, ciphertext []byte) ([]byte, error) {
	if keyIndex == 0 {
		return nil, fmt.Errorf("%w: key index 0", common.ErrNoKey)
	}
	key, ok := o.key(realmID, keyIndex)
	if !ok {
		if err := o.fetchKeys(ctx, realmID, keyIndex); err != nil {
			return nil, err
		}
		if key, ok = o.key(realmID, keyIndex); !ok {
			return nil, fmt.Errorf("%w: realm %s key index %d", common.ErrNoKey, realmID, keyIndex)
		}
	}
	return key.Decrypt(ciphertext)
}

func (o *Ops) latestKey(realmID uuid.UUID) (uint64, cryptox.SecretKey, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rk, ok := o.realms[realmID]
	if !ok || len(rk.keys) == 0 || uint64(len(rk.keys)) < rk.latest {
		return 0, cryptox.SecretKey{}, false
	}
	return uint64(len(rk.keys)), rk.keys[len(rk.keys)-1], true
}

func (o *Ops) key(realmID uuid.UUID, keyIndex uint64) (cryptox.SecretKey, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rk, ok := o.realms[realmID]
	if !ok || keyIndex > uint64(len(rk.keys)) {
		return cryptox.SecretKey{}, false
	}
	return rk.keys[keyIndex-1], true
}

// fetchKeys downloads the keys bundle of keyIndex (0 for the latest one).
func (o *Ops) fetchKeys(ctx context.Context, realmID uuid.UUID, keyIndex uint64) error {
	rep, err := o.cmds.RealmGetKeysBundle(ctx, connection.RealmGetKeysBundleReq{RealmID: realmID, KeyIndex: keyIndex})
	if err != nil {
		return err
	}
	switch rep.Status {
	case connection.StatusOK:
	case connection.StatusAuthorNotAllowed:
		return common.ErrNotAllowed
	case connection.StatusRealmNotFound, connection.StatusBadKeyIndex:
		return fmt.Errorf("%w: realm %s key index %d: %s", common.ErrNoKey, realmID, keyIndex, rep.Status)
	default:
		return fmt.Errorf("%w: realm get keys bundle: unexpected status %q", common.ErrInternal, rep.Status)
	}

	keys, err := DecodeKeysBundle(o.userKey, rep.KeyIndex, rep.KeysBundle)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	rk := o.realm(realmID)
	// Known keys never change, only new ones are taken from the bundle.
	if len(keys) > len(rk.keys) {
		rk.keys = append(rk.keys, keys[len(rk.keys):]...)
	}
	rk.latest = max(rk.latest, rep.KeyIndex)
	return nil
}

// BootstrapWorkspace creates the realm on the server with a first key. A
// realm that already exists is not an error: another upload got there
// first.
func (o *Ops) BootstrapWorkspace(ctx context.Context, realmID uuid.UUID) error {
	key := cryptox.GenerateSecretKey()
	bundle, err := EncodeKeysBundle(o.userKey, []cryptox.SecretKey{key})
	if err != nil {
		return err
	}

	rep, err := o.cmds.RealmCreate(ctx, connection.RealmCreateReq{
		RealmID:    realmID,
		Timestamp:  o.clock.Now(),
		KeysBundle: bundle,
	})
	if err != nil {
		return err
	}

	switch rep.Status {
	case connection.StatusOK:
		o.mu.Lock()
		rk := o.realm(realmID)
		if len(rk.keys) == 0 {
			rk.keys = []cryptox.SecretKey{key}
			rk.latest = max(rk.latest, 1)
		}
		o.mu.Unlock()
		o.logger.Info(ctx, "workspace bootstrapped", "realm_id", realmID)
		return nil
	case connection.StatusRealmAlreadyExists:
		return nil
	case connection.StatusTimestampOutOfBallpark:
		return fmt.Errorf("%w: realm create: server time %s, client time %s",
			common.ErrBadTimestamp, rep.Rejection.ServerTimestamp, rep.Rejection.ClientTimestamp)
	case connection.StatusAuthorNotAllowed:
		return common.ErrNotAllowed
	}
	return fmt.Errorf("%w: realm create: unexpected status %q", common.ErrInternal, rep.Status)
}
