// Package testbed is an in-memory organization server implementing
// connection.Cmds. It backs the tests of the sync engine and can be served
// over gRPC with connection.Server for local demos.
package testbed

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

// Command names used by the failure injection helpers.
const (
	CmdVlobCreate         = "VlobCreate"
	CmdVlobUpdate         = "VlobUpdate"
	CmdVlobRead           = "VlobRead"
	CmdVlobPollChanges    = "VlobPollChanges"
	CmdBlockCreate        = "BlockCreate"
	CmdBlockRead          = "BlockRead"
	CmdRealmCreate        = "RealmCreate"
	CmdRealmGetKeysBundle = "RealmGetKeysBundle"
	CmdCertificateGet     = "CertificateGet"
)

// Realm roles.
const (
	RoleOwner       = "owner"
	RoleContributor = "contributor"
	RoleReader      = "reader"
)

type device struct {
	verifyKey cryptox.VerifyKey
	revoked   bool
}

type block struct {
	keyIndex uint64
	data     []byte
}

type change struct {
	checkpoint int64
	vlobID     uuid.UUID
	version    uint32
}

type realm struct {
	keysBundles       [][]byte
	lastCertificateTS time.Time
	roles             map[uuid.UUID]string
	vlobs             map[uuid.UUID][]connection.VlobItem
	blocks            map[uuid.UUID]block
	changes           []change
}

func (r *realm) checkpoint() int64 { return int64(len(r.changes)) }

type injection struct {
	remaining int
	err       error
	status    connection.Status
	rejection connection.Rejection
	then      func()
}

// Server holds the state of one organization.
type Server struct {
	clock clock.Clock

	mu             sync.Mutex
	devices        map[uuid.UUID]*device
	certificates   []connection.Certificate
	realms         map[uuid.UUID]*realm
	injections     map[string][]*injection
	calls          map[string]int
	storeAvailable bool
	shareRealms    bool
}

func NewServer(clk clock.Clock) *Server {
	return &Server{
		clock:          clk,
		devices:        map[uuid.UUID]*device{},
		realms:         map[uuid.UUID]*realm{},
		injections:     map[string][]*injection{},
		calls:          map[string]int{},
		storeAvailable: true,
	}
}

// AddDevice registers a device and publishes its device certificate.
func (s *Server) AddDevice(deviceID uuid.UUID, vk cryptox.VerifyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[deviceID] = &device{verifyKey: vk}
	s.addCertificate(connection.Certificate{
		Type:      connection.CertificateDevice,
		DeviceID:  deviceID,
		VerifyKey: slices.Clone(vk),
	})
	if s.shareRealms {
		for realmID, r := range s.realms {
			s.grantContributor(realmID, r, deviceID)
		}
	}
}

// ShareRealms makes every registered device a contributor of every realm,
// as when all devices belong to a single user. Realms created earlier are
// not shared retroactively.
func (s *Server) ShareRealms(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shareRealms = on
}

// grantContributor must be called with mu held.
func (s *Server) grantContributor(realmID uuid.UUID, r *realm, deviceID uuid.UUID) {
	if _, ok := r.roles[deviceID]; ok {
		return
	}
	r.roles[deviceID] = RoleContributor
	r.lastCertificateTS = s.addCertificate(connection.Certificate{
		Type:     connection.CertificateRealmRole,
		RealmID:  realmID,
		DeviceID: deviceID,
		Role:     RoleContributor,
	})
}

// RevokeDevice makes every further authentication of deviceID fail.
func (s *Server) RevokeDevice(deviceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.revoked = true
	}
}

// DeviceKey implements connection.DeviceKeyLookup.
func (s *Server) DeviceKey(deviceID uuid.UUID) (cryptox.VerifyKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	switch {
	case !ok:
		return nil, connection.ErrUnknownDevice
	case d.revoked:
		return nil, connection.ErrRevokedDevice
	}
	return d.verifyKey, nil
}

// SetRole gives deviceID a role in realmID; an empty role removes access.
func (s *Server) SetRole(realmID, deviceID uuid.UUID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realms[realmID]
	if !ok {
		return
	}
	if role == "" {
		delete(r.roles, deviceID)
	} else {
		r.roles[deviceID] = role
	}
	r.lastCertificateTS = s.addCertificate(connection.Certificate{
		Type:     connection.CertificateRealmRole,
		RealmID:  realmID,
		DeviceID: deviceID,
		Role:     role,
	})
}

// RotateRealmKey appends a keys bundle to the realm and returns its key
// index.
func (s *Server) RotateRealmKey(realmID uuid.UUID, keysBundle []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realms[realmID]
	if !ok {
		return 0
	}
	r.keysBundles = append(r.keysBundles, slices.Clone(keysBundle))
	index := uint64(len(r.keysBundles))
	r.lastCertificateTS = s.addCertificate(connection.Certificate{
		Type:     connection.CertificateRealmKeyRotation,
		RealmID:  realmID,
		KeyIndex: index,
	})
	return index
}

// SetBlockStoreAvailable simulates an outage of the block store.
func (s *Server) SetBlockStoreAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeAvailable = available
}

// Fail makes the next n calls of cmd return err without being processed.
func (s *Server) Fail(cmd string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections[cmd] = append(s.injections[cmd], &injection{remaining: n, err: err})
}

// Reject makes the next n calls of cmd reply with st without being
// processed.
func (s *Server) Reject(cmd string, n int, st connection.Status, rej connection.Rejection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections[cmd] = append(s.injections[cmd], &injection{remaining: n, status: st, rejection: rej})
}

// RejectThen is Reject with then run after each rejected call, before the
// reply reaches the caller.
func (s *Server) RejectThen(cmd string, n int, st connection.Status, rej connection.Rejection, then func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections[cmd] = append(s.injections[cmd], &injection{remaining: n, status: st, rejection: rej, then: then})
}

// Calls returns how many times cmd was called, injected failures included.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[cmd]
}

// VlobVersion returns the last version of a vlob, 0 when it does not exist.
func (s *Server) VlobVersion(realmID, vlobID uuid.UUID) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.realms[realmID]
	if !ok {
		return 0
	}
	versions := r.vlobs[vlobID]
	return uint32(len(versions))
}

// BlockCount returns the number of blocks stored in a realm.
func (s *Server) BlockCount(realmID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.realms[realmID]; ok {
		return len(r.blocks)
	}
	return 0
}

// Client returns the commands of deviceID without any transport.
func (s *Server) Client(deviceID uuid.UUID) connection.Cmds {
	return &client{s: s, author: deviceID}
}

// Backend adapts the server to connection.Server.
func (s *Server) Backend() connection.Backend {
	return func(deviceID uuid.UUID) connection.Cmds { return s.Client(deviceID) }
}

// addCertificate must be called with mu held.
func (s *Server) addCertificate(c connection.Certificate) time.Time {
	c.Index = uint64(len(s.certificates)) + 1
	c.Timestamp = s.clock.Now()
	s.certificates = append(s.certificates, c)
	return c.Timestamp
}

// enter counts the call and pops a pending injection. Must be called with
// mu held.
func (s *Server) enter(cmd string) (*injection, bool) {
	s.calls[cmd]++
	queue := s.injections[cmd]
	if len(queue) == 0 {
		return nil, false
	}
	inj := queue[0]
	inj.remaining--
	if inj.remaining <= 0 {
		s.injections[cmd] = queue[1:]
	}
	return inj, true
}

// client runs commands as one device.
type client struct {
	s      *Server
	author uuid.UUID
}

var _ connection.Cmds = (*client)(nil)

func (c *client) begin(ctx context.Context, cmd string) (*injection, error) {
	if err := ctx.Err(); err != nil {
		return nil, connection.Offline(err)
	}
	c.s.mu.Lock()
	inj, ok := c.s.enter(cmd)
	if ok && inj.err != nil {
		c.s.mu.Unlock()
		return nil, inj.err
	}
	if !ok {
		return nil, nil
	}
	if inj.then != nil {
		c.s.mu.Unlock()
		inj.then()
		c.s.mu.Lock()
	}
	return inj, nil
}

func canWrite(role string) bool { return role == RoleOwner || role == RoleContributor }

func (c *client) VlobCreate(ctx context.Context, req connection.VlobCreateReq) (connection.VlobCreateRep, error) {
	inj, err := c.begin(ctx, CmdVlobCreate)
	if err != nil {
		return connection.VlobCreateRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.VlobCreateRep{Status: inj.status, Rejection: inj.rejection}, nil
	}

	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.VlobCreateRep{Status: connection.StatusRealmNotFound}, nil
	}
	if !canWrite(r.roles[c.author]) {
		return connection.VlobCreateRep{Status: connection.StatusAuthorNotAllowed}, nil
	}
	if req.KeyIndex != uint64(len(r.keysBundles)) {
		return connection.VlobCreateRep{
			Status:    connection.StatusBadKeyIndex,
			Rejection: connection.Rejection{LastRealmCertificateTimestamp: r.lastCertificateTS},
		}, nil
	}
	if _, exists := r.vlobs[req.VlobID]; exists {
		return connection.VlobCreateRep{Status: connection.StatusVlobAlreadyExists}, nil
	}

	r.vlobs[req.VlobID] = []connection.VlobItem{{
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Author:    c.author,
		Version:   1,
		Timestamp: req.Timestamp,
		Blob:      slices.Clone(req.Blob),
	}}
	r.changes = append(r.changes, change{checkpoint: r.checkpoint() + 1, vlobID: req.VlobID, version: 1})
	return connection.VlobCreateRep{Status: connection.StatusOK}, nil
}

func (c *client) VlobUpdate(ctx context.Context, req connection.VlobUpdateReq) (connection.VlobUpdateRep, error) {
	inj, err := c.begin(ctx, CmdVlobUpdate)
	if err != nil {
		return connection.VlobUpdateRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.VlobUpdateRep{Status: inj.status, Rejection: inj.rejection}, nil
	}

	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.VlobUpdateRep{Status: connection.StatusRealmNotFound}, nil
	}
	if !canWrite(r.roles[c.author]) {
		return connection.VlobUpdateRep{Status: connection.StatusAuthorNotAllowed}, nil
	}
	if req.KeyIndex != uint64(len(r.keysBundles)) {
		return connection.VlobUpdateRep{
			Status:    connection.StatusBadKeyIndex,
			Rejection: connection.Rejection{LastRealmCertificateTimestamp: r.lastCertificateTS},
		}, nil
	}
	versions, exists := r.vlobs[req.VlobID]
	if !exists {
		return connection.VlobUpdateRep{Status: connection.StatusVlobNotFound}, nil
	}
	last := versions[len(versions)-1]
	if req.Version != last.Version+1 {
		return connection.VlobUpdateRep{Status: connection.StatusBadVlobVersion}, nil
	}
	if !req.Timestamp.After(last.Timestamp) {
		return connection.VlobUpdateRep{
			Status:    connection.StatusRequireGreaterTimestamp,
			Rejection: connection.Rejection{StrictlyGreaterThan: last.Timestamp},
		}, nil
	}

	r.vlobs[req.VlobID] = append(versions, connection.VlobItem{
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Author:    c.author,
		Version:   req.Version,
		Timestamp: req.Timestamp,
		Blob:      slices.Clone(req.Blob),
	})
	r.changes = append(r.changes, change{checkpoint: r.checkpoint() + 1, vlobID: req.VlobID, version: req.Version})
	return connection.VlobUpdateRep{Status: connection.StatusOK}, nil
}

func (c *client) VlobRead(ctx context.Context, req connection.VlobReadReq) (connection.VlobReadRep, error) {
	inj, err := c.begin(ctx, CmdVlobRead)
	if err != nil {
		return connection.VlobReadRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.VlobReadRep{Status: inj.status}, nil
	}

	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.VlobReadRep{Status: connection.StatusRealmNotFound}, nil
	}
	if r.roles[c.author] == "" {
		return connection.VlobReadRep{Status: connection.StatusAuthorNotAllowed}, nil
	}

	rep := connection.VlobReadRep{Status: connection.StatusOK}
	for _, id := range req.VlobIDs {
		versions, ok := r.vlobs[id]
		if !ok {
			continue
		}
		item := versions[len(versions)-1]
		item.Blob = slices.Clone(item.Blob)
		rep.Items = append(rep.Items, item)
	}
	return rep, nil
}

func (c *client) VlobPollChanges(ctx context.Context, req connection.VlobPollChangesReq) (connection.VlobPollChangesRep, error) {
	inj, err := c.begin(ctx, CmdVlobPollChanges)
	if err != nil {
		return connection.VlobPollChangesRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.VlobPollChangesRep{Status: inj.status}, nil
	}

	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.VlobPollChangesRep{Status: connection.StatusRealmNotFound}, nil
	}
	if r.roles[c.author] == "" {
		return connection.VlobPollChangesRep{Status: connection.StatusAuthorNotAllowed}, nil
	}

	latest := map[uuid.UUID]uint32{}
	var order []uuid.UUID
	for _, ch := range r.changes {
		if ch.checkpoint <= req.LastCheckpoint {
			continue
		}
		if _, seen := latest[ch.vlobID]; !seen {
			order = append(order, ch.vlobID)
		}
		latest[ch.vlobID] = ch.version
	}

	rep := connection.VlobPollChangesRep{Status: connection.StatusOK, CurrentCheckpoint: r.checkpoint()}
	for _, id := range order {
		rep.Changes = append(rep.Changes, connection.VlobChange{VlobID: id, Version: latest[id]})
	}
	return rep, nil
}

func (c *client) BlockCreate(ctx context.Context, req connection.BlockCreateReq) (connection.BlockCreateRep, error) {
	inj, err := c.begin(ctx, CmdBlockCreate)
	if err != nil {
		return connection.BlockCreateRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.BlockCreateRep{Status: inj.status}, nil
	}

	if !c.s.storeAvailable {
		return connection.BlockCreateRep{Status: connection.StatusStoreUnavailable}, nil
	}
	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.BlockCreateRep{Status: connection.StatusRealmNotFound}, nil
	}
	if !canWrite(r.roles[c.author]) {
		return connection.BlockCreateRep{Status: connection.StatusAuthorNotAllowed}, nil
	}
	if req.KeyIndex != uint64(len(r.keysBundles)) {
		return connection.BlockCreateRep{Status: connection.StatusBadKeyIndex}, nil
	}
	// Blocks are content addressed: uploading the same id twice is a retry.
	if _, exists := r.blocks[req.BlockID]; !exists {
		r.blocks[req.BlockID] = block{keyIndex: req.KeyIndex, data: slices.Clone(req.Block)}
	}
	return connection.BlockCreateRep{Status: connection.StatusOK}, nil
}

func (c *client) BlockRead(ctx context.Context, req connection.BlockReadReq) (connection.BlockReadRep, error) {
	inj, err := c.begin(ctx, CmdBlockRead)
	if err != nil {
		return connection.BlockReadRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.BlockReadRep{Status: inj.status}, nil
	}

	if !c.s.storeAvailable {
		return connection.BlockReadRep{Status: connection.StatusStoreUnavailable}, nil
	}
	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.BlockReadRep{Status: connection.StatusRealmNotFound}, nil
	}
	if r.roles[c.author] == "" {
		return connection.BlockReadRep{Status: connection.StatusAuthorNotAllowed}, nil
	}
	b, ok := r.blocks[req.BlockID]
	if !ok {
		return connection.BlockReadRep{Status: connection.StatusBlockNotFound}, nil
	}
	return connection.BlockReadRep{Status: connection.StatusOK, KeyIndex: b.keyIndex, Block: slices.Clone(b.data)}, nil
}

func (c *client) RealmCreate(ctx context.Context, req connection.RealmCreateReq) (connection.RealmCreateRep, error) {
	inj, err := c.begin(ctx, CmdRealmCreate)
	if err != nil {
		return connection.RealmCreateRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.RealmCreateRep{Status: inj.status, Rejection: inj.rejection}, nil
	}

	if _, exists := c.s.realms[req.RealmID]; exists {
		return connection.RealmCreateRep{Status: connection.StatusRealmAlreadyExists}, nil
	}

	r := &realm{
		keysBundles: [][]byte{slices.Clone(req.KeysBundle)},
		roles:       map[uuid.UUID]string{c.author: RoleOwner},
		vlobs:       map[uuid.UUID][]connection.VlobItem{},
		blocks:      map[uuid.UUID]block{},
	}
	c.s.realms[req.RealmID] = r
	c.s.addCertificate(connection.Certificate{
		Type:     connection.CertificateRealmRole,
		RealmID:  req.RealmID,
		DeviceID: c.author,
		Role:     RoleOwner,
	})
	r.lastCertificateTS = c.s.addCertificate(connection.Certificate{
		Type:     connection.CertificateRealmKeyRotation,
		RealmID:  req.RealmID,
		KeyIndex: 1,
	})
	if c.s.shareRealms {
		for id, d := range c.s.devices {
			if id != c.author && !d.revoked {
				c.s.grantContributor(req.RealmID, r, id)
			}
		}
	}
	return connection.RealmCreateRep{Status: connection.StatusOK}, nil
}

func (c *client) RealmGetKeysBundle(ctx context.Context, req connection.RealmGetKeysBundleReq) (connection.RealmGetKeysBundleRep, error) {
	inj, err := c.begin(ctx, CmdRealmGetKeysBundle)
	if err != nil {
		return connection.RealmGetKeysBundleRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.RealmGetKeysBundleRep{Status: inj.status}, nil
	}

	r, ok := c.s.realms[req.RealmID]
	if !ok {
		return connection.RealmGetKeysBundleRep{Status: connection.StatusRealmNotFound}, nil
	}
	if r.roles[c.author] == "" {
		return connection.RealmGetKeysBundleRep{Status: connection.StatusAuthorNotAllowed}, nil
	}
	index := req.KeyIndex
	if index == 0 {
		index = uint64(len(r.keysBundles))
	}
	if index > uint64(len(r.keysBundles)) {
		return connection.RealmGetKeysBundleRep{Status: connection.StatusBadKeyIndex}, nil
	}
	return connection.RealmGetKeysBundleRep{
		Status:     connection.StatusOK,
		KeyIndex:   index,
		KeysBundle: slices.Clone(r.keysBundles[index-1]),
	}, nil
}

func (c *client) CertificateGet(ctx context.Context, req connection.CertificateGetReq) (connection.CertificateGetRep, error) {
	inj, err := c.begin(ctx, CmdCertificateGet)
	if err != nil {
		return connection.CertificateGetRep{}, err
	}
	defer c.s.mu.Unlock()
	if inj != nil {
		return connection.CertificateGetRep{Status: inj.status}, nil
	}

	rep := connection.CertificateGetRep{Status: connection.StatusOK}
	for _, cert := range c.s.certificates {
		if cert.Index > req.AfterIndex {
			cert.VerifyKey = slices.Clone(cert.VerifyKey)
			rep.Certificates = append(rep.Certificates, cert)
		}
	}
	return rep, nil
}
