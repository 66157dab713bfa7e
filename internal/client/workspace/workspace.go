// Package workspace implements the operations of one workspace: file
// system operations, file descriptor operations and the inbound and
// outbound sync transactions.
//
// Lock order: an opened file mutex is taken before any update lock, and
// update locks of a child before the one of its parent.
package workspace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/blockstore"
	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/store"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
)

// CertifOps is the subset of *certif.Ops used by the workspace.
type CertifOps interface {
	Device() models.DeviceID
	SigningKey() cryptox.SigningKey
	EncryptForRealm(ctx context.Context, realmID uuid.UUID, data []byte) (uint64, []byte, error)
	DecryptForRealm(ctx context.Context, realmID uuid.UUID, keyIndex uint64, ciphertext []byte) ([]byte, error)
	PollServerForNewCertificates(ctx context.Context) (int, error)
	DeviceVerifyKey(ctx context.Context, device models.DeviceID) (cryptox.VerifyKey, error)
	BootstrapWorkspace(ctx context.Context, realmID uuid.UUID) error
}

type Options struct {
	Store     *store.Store
	Cmds      connection.Cmds
	Certif    CertifOps
	Blocks    blockstore.Store
	Events    events.Publisher
	Blocksize uint64
	Clock     clock.Clock
	Logger    logging.Logger
}

// Ops runs the operations of one workspace.
type Ops struct {
	realmID   uuid.UUID
	store     *store.Store
	cmds      connection.Cmds
	certif    CertifOps
	blocks    blockstore.Store
	events    events.Publisher
	remote    *RemoteLoader
	blocksize uint64
	clock     clock.Clock
	logger    logging.Logger

	bootstrapped atomic.Bool

	fdMu    sync.Mutex
	stopped bool
	nextFD  FileDescriptor
	fds     map[FileDescriptor]*descriptor
	opened  map[models.VlobID]*openedFile
}

func New(opts Options) *Ops {
	blocksize := opts.Blocksize
	if blocksize == 0 {
		blocksize = models.DefaultBlocksize
	}
	realmID := opts.Store.RealmID()
	return &Ops{
		realmID:   realmID,
		store:     opts.Store,
		cmds:      opts.Cmds,
		certif:    opts.Certif,
		blocks:    opts.Blocks,
		events:    opts.Events,
		remote:    NewRemoteLoader(realmID, opts.Cmds, opts.Certif),
		blocksize: blocksize,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "workspace", "realm_id", realmID),
		nextFD:    1,
		fds:       map[FileDescriptor]*descriptor{},
		opened:    map[models.VlobID]*openedFile{},
	}
}

func (o *Ops) RealmID() uuid.UUID  { return o.realmID }
func (o *Ops) Store() *store.Store { return o.store }
func (o *Ops) device() uuid.UUID   { return o.certif.Device() }
func (o *Ops) now() time.Time      { return models.NormalizeTime(o.clock.Now()) }

// GetNeedOutboundSync lists the entries with local changes, for the
// startup scan of the outbound monitor.
func (o *Ops) GetNeedOutboundSync(ctx context.Context) ([]models.VlobID, error) {
	return o.store.GetNeedOutboundSync(ctx)
}

// GetNeedInboundSync lists the entries whose remote version is ahead of the
// local base version.
func (o *Ops) GetNeedInboundSync(ctx context.Context) ([]models.VlobID, error) {
	return o.store.GetNeedInboundSync(ctx)
}

// Stop flushes the opened files and stops the store. Descriptors stay
// allocated but every further operation fails with common.ErrStopped.
func (o *Ops) Stop(ctx context.Context) error {
	o.fdMu.Lock()
	o.stopped = true
	files := make([]*openedFile, 0, len(o.opened))
	for _, of := range o.opened {
		files = append(files, of)
	}
	o.fdMu.Unlock()

	var firstErr error
	for _, of := range files {
		of.mu.Lock()
		if err := o.flush(ctx, of); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", of.id, err)
		}
		of.mu.Unlock()
	}
	o.store.Stop()
	return firstErr
}

// notifyOutbound tells the outbound monitor about a local change. A closed
// event bus is only logged: the change is persisted and will be picked up
// by the next startup scan.
func (o *Ops) notifyOutbound(ctx context.Context, ids ...models.VlobID) {
	for _, id := range ids {
		if err := o.events.Publish(ctx, events.OutboundSyncNeeded{RealmID: o.realmID, EntryID: id}); err != nil {
			o.logger.Warn(ctx, "outbound sync notification dropped", "entry_id", id, "error", err)
		}
	}
}

func (o *Ops) notifyInbound(ctx context.Context, id models.VlobID) {
	if err := o.events.Publish(ctx, events.InboundSyncDone{RealmID: o.realmID, EntryID: id}); err != nil {
		o.logger.Warn(ctx, "inbound sync notification dropped", "entry_id", id, "error", err)
	}
}
