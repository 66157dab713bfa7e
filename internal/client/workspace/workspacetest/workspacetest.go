// Package workspacetest builds workspaces backed by an in-memory server,
// for the tests of the workspace and of its monitors.
package workspacetest

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/blockstore"
	"github.com/dmitrijs2005/gophsync/internal/client/certif"
	"github.com/dmitrijs2005/gophsync/internal/client/connection/testbed"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/store"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// T0 is the initial time of the fake clock.
var T0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

// Blocksize is the blocksize of the files created in tests.
const Blocksize = 16

// Env is an organization with one workspace and one user, whose devices
// share the user key.
type Env struct {
	Org     *testbed.Server
	Clk     *clock.FakeClock
	RealmID uuid.UUID
	UserKey cryptox.SecretKey
}

func NewEnv() *Env {
	clk := clock.Fake(T0)
	return &Env{
		Org:     testbed.NewServer(clk),
		Clk:     clk,
		RealmID: uuid.New(),
		UserKey: cryptox.GenerateSecretKey(),
	}
}

type Device struct {
	ID  uuid.UUID
	Ops *workspace.Ops
	Bus *events.Bus
	Sub *events.Subscription
}

// NewDevice enrolls a new device of the user. Its subscription receives
// the sync notifications of the workspace.
func (e *Env) NewDevice(t testing.TB) *Device {
	t.Helper()
	ctx := context.Background()

	db, err := dbx.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	ws, err := storage.NewWorkspaceStorage(ctx, db, e.RealmID, e.Clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	id := uuid.New()
	vk, sk := cryptox.GenerateSigningKey()
	e.Org.AddDevice(id, vk)
	cmds := e.Org.Client(id)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(1024, events.KindOutboundSyncNeeded, events.KindInboundSyncDone)

	certifOps := certif.New(id, sk, e.UserKey, cmds, bus, e.Clk, logging.Nop())
	st, err := store.Open(ctx, store.Options{
		RealmID:   e.RealmID,
		Device:    id,
		LocalKey:  cryptox.GenerateSecretKey(),
		Storage:   ws,
		Remote:    workspace.NewRemoteLoader(e.RealmID, cmds, certifOps),
		Pattern:   models.MustPreventSyncPattern(models.DefaultPreventSyncPattern),
		CacheSize: 1024 * Blocksize,
		Blocksize: Blocksize,
		Clock:     e.Clk,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)

	ops := workspace.New(workspace.Options{
		Store:     st,
		Cmds:      cmds,
		Certif:    certifOps,
		Blocks:    blockstore.NewServerStore(cmds),
		Events:    bus,
		Blocksize: Blocksize,
		Clock:     e.Clk,
		Logger:    logging.Nop(),
	})
	return &Device{ID: id, Ops: ops, Bus: bus, Sub: sub}
}

// Drain returns the events published so far.
func (d *Device) Drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-d.Sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// OutboundIDs drains the events and keeps the entries needing an outbound
// sync, in order.
func (d *Device) OutboundIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, ev := range d.Drain() {
		if ev, ok := ev.(events.OutboundSyncNeeded); ok {
			ids = append(ids, ev.EntryID)
		}
	}
	return ids
}

// WriteFile replaces the content of the file at path, creating it if
// needed.
func (d *Device) WriteFile(t testing.TB, path string, content string) {
	t.Helper()
	ctx := context.Background()
	fd, err := d.Ops.OpenFile(ctx, path, workspace.OpenWrite|workspace.OpenCreate|workspace.OpenTruncate)
	require.NoError(t, err)
	_, err = d.Ops.FdWrite(ctx, fd, []byte(content))
	require.NoError(t, err)
	require.NoError(t, d.Ops.FdClose(ctx, fd))
}

func (d *Device) ReadFile(t testing.TB, path string) string {
	t.Helper()
	ctx := context.Background()
	fd, err := d.Ops.OpenFile(ctx, path, workspace.OpenRead)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Ops.FdClose(ctx, fd)) }()
	data, err := d.Ops.FdRead(ctx, fd, 1<<20)
	require.NoError(t, err)
	return string(data)
}

func (d *Device) StatID(t testing.TB, path string) uuid.UUID {
	t.Helper()
	st, err := d.Ops.Stat(context.Background(), path)
	require.NoError(t, err)
	return st.ID
}

// SyncUp uploads the given paths in order and expects each to succeed.
func (d *Device) SyncUp(t testing.TB, paths ...string) {
	t.Helper()
	for _, p := range paths {
		out, err := d.Ops.OutboundSync(context.Background(), d.StatID(t, p))
		require.NoError(t, err, p)
		require.Equal(t, workspace.OutboundDone, out, p)
	}
}
