package app

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/client/blockstore"
	"github.com/dmitrijs2005/gophsync/internal/client/certif"
	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/monitor"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/store"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

// pipeline is what every workspace of the device shares.
type pipeline struct {
	cmds    connection.Cmds
	certif  *certif.Ops
	blocks  blockstore.Store
	bus     *events.Bus
	pattern models.PreventSyncPattern
}

// workspaceRunner owns the storage, operations and monitors of one
// workspace.
type workspaceRunner struct {
	realmID  uuid.UUID
	storage  *storage.WorkspaceStorage
	ops      *workspace.Ops
	outbound *monitor.Outbound
	inbound  *monitor.Inbound
}

func (app *App) startWorkspace(ctx context.Context, dataDir string, localKey cryptox.SecretKey, p *pipeline, entry models.LocalUserManifestWorkspaceEntry) (*workspaceRunner, error) {
	c := app.config
	logger := app.logger.With("workspace", string(entry.Name))

	ws, err := storage.OpenWorkspace(ctx, dataDir, entry.ID, app.clock)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Options{
		RealmID:   entry.ID,
		Device:    p.certif.Device(),
		LocalKey:  localKey.DeriveKey("workspace:" + entry.ID.String()),
		Storage:   ws,
		Remote:    workspace.NewRemoteLoader(entry.ID, p.cmds, p.certif),
		Pattern:   p.pattern,
		CacheSize: c.CacheSize,
		Blocksize: c.Blocksize,
		Clock:     app.clock,
		Logger:    logger,
	})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	ops := workspace.New(workspace.Options{
		Store:     st,
		Cmds:      p.cmds,
		Certif:    p.certif,
		Blocks:    p.blocks,
		Events:    p.bus,
		Blocksize: c.Blocksize,
		Clock:     app.clock,
		Logger:    logger,
	})

	r := &workspaceRunner{
		realmID: entry.ID,
		storage: ws,
		ops:     ops,
		outbound: monitor.NewOutbound(monitor.OutboundOptions{
			Workspace:             ops,
			Events:                p.bus,
			MinSyncWait:           c.MinSyncWait,
			MaxSyncWait:           c.MaxSyncWait,
			ServerUnavailableWait: c.ServerUnavailableWait,
			Clock:                 app.clock,
			Logger:                logger,
		}),
		inbound: monitor.NewInbound(monitor.InboundOptions{
			Workspace:    ops,
			Events:       p.bus,
			PollInterval: c.InboundPollInterval,
			Clock:        app.clock,
			Logger:       logger,
		}),
	}

	if err := r.outbound.Start(ctx); err != nil {
		r.stop(ctx, app)
		return nil, err
	}
	r.inbound.Start(ctx)

	logger.Info(ctx, "workspace started", "realm_id", entry.ID)
	return r, nil
}

// stop shuts the monitors down first so that no sync runs while the
// opened files are flushed.
func (r *workspaceRunner) stop(ctx context.Context, app *App) {
	r.outbound.Stop()
	r.inbound.Stop()
	if err := r.ops.Stop(ctx); err != nil {
		app.logger.Warn(ctx, "workspace stop failed", "realm_id", r.realmID, "error", err)
	}
	if err := r.storage.Close(); err != nil {
		app.logger.Warn(ctx, "workspace storage close failed", "realm_id", r.realmID, "error", err)
	}
}
