package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/glycerine/idem"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const InboundMonitorName = "workspace_inbound_sync"

// InboundWorkspace is the part of workspace.Ops the inbound monitor drives.
type InboundWorkspace interface {
	RealmID() uuid.UUID
	RefreshRealmCheckpoint(ctx context.Context) ([]uuid.UUID, error)
	GetNeedInboundSync(ctx context.Context) ([]uuid.UUID, error)
	InboundSync(ctx context.Context, id uuid.UUID) (workspace.InboundOutcome, error)
}

var _ InboundWorkspace = (*workspace.Ops)(nil)

type InboundOptions struct {
	Workspace    InboundWorkspace
	Events       *events.Bus
	PollInterval time.Duration
	// SyncRate caps the inbound syncs per second, SyncBurst the syncs run
	// back to back. Zero values mean 20 and 5.
	SyncRate  rate.Limit
	SyncBurst int
	Clock     clock.Clock
	Logger    logging.Logger
}

// Inbound polls the server for vlob changes of a workspace and merges them
// into the local manifests.
type Inbound struct {
	ws       InboundWorkspace
	bus      *events.Bus
	interval time.Duration
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   logging.Logger

	halt    *idem.Halter
	started sync.Once
}

func NewInbound(opts InboundOptions) *Inbound {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.SyncRate == 0 {
		opts.SyncRate = 20
	}
	if opts.SyncBurst == 0 {
		opts.SyncBurst = 5
	}
	return &Inbound{
		ws:       opts.Workspace,
		bus:      opts.Events,
		interval: opts.PollInterval,
		limiter:  rate.NewLimiter(opts.SyncRate, opts.SyncBurst),
		clock:    opts.Clock,
		logger:   opts.Logger.With("monitor", InboundMonitorName, "realm_id", opts.Workspace.RealmID()),
		halt:     idem.NewHalterNamed(InboundMonitorName),
	}
}

func (m *Inbound) Done() <-chan struct{} { return m.halt.Done.Chan }

// Start launches the poll loop. The first poll runs right away.
func (m *Inbound) Start(ctx context.Context) {
	m.started.Do(func() { go m.run(ctx) })
}

func (m *Inbound) Stop() {
	m.started.Do(func() { m.halt.Done.Close() })
	m.halt.ReqStop.Close()
	<-m.halt.Done.Chan
}

func (m *Inbound) run(ctx context.Context) {
	defer m.halt.Done.Close()
	defer m.halt.ReqStop.Close()

	// Cancelled on stop, so that a limiter wait does not delay shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info(ctx, "inbound monitor started", "interval", m.interval)
	defer m.logger.Info(ctx, "inbound monitor stopped")

	for {
		if !m.poll(ctx) {
			return
		}
		select {
		case <-m.halt.ReqStop.Chan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll refreshes the realm checkpoint, then merges every entry whose remote
// version is ahead. Busy entries are left for the next poll. It reports
// whether the monitor should keep running.
func (m *Inbound) poll(ctx context.Context) bool {
	changed, err := m.ws.RefreshRealmCheckpoint(ctx)
	if err != nil {
		return m.handleError(ctx, err)
	}
	if len(changed) > 0 {
		m.logger.Debug(ctx, "remote changes", "count", len(changed))
	}

	need, err := m.ws.GetNeedInboundSync(ctx)
	if err != nil {
		return m.handleError(ctx, err)
	}
	for _, id := range need {
		if err := m.limiter.Wait(ctx); err != nil {
			return false
		}
		out, err := m.ws.InboundSync(ctx, id)
		if err != nil {
			return m.handleError(ctx, err)
		}
		if out == workspace.InboundEntryIsBusy {
			m.logger.Debug(ctx, "entry busy, retrying on next poll", "entry_id", id)
		}
	}
	return true
}

func (m *Inbound) handleError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, common.ErrOffline):
		m.logger.Debug(ctx, "server unavailable, skipping poll", "error", err)
		return true
	case errors.Is(err, common.ErrNotAllowed):
		m.logger.Info(ctx, "inbound sync no longer allowed, stopping", "error", err)
	case errors.Is(err, common.ErrStopped), errors.Is(err, context.Canceled):
		m.logger.Debug(ctx, "workspace stopped, stopping inbound monitor")
	default:
		m.logger.Error(ctx, "inbound sync failed", "error", err)
		crashed(ctx, m.bus, InboundMonitorName, m.ws.RealmID(), err, m.logger)
	}
	return false
}
