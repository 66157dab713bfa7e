package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/glycerine/idem"
	"github.com/google/uuid"
)

// OutboundMonitorName identifies the outbound monitor in MonitorCrashed
// events.
const OutboundMonitorName = "workspace_outbound_sync"

const (
	eventQueueSize = 128
	// maxSyncRounds bounds the outbound/inbound alternation on an entry
	// that keeps being updated by other devices.
	maxSyncRounds = 4
)

// OutboundWorkspace is the part of workspace.Ops the outbound monitor
// drives.
type OutboundWorkspace interface {
	RealmID() uuid.UUID
	GetNeedOutboundSync(ctx context.Context) ([]uuid.UUID, error)
	OutboundSync(ctx context.Context, id uuid.UUID) (workspace.OutboundOutcome, error)
	InboundSync(ctx context.Context, id uuid.UUID) (workspace.InboundOutcome, error)
}

var _ OutboundWorkspace = (*workspace.Ops)(nil)

type OutboundOptions struct {
	Workspace OutboundWorkspace
	Events    *events.Bus

	MinSyncWait           time.Duration
	MaxSyncWait           time.Duration
	ServerUnavailableWait time.Duration

	Clock  clock.Clock
	Logger logging.Logger
}

// State is the phase of the outbound scheduler loop.
type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Outbound uploads the local changes of a workspace in the background.
//
// A scheduler loop collects OutboundSyncNeeded events into a due-time
// schedule and hands due entries, one at a time, to a single sync worker.
// The worker never blocks the loop: entries it cannot sync yet come back
// through the requeue channel.
type Outbound struct {
	ws     OutboundWorkspace
	bus    *events.Bus
	clock  clock.Clock
	logger logging.Logger

	minWait         time.Duration
	maxWait         time.Duration
	unavailableWait time.Duration

	state   atomic.Int32
	halt    *idem.Halter
	started sync.Once
	work    chan uuid.UUID
	requeue chan uuid.UUID
}

func NewOutbound(opts OutboundOptions) *Outbound {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Outbound{
		ws:              opts.Workspace,
		bus:             opts.Events,
		clock:           opts.Clock,
		logger:          opts.Logger.With("monitor", OutboundMonitorName, "realm_id", opts.Workspace.RealmID()),
		minWait:         opts.MinSyncWait,
		maxWait:         opts.MaxSyncWait,
		unavailableWait: opts.ServerUnavailableWait,
		halt:            idem.NewHalterNamed(OutboundMonitorName),
		work:            make(chan uuid.UUID),
		requeue:         make(chan uuid.UUID),
	}
}

func (m *Outbound) State() State { return State(m.state.Load()) }

// Done is closed once both the loop and the worker have returned.
func (m *Outbound) Done() <-chan struct{} { return m.halt.Done.Chan }

// Start subscribes to the bus, schedules the entries left unsynced by a
// previous run and launches the loop. Only the first call has an effect.
func (m *Outbound) Start(ctx context.Context) error {
	var err error
	m.started.Do(func() { err = m.start(ctx) })
	return err
}

func (m *Outbound) start(ctx context.Context) error {
	// Subscribe before the scan so no change falls between the two.
	sub := m.bus.Subscribe(eventQueueSize, events.KindOutboundSyncNeeded)
	pending, err := m.ws.GetNeedOutboundSync(ctx)
	if err != nil {
		sub.Close()
		m.halt.ReqStop.Close()
		m.halt.Done.Close()
		return err
	}

	sched := newSchedule(m.minWait, m.maxWait)
	now := m.clock.Now()
	for _, id := range pending {
		sched.touch(id, now)
	}
	m.logger.Info(ctx, "outbound monitor started", "pending", len(pending))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer sub.Close()
		m.loop(ctx, sub, sched)
	}()
	go func() {
		defer wg.Done()
		m.worker(ctx)
	}()
	go func() {
		wg.Wait()
		m.logger.Info(ctx, "outbound monitor stopped")
		m.halt.Done.Close()
	}()
	return nil
}

// Stop asks the loop to exit and waits for the sync in progress, if any,
// to complete.
func (m *Outbound) Stop() {
	m.started.Do(func() { m.halt.Done.Close() })
	m.halt.ReqStop.Close()
	<-m.halt.Done.Chan
}

func (m *Outbound) setState(s State) { m.state.Store(int32(s)) }

func (m *Outbound) loop(ctx context.Context, sub *events.Subscription, sched *schedule) {
	defer m.halt.ReqStop.Close()
	defer m.setState(StateStopping)

	var dispatch []uuid.UUID
	for {
		select {
		case <-m.halt.ReqStop.Chan:
			return
		case <-ctx.Done():
			return
		default:
		}

		now := m.clock.Now()
		dispatch = append(dispatch, sched.popDue(now)...)

		var timer <-chan time.Time
		if due, ok := sched.next(); ok {
			timer = m.clock.After(due.Sub(now))
		}

		// A nil work channel disables the dispatch case.
		var work chan<- uuid.UUID
		var head uuid.UUID
		if len(dispatch) > 0 {
			m.setState(StateDispatching)
			work = m.work
			head = dispatch[0]
		} else {
			m.setState(StateIdle)
		}

		select {
		case <-m.halt.ReqStop.Chan:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev, ok := ev.(events.OutboundSyncNeeded); ok && ev.RealmID == m.ws.RealmID() {
				sched.touch(ev.EntryID, m.clock.Now())
			}
		case id := <-m.requeue:
			sched.touch(id, m.clock.Now())
		case work <- head:
			dispatch = dispatch[1:]
		case <-timer:
		}
	}
}

func (m *Outbound) worker(ctx context.Context) {
	for {
		select {
		case <-m.halt.ReqStop.Chan:
			return
		case <-ctx.Done():
			return
		case id := <-m.work:
			if !m.syncEntry(ctx, id) {
				return
			}
		}
	}
}

// syncEntry runs the outbound sync of one entry, with an inbound sync first
// whenever the server has a newer version. It reports whether the worker
// should carry on.
func (m *Outbound) syncEntry(ctx context.Context, id uuid.UUID) bool {
	for range maxSyncRounds {
		out, err := m.ws.OutboundSync(ctx, id)
		if err != nil {
			return m.handleError(ctx, id, err)
		}

		switch out {
		case workspace.OutboundDone:
			return true
		case workspace.OutboundEntryIsBusy:
			m.logger.Debug(ctx, "entry busy, retrying later", "entry_id", id)
			return m.requeueEntry(id)
		case workspace.OutboundInboundSyncNeeded:
			in, err := m.ws.InboundSync(ctx, id)
			if err != nil {
				return m.handleError(ctx, id, err)
			}
			if in == workspace.InboundEntryIsBusy {
				return m.requeueEntry(id)
			}
		}
	}
	m.logger.Warn(ctx, "entry keeps changing remotely, retrying later", "entry_id", id)
	return m.requeueEntry(id)
}

func (m *Outbound) requeueEntry(id uuid.UUID) bool {
	select {
	case m.requeue <- id:
		return true
	case <-m.halt.ReqStop.Chan:
		return false
	}
}

func (m *Outbound) handleError(ctx context.Context, id uuid.UUID, err error) bool {
	switch {
	case errors.Is(err, common.ErrOffline), errors.Is(err, common.ErrStoreUnavailable):
		m.logger.Warn(ctx, "server unavailable, pausing outbound sync", "entry_id", id, "wait", m.unavailableWait, "error", err)
		if !m.requeueEntry(id) {
			return false
		}
		select {
		case <-m.clock.After(m.unavailableWait):
			return true
		case <-m.halt.ReqStop.Chan:
			return false
		case <-ctx.Done():
			return false
		}

	case errors.Is(err, common.ErrNotAllowed):
		m.logger.Info(ctx, "outbound sync no longer allowed, stopping", "entry_id", id, "error", err)

	case errors.Is(err, common.ErrStopped), errors.Is(err, context.Canceled):
		m.logger.Debug(ctx, "workspace stopped, stopping outbound monitor", "entry_id", id)

	default:
		m.logger.Error(ctx, "outbound sync failed", "entry_id", id, "error", err)
		crashed(ctx, m.bus, OutboundMonitorName, m.ws.RealmID(), err, m.logger)
	}
	m.halt.ReqStop.Close()
	return false
}

// crashed reports a monitor that stopped on an unexpected error.
func crashed(ctx context.Context, bus *events.Bus, name string, realmID uuid.UUID, err error, logger logging.Logger) {
	ev := events.MonitorCrashed{Monitor: name, RealmID: realmID, Err: err}
	if perr := bus.Publish(ctx, ev); perr != nil {
		logger.Warn(ctx, "monitor crash notification dropped", "error", perr)
	}
}
