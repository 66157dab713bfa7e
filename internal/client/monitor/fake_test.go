package monitor_test

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/google/uuid"
)

type result struct {
	out workspace.OutboundOutcome
	err error
}

// fakeWorkspace replays scripted outbound results per entry, then reports
// OutboundDone.
type fakeWorkspace struct {
	realmID uuid.UUID
	pending []uuid.UUID

	mu      sync.Mutex
	script  map[uuid.UUID][]result
	synced  []uuid.UUID
	inbound []uuid.UUID
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{realmID: uuid.New(), script: map[uuid.UUID][]result{}}
}

func (f *fakeWorkspace) then(id uuid.UUID, out workspace.OutboundOutcome, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[id] = append(f.script[id], result{out: out, err: err})
}

func (f *fakeWorkspace) RealmID() uuid.UUID { return f.realmID }

func (f *fakeWorkspace) GetNeedOutboundSync(context.Context) ([]uuid.UUID, error) {
	return f.pending, nil
}

func (f *fakeWorkspace) OutboundSync(_ context.Context, id uuid.UUID) (workspace.OutboundOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	if s := f.script[id]; len(s) > 0 {
		f.script[id] = s[1:]
		return s[0].out, s[0].err
	}
	return workspace.OutboundDone, nil
}

func (f *fakeWorkspace) InboundSync(_ context.Context, id uuid.UUID) (workspace.InboundOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, id)
	return workspace.InboundUpdated, nil
}

func (f *fakeWorkspace) Synced() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.synced)
}

func (f *fakeWorkspace) Inbound() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.inbound)
}
