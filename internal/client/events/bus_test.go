package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FiltersByKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	outbound := bus.Subscribe(4, KindOutboundSyncNeeded, KindInboundSyncDone)
	all := bus.Subscribe(4)

	realm, entry := uuid.New(), uuid.New()
	require.NoError(t, bus.Publish(ctx, OutboundSyncNeeded{RealmID: realm, EntryID: entry}))
	require.NoError(t, bus.Publish(ctx, MonitorCrashed{Monitor: "outbound", RealmID: realm, Err: errors.New("boom")}))

	assert.Equal(t, OutboundSyncNeeded{RealmID: realm, EntryID: entry}, <-outbound.Events())
	assert.Len(t, outbound.Events(), 0)

	assert.Equal(t, KindOutboundSyncNeeded, (<-all.Events()).Kind())
	assert.Equal(t, KindMonitorCrashed, (<-all.Events()).Kind())
}

func TestPublish_BlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(1)

	require.NoError(t, bus.Publish(context.Background(), InboundSyncDone{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, InboundSyncDone{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	<-sub.Events()
	require.NoError(t, bus.Publish(context.Background(), InboundSyncDone{}))
}

func TestSubscriptionClose_UnblocksPublisher(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(0)

	done := make(chan error)
	go func() { done <- bus.Publish(context.Background(), CertificateAdded{Index: 1}) }()

	time.Sleep(10 * time.Millisecond)
	sub.Close()
	sub.Close()

	require.NoError(t, <-done)
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)

	done := make(chan error)
	go func() { done <- bus.Publish(context.Background(), CertificateAdded{Index: 1}) }()
	time.Sleep(10 * time.Millisecond)

	bus.Close()
	require.ErrorIs(t, <-done, common.ErrStopped)
	require.ErrorIs(t, bus.Publish(context.Background(), InboundSyncDone{}), common.ErrStopped)

	_, open := <-sub.Events()
	assert.False(t, open)

	late := bus.Subscribe(1)
	_, open = <-late.Events()
	assert.False(t, open)
	late.Close()
	bus.Close()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "outbound_sync_needed", KindOutboundSyncNeeded.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}
