// Package events carries sync notifications between the workspace
// operations that produce them and the monitors that consume them.
//
// Subscribers get their own bounded channel. Publishing blocks while a
// matching subscriber's channel is full, so a slow consumer slows its
// producers down instead of growing a queue.
package events

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies an event type.
type Kind int

const (
	KindOutboundSyncNeeded Kind = iota + 1
	KindInboundSyncDone
	KindMonitorCrashed
	KindCertificateAdded
)

func (k Kind) String() string {
	switch k {
	case KindOutboundSyncNeeded:
		return "outbound_sync_needed"
	case KindInboundSyncDone:
		return "inbound_sync_done"
	case KindMonitorCrashed:
		return "monitor_crashed"
	case KindCertificateAdded:
		return "certificate_added"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Event interface {
	Kind() Kind
}

// OutboundSyncNeeded is sent each time an entry gets local changes.
type OutboundSyncNeeded struct {
	RealmID uuid.UUID
	EntryID uuid.UUID
}

// InboundSyncDone is sent when a remote change was merged into an entry.
type InboundSyncDone struct {
	RealmID uuid.UUID
	EntryID uuid.UUID
}

// MonitorCrashed is sent when a monitor stops on an unrecoverable error.
type MonitorCrashed struct {
	Monitor string
	RealmID uuid.UUID
	Err     error
}

// CertificateAdded is sent once per certificate fetched from the server,
// in index order. Certificates that cancel each other out are still
// reported one by one.
type CertificateAdded struct {
	Index   uint64
	Type    string
	RealmID uuid.UUID
}

func (OutboundSyncNeeded) Kind() Kind { return KindOutboundSyncNeeded }
func (InboundSyncDone) Kind() Kind    { return KindInboundSyncDone }
func (MonitorCrashed) Kind() Kind     { return KindMonitorCrashed }
func (CertificateAdded) Kind() Kind   { return KindCertificateAdded }
