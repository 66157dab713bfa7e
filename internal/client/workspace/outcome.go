package workspace

// InboundOutcome is the result of InboundSync.
type InboundOutcome int

const (
	InboundNoChange InboundOutcome = iota
	InboundUpdated
	// InboundEntryIsBusy means another transaction holds the entry; the
	// caller should retry later.
	InboundEntryIsBusy
)

func (o InboundOutcome) String() string {
	switch o {
	case InboundNoChange:
		return "no_change"
	case InboundUpdated:
		return "updated"
	case InboundEntryIsBusy:
		return "entry_is_busy"
	}
	return "unknown"
}

// OutboundOutcome is the result of OutboundSync.
type OutboundOutcome int

const (
	OutboundDone OutboundOutcome = iota
	OutboundEntryIsBusy
	// OutboundInboundSyncNeeded means the server holds a version this
	// device has not merged yet.
	OutboundInboundSyncNeeded
)

func (o OutboundOutcome) String() string {
	switch o {
	case OutboundDone:
		return "done"
	case OutboundEntryIsBusy:
		return "entry_is_busy"
	case OutboundInboundSyncNeeded:
		return "inbound_sync_needed"
	}
	return "unknown"
}
