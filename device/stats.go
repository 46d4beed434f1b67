package device

import "sync/atomic"

// Stats is a snapshot of per-controller diagnostic counters.
type Stats struct {
	ISRCalls       uint64 // Interrupt entries
	SpuriousISR    uint64 // Interrupt entries with no cause
	Storms         uint64 // Runs of Config.SpuriousLimit spurious entries
	EventsPosted   uint64 // Events accepted by the event channel
	EventsDropped  uint64 // Events lost to a full channel
	Setups         uint64 // SETUP packets handled by the worker
	SetupsDropped  uint64 // SETUP packets dropped by SetupDropWhilePending
	Preemptions    uint64 // SETUPs that aborted a control transfer in progress
	ProtocolErrors uint64 // Unexpected stage or sequence
	Timeouts       uint64 // Watchdog expirations acted on
	Recovered      uint64 // Transfers completed by the watchdog re-check
	Completed      uint64 // Requests completed successfully
	Aborted        uint64 // Requests released without completing
}

// diagnostics holds the live counters. The interrupt path updates them
// without locks.
type diagnostics struct {
	isrCalls       atomic.Uint64
	spurious       atomic.Uint64
	streak         atomic.Uint64
	storms         atomic.Uint64
	eventsPosted   atomic.Uint64
	eventsDropped  atomic.Uint64
	setups         atomic.Uint64
	setupsDropped  atomic.Uint64
	preemptions    atomic.Uint64
	protocolErrors atomic.Uint64
	timeouts       atomic.Uint64
	recovered      atomic.Uint64
	completed      atomic.Uint64
	aborted        atomic.Uint64
}

func (d *diagnostics) snapshot() Stats {
	return Stats{
		ISRCalls:       d.isrCalls.Load(),
		SpuriousISR:    d.spurious.Load(),
		Storms:         d.storms.Load(),
		EventsPosted:   d.eventsPosted.Load(),
		EventsDropped:  d.eventsDropped.Load(),
		Setups:         d.setups.Load(),
		SetupsDropped:  d.setupsDropped.Load(),
		Preemptions:    d.preemptions.Load(),
		ProtocolErrors: d.protocolErrors.Load(),
		Timeouts:       d.timeouts.Load(),
		Recovered:      d.recovered.Load(),
		Completed:      d.completed.Load(),
		Aborted:        d.aborted.Load(),
	}
}
