package device

// EventKind identifies an event posted from the interrupt path to the worker.
type EventKind uint8

// Event kinds.
const (
	EventSetup        EventKind = iota // SETUP packet received
	EventTransferDone                  // Armed request completed in hardware
	EventTimeout                       // Watchdog fired for an armed request
	EventReset                         // Bus reset
	EventSuspend                       // Bus suspend
	EventResume                        // Bus resume
	EventBusError                      // Unrecoverable bus error
	EventError                         // Condition detected in interrupt context
	eventBarrier                       // Flush marker
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSetup:
		return "setup"
	case EventTransferDone:
		return "transfer-done"
	case EventTimeout:
		return "timeout"
	case EventReset:
		return "reset"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventBusError:
		return "bus-error"
	case EventError:
		return "error"
	case eventBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Event is a fixed-size message from interrupt context. Posting one never
// blocks and never allocates.
type Event struct {
	Kind     EventKind
	Endpoint EndpointAddress
	Bytes    int
	Gen      uint64
	Setup    [SetupPacketSize]byte
	Err      error

	done chan struct{}
}

// post delivers ev to the worker without blocking. When the channel is full
// the event is dropped, counted, and the worker is woken to report the
// overflow.
func (c *Controller) post(ev Event) bool {
	select {
	case c.events <- ev:
		c.diag.eventsPosted.Add(1)
		return true
	default:
		c.diag.eventsDropped.Add(1)
		c.overflowed.Add(1)
		select {
		case c.overflow <- struct{}{}:
		default:
		}
		return false
	}
}
