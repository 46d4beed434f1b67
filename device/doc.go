// Package device implements a device-side USB transfer engine.
//
// The engine sits between a USB device controller and the function that
// uses it. It drives hardware through the [hal.Controller] capability
// interface defined in [github.com/ardnew/softudc/device/hal], so the same
// control stage machine, endpoint queues and buffer ownership rules serve
// every back-end.
//
// # Architecture
//
// A [Controller] is split into two execution contexts:
//
//   - The interrupt path ([Controller.ISR]) reclaims finished buffer banks,
//     refills them from the queue head and posts an [Event]. It never blocks
//     and never takes the device lock.
//   - A single worker goroutine consumes events in order. It advances the
//     control stage machine, retires transfers and reports them to a [Sink].
//
// The event channel between them is bounded. When it overflows the event is
// dropped and counted, and the worker reports [pkg.ErrEventOverflow] and
// recovers any transfer whose completion was lost.
//
// # Control Transfers
//
// Endpoint 0 follows a stage machine:
//
//	Setup → DataIn  → StatusOut → Setup
//	Setup → DataOut → StatusIn  → Setup
//	Setup → NoData  → StatusIn  → Setup
//
// A SETUP always restarts the machine. By default a new SETUP preempts the
// control transfer in progress and aborts its requests ([SetupPreempt]).
// SET_ADDRESS takes effect only after its status stage completes.
//
// # Endpoint Queues
//
// [Controller.Enqueue] appends a [Request] to an endpoint's FIFO. Only the
// head is handed to hardware. Every request is reported exactly once, with
// Err set when it was aborted, flushed by a reset or dequeued.
//
// # Buffer Ownership
//
// Each endpoint has one or two [BufferDescriptor] banks. A descriptor is
// owned by software or hardware, never both. On dual-bank endpoints the
// engine services banks strictly in arming order even when the interrupt
// reports them out of order.
//
// # Watchdog
//
// With [Config.Watchdog] set, the worker re-checks hardware for a transfer
// that has been armed too long and completes it if the interrupt was lost.
//
// # Usage
//
//	pool := device.NewPool(0)
//	q := device.NewNotifyQueue()
//	c := device.New(backend, pool, q, device.DefaultConfig())
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
//
//	r, _ := pool.Alloc(0x81, 64)
//	copy(r.Buffer, payload)
//	_ = c.Enqueue(r)
//
//	n, _ := q.Next(ctx) // NotifyTransfer with r
package device
