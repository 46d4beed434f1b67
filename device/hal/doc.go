// Package hal defines the chip capability interface the transfer engine
// drives.
//
// Every USB device controller implements the same logical engine: a control
// transfer stage machine, per-endpoint queues, an interrupt-to-worker handoff
// and buffer descriptor ownership. Only the register layout differs. This
// package captures that difference as a small interface so the engine in
// [github.com/ardnew/softudc/device] is written once.
//
// # Interface Overview
//
// The [Controller] interface is the contract for a back-end:
//
//   - Endpoint lifecycle: ConfigureEndpoint, DisableEndpoint
//   - Descriptor handoff: ArmOut, ArmIn (one bank at a time)
//   - Completion status: Count, Pending
//   - Cancellation: Abort
//   - Halt and toggle: SetStall, ClearStall, ResetToggle
//   - Addressing: SetAddress
//
// A back-end with a non-coherent DMA engine also implements [Cache]; the
// engine flushes IN regions and invalidates OUT regions before handing them
// to hardware.
//
// # Interrupts
//
// The chip interrupt handler reads its status registers into a [Cause] and
// calls the engine's ISR entry point with it. A Cause may report both banks of
// a ping-pong endpoint ready at once; the engine decides the service order.
//
// # Implementing a Back-End
//
//  1. Create a type that implements all [Controller] methods
//  2. Keep Arm, Count and Pending non-blocking; they run in interrupt context
//  3. Build a [Cause] in the interrupt handler and pass it to the engine
//  4. Implement [Cache] if DMA is not cache-coherent
//
// An in-memory back-end for testing is available in
// [github.com/ardnew/softudc/device/hal/sim].
package hal
