// Package sim implements an in-memory USB device controller for testing the
// transfer engine without hardware.
//
// The simulator behaves like buffer descriptor hardware: the engine arms
// banks through [hal.Controller], and the simulated host completes them with
// [Sim.Setup], [Sim.Out] and [Sim.In]. Each completion raises an interrupt by
// calling the handler installed with [Sim.Attach].
//
// # Fault Injection
//
// Several hardware behaviors that are hard to reproduce on a bench can be
// forced:
//
//   - [Sim.Hold] and [Sim.Release] coalesce interrupts, so both banks of a
//     ping-pong endpoint are reported in one poll
//   - [Sim.DropInterrupts] loses interrupts while leaving completion flags
//     set, which exercises the watchdog re-check
//   - [Sim.Spurious] fires interrupts with no cause
//
// # Usage
//
//	s := sim.New()
//	c := device.New(s, nil, q, device.DefaultConfig())
//	s.Attach(c.ISR)
//	c.Start(ctx)
//
//	s.Setup(setup.Bytes())
//	data, err := s.In(0x80)
//
// Every engine call is recorded and can be inspected with [Sim.Ops], for
// example to check that a cache flush precedes each IN arm.
package sim
