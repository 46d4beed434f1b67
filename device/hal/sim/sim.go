package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Simulator errors returned to the host side.
var (
	// ErrNAK indicates the endpoint has no bank armed for the transaction.
	ErrNAK = errors.New("NAK")

	// ErrBankBusy indicates software armed a bank hardware still owns.
	ErrBankBusy = errors.New("bank already armed")

	// ErrNotConfigured indicates the endpoint is not enabled.
	ErrNotConfigured = errors.New("endpoint not configured")
)

// OpKind identifies a recorded back-end operation.
type OpKind uint8

// Recorded operations.
const (
	OpConfigure OpKind = iota
	OpDisable
	OpArmOut
	OpArmIn
	OpAbort
	OpSetStall
	OpClearStall
	OpResetToggle
	OpSetAddress
	OpFlush
	OpInvalidate
)

// String returns the operation name.
func (k OpKind) String() string {
	switch k {
	case OpConfigure:
		return "configure"
	case OpDisable:
		return "disable"
	case OpArmOut:
		return "arm-out"
	case OpArmIn:
		return "arm-in"
	case OpAbort:
		return "abort"
	case OpSetStall:
		return "set-stall"
	case OpClearStall:
		return "clear-stall"
	case OpResetToggle:
		return "reset-toggle"
	case OpSetAddress:
		return "set-address"
	case OpFlush:
		return "flush"
	case OpInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// Op is one recorded call from the engine into the back-end.
type Op struct {
	Kind OpKind
	Addr uint8
	Bank hal.Bank
	Len  int
}

// String returns a compact description.
func (o Op) String() string {
	return fmt.Sprintf("%s(0x%02X,%s,%d)", o.Kind, o.Addr, o.Bank, o.Len)
}

type bank struct {
	armed  bool
	ready  bool
	region []byte
	count  int
}

type endpoint struct {
	cfg     hal.EndpointConfig
	enabled bool
	banks   [2]bank
	next    hal.Bank
	offset  int // bytes received so far into a single-bank OUT region
	stalled bool
	toggle  uint8
}

func (e *endpoint) advance() {
	if e.cfg.Banks == 2 {
		e.next = e.next.Other()
	}
	e.toggle ^= 1
}

// Sim is an in-memory USB device controller. The engine drives it through
// hal.Controller and hal.Cache; tests play the host with Setup, Out and In.
type Sim struct {
	mu      sync.Mutex
	eps     [hal.MaxEndpointAddresses]endpoint
	address uint8
	ops     []Op
	record  bool

	isrMu    sync.Mutex
	isr      func(*hal.Cause)
	hold     bool
	held     hal.Cause
	dropNext int
}

// New creates a simulator with operation recording enabled.
func New() *Sim {
	return &Sim{record: true}
}

// Attach sets the interrupt handler, normally the engine's ISR method.
func (s *Sim) Attach(isr func(*hal.Cause)) {
	s.isrMu.Lock()
	defer s.isrMu.Unlock()
	s.isr = isr
}

func (s *Sim) log(op Op) {
	if s.record {
		s.ops = append(s.ops, op)
	}
}

// ConfigureEndpoint implements hal.Controller.
func (s *Sim) ConfigureEndpoint(cfg hal.EndpointConfig) error {
	if cfg.Banks < 1 || cfg.Banks > 2 {
		return fmt.Errorf("configure 0x%02X banks %d: %w", cfg.Address, cfg.Banks, pkg.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps[hal.EndpointIndex(cfg.Address)] = endpoint{cfg: cfg, enabled: true}
	s.log(Op{Kind: OpConfigure, Addr: cfg.Address, Len: int(cfg.MaxPacketSize)})
	pkg.LogDebug(pkg.ComponentHAL, "endpoint configured",
		"ep", fmt.Sprintf("0x%02X", cfg.Address), "mps", cfg.MaxPacketSize, "banks", cfg.Banks)
	return nil
}

// DisableEndpoint implements hal.Controller.
func (s *Sim) DisableEndpoint(addr uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps[hal.EndpointIndex(addr)] = endpoint{}
	s.log(Op{Kind: OpDisable, Addr: addr})
	return nil
}

func (s *Sim) arm(kind OpKind, addr uint8, b hal.Bank, region []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := &s.eps[hal.EndpointIndex(addr)]
	if !ep.enabled {
		return fmt.Errorf("arm 0x%02X: %w", addr, ErrNotConfigured)
	}
	if int(b) >= ep.cfg.Banks {
		return fmt.Errorf("arm 0x%02X bank %s: %w", addr, b, pkg.ErrInvalidParameter)
	}
	bk := &ep.banks[b]
	if bk.armed {
		return fmt.Errorf("arm 0x%02X bank %s: %w", addr, b, ErrBankBusy)
	}
	*bk = bank{armed: true, region: region}
	s.log(Op{Kind: kind, Addr: addr, Bank: b, Len: len(region)})
	return nil
}

// ArmOut implements hal.Controller.
func (s *Sim) ArmOut(addr uint8, b hal.Bank, region []byte) error {
	return s.arm(OpArmOut, addr, b, region)
}

// ArmIn implements hal.Controller.
func (s *Sim) ArmIn(addr uint8, b hal.Bank, region []byte) error {
	return s.arm(OpArmIn, addr, b, region)
}

// Count implements hal.Controller.
func (s *Sim) Count(addr uint8, b hal.Bank) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := &s.eps[hal.EndpointIndex(addr)].banks[b&1]
	bk.ready = false
	return bk.count
}

// Pending implements hal.Controller.
func (s *Sim) Pending(addr uint8) hal.BankMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m hal.BankMask
	for i, bk := range s.eps[hal.EndpointIndex(addr)].banks {
		if bk.ready {
			m |= hal.Bank(i).Mask()
		}
	}
	return m
}

// Abort implements hal.Controller. Bank sequencing restarts at BankA.
func (s *Sim) Abort(addr uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := &s.eps[hal.EndpointIndex(addr)]
	ep.banks = [2]bank{}
	ep.next = hal.BankA
	ep.offset = 0
	s.log(Op{Kind: OpAbort, Addr: addr})
	return nil
}

// SetStall implements hal.Controller.
func (s *Sim) SetStall(addr uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps[hal.EndpointIndex(addr)].stalled = true
	s.log(Op{Kind: OpSetStall, Addr: addr})
	return nil
}

// ClearStall implements hal.Controller.
func (s *Sim) ClearStall(addr uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps[hal.EndpointIndex(addr)].stalled = false
	s.log(Op{Kind: OpClearStall, Addr: addr})
	return nil
}

// ResetToggle implements hal.Controller.
func (s *Sim) ResetToggle(addr uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps[hal.EndpointIndex(addr)].toggle = 0
	s.log(Op{Kind: OpResetToggle, Addr: addr})
	return nil
}

// SetAddress implements hal.Controller.
func (s *Sim) SetAddress(address uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
	s.log(Op{Kind: OpSetAddress, Len: int(address)})
	return nil
}

// Flush implements hal.Cache.
func (s *Sim) Flush(region []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log(Op{Kind: OpFlush, Len: len(region)})
}

// Invalidate implements hal.Cache.
func (s *Sim) Invalidate(region []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log(Op{Kind: OpInvalidate, Len: len(region)})
}

// Setup delivers a SETUP packet to endpoint 0. SETUP is always accepted and
// clears a stall on both control endpoints.
func (s *Sim) Setup(pkt [8]byte) {
	s.mu.Lock()
	for _, addr := range [...]uint8{0x00, 0x80} {
		ep := &s.eps[hal.EndpointIndex(addr)]
		ep.stalled = false
		ep.toggle = 1
	}
	s.mu.Unlock()

	cause := hal.Cause{Flags: hal.CauseSetup, Setup: pkt}
	s.raise(&cause)
}

// Out sends one host-to-device packet to addr. A single-bank endpoint
// collects packets until a short packet or a full region; a ping-pong
// endpoint completes one bank per packet.
func (s *Sim) Out(addr uint8, data []byte) error {
	addr &^= 0x80
	s.mu.Lock()
	ep := &s.eps[hal.EndpointIndex(addr)]
	if err := ep.check(addr); err != nil {
		s.mu.Unlock()
		return err
	}
	b := ep.next
	bk := &ep.banks[b]
	if !bk.armed {
		s.mu.Unlock()
		return ErrNAK
	}
	mps := int(ep.cfg.MaxPacketSize)
	n := copy(bk.region[ep.offset:], data)
	ep.offset += n
	if len(data) >= mps && ep.offset < len(bk.region) && ep.cfg.Banks == 1 {
		ep.toggle ^= 1
		s.mu.Unlock()
		return nil
	}
	bk.count = ep.offset
	bk.armed = false
	bk.ready = true
	ep.offset = 0
	ep.advance()
	s.mu.Unlock()

	var cause hal.Cause
	cause.SetReady(addr, b)
	s.raise(&cause)
	return nil
}

// In reads the data armed on IN endpoint addr. A single-bank endpoint
// returns its whole region as one multi-packet transfer; a ping-pong
// endpoint returns one bank.
func (s *Sim) In(addr uint8) ([]byte, error) {
	addr |= 0x80
	s.mu.Lock()
	ep := &s.eps[hal.EndpointIndex(addr)]
	if err := ep.check(addr); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	b := ep.next
	bk := &ep.banks[b]
	if !bk.armed {
		s.mu.Unlock()
		return nil, ErrNAK
	}
	data := append([]byte(nil), bk.region...)
	bk.count = len(bk.region)
	bk.armed = false
	bk.ready = true
	ep.advance()
	s.mu.Unlock()

	var cause hal.Cause
	cause.SetReady(addr, b)
	s.raise(&cause)
	return data, nil
}

func (e *endpoint) check(addr uint8) error {
	if !e.enabled {
		return fmt.Errorf("endpoint 0x%02X: %w", addr, ErrNotConfigured)
	}
	if e.stalled {
		return fmt.Errorf("endpoint 0x%02X: %w", addr, pkg.ErrStall)
	}
	return nil
}

// Reset signals a bus reset. The address register returns to zero and all
// stalls and toggles are cleared.
func (s *Sim) Reset() {
	s.mu.Lock()
	s.address = 0
	for i := range s.eps {
		s.eps[i].stalled = false
		s.eps[i].toggle = 0
	}
	s.mu.Unlock()
	s.raise(&hal.Cause{Flags: hal.CauseReset})
}

// Suspend signals bus suspend.
func (s *Sim) Suspend() {
	s.raise(&hal.Cause{Flags: hal.CauseSuspend})
}

// Resume signals bus resume.
func (s *Sim) Resume() {
	s.raise(&hal.Cause{Flags: hal.CauseResume})
}

// BusError signals an unrecoverable bus error.
func (s *Sim) BusError() {
	s.raise(&hal.Cause{Flags: hal.CauseBusError})
}

// Spurious fires n interrupts that carry no cause.
func (s *Sim) Spurious(n int) {
	for i := 0; i < n; i++ {
		s.fire(&hal.Cause{})
	}
}

// Hold coalesces interrupts until Release.
func (s *Sim) Hold() {
	s.isrMu.Lock()
	defer s.isrMu.Unlock()
	s.hold = true
}

// Release fires one interrupt carrying every cause raised since Hold.
func (s *Sim) Release() {
	s.isrMu.Lock()
	s.hold = false
	cause := s.held
	s.held = hal.Cause{}
	isr := s.isr
	if isr != nil && !cause.Empty() {
		isr(&cause)
	}
	s.isrMu.Unlock()
}

// DropInterrupts makes the next n interrupts vanish. Completion flags stay
// set and are visible through Pending.
func (s *Sim) DropInterrupts(n int) {
	s.isrMu.Lock()
	defer s.isrMu.Unlock()
	s.dropNext += n
}

func (s *Sim) raise(cause *hal.Cause) {
	s.isrMu.Lock()
	if s.hold {
		s.held.Flags |= cause.Flags
		if cause.Flags&hal.CauseSetup != 0 {
			s.held.Setup = cause.Setup
		}
		for i, m := range cause.Ready {
			s.held.Ready[i] |= m
		}
		s.isrMu.Unlock()
		return
	}
	if s.dropNext > 0 {
		s.dropNext--
		s.isrMu.Unlock()
		pkg.LogTrace(pkg.ComponentHAL, "interrupt dropped")
		return
	}
	s.isrMu.Unlock()
	s.fire(cause)
}

func (s *Sim) fire(cause *hal.Cause) {
	s.isrMu.Lock()
	defer s.isrMu.Unlock()
	if s.isr != nil {
		s.isr(cause)
	}
}

// Address returns the address register.
func (s *Sim) Address() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Stalled reports whether addr answers with STALL.
func (s *Sim) Stalled(addr uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eps[hal.EndpointIndex(addr)].stalled
}

// Toggle returns the data toggle (0 or 1) of addr.
func (s *Sim) Toggle(addr uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eps[hal.EndpointIndex(addr)].toggle
}

// Armed reports whether bank b of addr is owned by the simulated hardware.
func (s *Sim) Armed(addr uint8, b hal.Bank) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eps[hal.EndpointIndex(addr)].banks[b&1].armed
}

// Ops returns a copy of the recorded operations.
func (s *Sim) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// ClearOps discards the recorded operations.
func (s *Sim) ClearOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = s.ops[:0]
}

// Record enables or disables operation recording.
func (s *Sim) Record(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = on
}

var (
	_ hal.Controller = (*Sim)(nil)
	_ hal.Cache      = (*Sim)(nil)
)
