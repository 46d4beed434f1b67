package device

import (
	"fmt"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Owner identifies who may touch a buffer descriptor.
type Owner uint8

// Descriptor owners.
const (
	OwnerSoftware Owner = iota
	OwnerHardware
)

// String returns "software" or "hardware".
func (o Owner) String() string {
	if o == OwnerHardware {
		return "hardware"
	}
	return "software"
}

// BufferDescriptor is the engine's view of one hardware bank. While the owner
// is OwnerHardware the region must not be read or written by software.
type BufferDescriptor struct {
	Owner  Owner
	Bank   hal.Bank
	Region []byte // memory handed to hardware
	Count  int    // bytes reported by hardware on completion

	// mem is per-bank packet memory for ping-pong endpoints. Single-bank
	// endpoints point Region into the request buffer instead.
	mem []byte
}

// give transfers the descriptor to hardware.
func (d *BufferDescriptor) give(region []byte) error {
	if d.Owner != OwnerSoftware {
		return fmt.Errorf("give bank %s: %w", d.Bank, pkg.ErrOwnership)
	}
	d.Region = region
	d.Count = 0
	d.Owner = OwnerHardware
	return nil
}

// reclaim returns the descriptor to software after hardware reported n bytes.
func (d *BufferDescriptor) reclaim(n int) error {
	if d.Owner != OwnerHardware {
		return fmt.Errorf("reclaim bank %s: %w", d.Bank, pkg.ErrOwnership)
	}
	if n > len(d.Region) {
		n = len(d.Region)
	}
	d.Count = n
	d.Owner = OwnerSoftware
	return nil
}

// bankSet holds the descriptors of one endpoint direction and the parity
// that tracks which bank hardware completes next.
type bankSet struct {
	desc   [2]BufferDescriptor
	count  int
	parity hal.Bank

	// deferred holds banks reported ready out of order; they are serviced
	// once parity reaches them.
	deferred hal.BankMask
}

func newBankSet(count, mps int) bankSet {
	b := bankSet{count: count}
	for i := range b.desc {
		b.desc[i].Bank = hal.Bank(i)
	}
	if count == 2 {
		b.desc[hal.BankA].mem = make([]byte, mps)
		b.desc[hal.BankB].mem = make([]byte, mps)
	}
	return b
}

// advance moves parity to the bank hardware completes after the current one.
func (b *bankSet) advance() {
	if b.count == 2 {
		b.parity = b.parity.Other()
	}
}

// idle reports whether software owns every bank.
func (b *bankSet) idle() bool {
	for i := 0; i < b.count; i++ {
		if b.desc[i].Owner == OwnerHardware {
			return false
		}
	}
	return true
}

// reset reclaims all banks after a hardware abort. Abort restarts bank
// sequencing at BankA.
func (b *bankSet) reset() {
	for i := range b.desc {
		b.desc[i].Owner = OwnerSoftware
		b.desc[i].Region = nil
		b.desc[i].Count = 0
	}
	b.parity = hal.BankA
	b.deferred = 0
}
