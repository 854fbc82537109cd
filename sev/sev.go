// Package sev is the confidential-computing collaborator surface: an
// opaque capability for encrypting a guest's memory and managing its
// crypto context. The platform driver itself lives outside this process.
package sev

import "vmproc/memory"

// Platform is consumed by the VM lifecycle: Init once after creation,
// Activate per VCPU and EncryptMemory before the first run slice, and
// Shutdown unconditionally on every exit path.
type Platform interface {
	// Init checks platform readiness and starts the launch sequence for
	// the guest using its kernel-assigned address-space identifiers.
	Init(vmID uint32, asids []uint32) error
	// Activate attaches the guest's crypto context to one VCPU.
	Activate(vmID, vcpuID uint32) error
	// EncryptMemory flushes and encrypts the guest's RAM in place.
	EncryptMemory(ranges []memory.Range) error
	// Shutdown tears down the crypto context. Must be safe to call on
	// error paths where Init never ran.
	Shutdown(vmID uint32) error
}

// Disabled is the Platform used when the guest does not request memory
// encryption.
type Disabled struct{}

var _ Platform = Disabled{}

func (Disabled) Init(uint32, []uint32) error        { return nil }
func (Disabled) Activate(uint32, uint32) error      { return nil }
func (Disabled) EncryptMemory([]memory.Range) error { return nil }
func (Disabled) Shutdown(uint32) error              { return nil }
