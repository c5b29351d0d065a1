// Package gpa provides guest physical addresses and the memory capability
// used by virtqueue devices to reach ring structures in guest memory.
package gpa

import "sync/atomic"

// Addr is a guest physical address.
type Addr uint64

// CheckedAdd returns a+off, or ok=false if the sum would overflow.
func (a Addr) CheckedAdd(off uint64) (Addr, bool) {
	s := uint64(a) + off
	if s < uint64(a) {
		return 0, false
	}

	return Addr(s), true
}

// Mask returns the address bits selected by m.
func (a Addr) Mask(m uint64) uint64 {
	return uint64(a) & m
}

// Ordering names the memory ordering requested for an atomic guest memory
// access. Go's sync/atomic operations are sequentially consistent, so every
// implementation in this module satisfies any requested ordering; the
// parameter records the protocol's requirement at each call site.
type Ordering int

const (
	Relaxed Ordering = iota
	Acquire
	Release
	SeqCst
)

// Memory is a bounds-checked window onto guest physical memory. The guest
// driver reads and writes the same bytes from its own vCPUs, so the atomic
// accessors must be safe against concurrent access from outside the Go
// runtime's knowledge. Scalar values are little-endian on the wire regardless
// of host byte order.
type Memory interface {

	// LoadUint16 atomically loads the little-endian halfword at addr.
	LoadUint16(addr Addr, order Ordering) (uint16, error)

	// StoreUint16 atomically stores v at addr as a little-endian halfword.
	StoreUint16(v uint16, addr Addr, order Ordering) error

	// ReadAt fills p from guest memory starting at addr. Not atomic.
	ReadAt(p []byte, addr Addr) error

	// WriteAt copies p into guest memory starting at addr. Not atomic.
	WriteAt(p []byte, addr Addr) error

	// AddressInRange reports whether addr falls inside the memory window.
	AddressInRange(addr Addr) bool
}

// fenceWord exists only to be the target of the RMW in Fence.
var fenceWord int64

// Fence issues a sequentially consistent memory fence. An atomic
// read-modify-write is the only fence primitive the Go runtime guarantees;
// on amd64 it compiles to LOCK XADD.
func Fence() {
	atomic.AddInt64(&fenceWord, 0)
}
