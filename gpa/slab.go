package gpa

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Slab is a Memory backed by a byte slice, addressed from 0. It backs the
// test benches and is a reasonable model for a VMM that maps all of guest
// memory into its own address space.
type Slab struct {
	buf []byte
}

var (
	ErrOutOfRange = errors.New("gpa: address out of range")
	ErrMisaligned = errors.New("gpa: misaligned atomic access")
)

// NewSlab returns a zeroed slab of at least size bytes. The size is rounded
// up to a multiple of 4 so every 2-byte-aligned halfword sits inside an
// addressable 32-bit word.
func NewSlab(size int) *Slab {
	return &Slab{buf: make([]byte, (size+3)&^3)}
}

// Size returns the slab size in bytes.
func (s *Slab) Size() int {
	return len(s.buf)
}

// Bytes returns the backing slice. Callers must not assume any ordering for
// plain reads and writes through it while a queue is live.
func (s *Slab) Bytes() []byte {
	return s.buf
}

func (s *Slab) AddressInRange(addr Addr) bool {
	return uint64(addr) < uint64(len(s.buf))
}

func (s *Slab) check(addr Addr, n int) (int, error) {
	end, ok := addr.CheckedAdd(uint64(n))
	if !ok || uint64(end) > uint64(len(s.buf)) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, uint64(addr), n)
	}

	return int(addr), nil
}

// word returns the aligned 32-bit word containing the halfword at off, for
// atomic access. The halfword must be 2-byte aligned: the ring fields
// accessed atomically (idx, flags, used_event, avail_event) all are.
func (s *Slab) word(off int) (*uint32, int, error) {
	if off&1 != 0 {
		return nil, 0, fmt.Errorf("%w: %#x", ErrMisaligned, off)
	}

	shift := off & 3
	return (*uint32)(unsafe.Pointer(&s.buf[off&^3])), shift, nil
}

func (s *Slab) LoadUint16(addr Addr, _ Ordering) (uint16, error) {
	off, err := s.check(addr, 2)
	if err != nil {
		return 0, err
	}

	w, shift, err := s.word(off)
	if err != nil {
		return 0, err
	}

	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(w))
	return binary.LittleEndian.Uint16(b[shift:]), nil
}

func (s *Slab) StoreUint16(v uint16, addr Addr, _ Ordering) error {
	off, err := s.check(addr, 2)
	if err != nil {
		return err
	}

	w, shift, err := s.word(off)
	if err != nil {
		return err
	}

	// CAS loop on the containing word so the neighboring halfword is
	// preserved even if the guest is writing it concurrently.
	for {
		old := atomic.LoadUint32(w)

		var b [4]byte
		binary.NativeEndian.PutUint32(b[:], old)
		binary.LittleEndian.PutUint16(b[shift:], v)

		if atomic.CompareAndSwapUint32(w, old, binary.NativeEndian.Uint32(b[:])) {
			return nil
		}
	}
}

func (s *Slab) ReadAt(p []byte, addr Addr) error {
	off, err := s.check(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, s.buf[off:])
	return nil
}

func (s *Slab) WriteAt(p []byte, addr Addr) error {
	off, err := s.check(addr, len(p))
	if err != nil {
		return err
	}

	copy(s.buf[off:], p)
	return nil
}
