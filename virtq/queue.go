// Package virtq implements the device side of a virtio split virtqueue as
// described by the Virtual I/O Device (VIRTIO) Version 1.2 spec: the
// lock-free shared-memory ring protocol between a guest driver and a
// device model. Packed virtqueue descriptors can be decoded but packed
// chains cannot be consumed.
package virtq

import (
	"encoding/binary"
	"fmt"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/internal/logging"
)

// used ring flags
const (
	UsedFNoNotify = 1 // device asks the driver not to notify it
)

// avail ring flags
const (
	AvailFNoInterrupt = 1 // driver asks the device not to interrupt it
)

// split ring layout, fixed by the VIRTIO spec
const (
	availRingHeaderSize = 4 // flags + idx
	availElemSize       = 2
	availRingMetaSize   = 6 // header + used_event

	usedRingHeaderSize = 4 // flags + idx
	usedElemSize       = 8
	usedRingMetaSize   = 6 // header + avail_event
)

// Queue owns the device-side state of one virtqueue. The driver configures
// it through the setter surface (normally driven by a register transport),
// and the device model consumes it with the Iter / AddUsed / notification
// operations.
//
// A Queue is exclusively owned by its caller: the concurrency it defends
// against is the guest driver on the far side of guest memory, not other
// goroutines calling into the same Queue.
//
// The zero Queue is not usable; call New.
type Queue struct {
	maxSize uint16
	size    uint16
	ready   bool

	descTable gpa.Addr
	availRing gpa.Addr
	usedRing  gpa.Addr

	// Ring cursors and the notification counter all wrap mod 2^16.
	// Comparisons between them must be wrapping subtractions, never
	// ordered comparisons: the ring size is far smaller than 2^16 and
	// the counters wrap continuously over the queue's lifetime.
	nextAvail uint16
	nextUsed  uint16
	numAdded  uint16

	eventIdx bool
}

// New returns a queue with the given immutable size ceiling, in its default
// configuration: size = maxSize, zero ring addresses, not ready.
func New(maxSize uint16) *Queue {
	return &Queue{
		maxSize: maxSize,
		size:    maxSize,
	}
}

// Reset returns the queue to its default configuration, keeping only
// maxSize. It is safe to call whatever state the queue is in.
func (q *Queue) Reset() {
	*q = Queue{
		maxSize: q.maxSize,
		size:    q.maxSize,
	}
}

// MaxSize returns the maximum queue size offered by the device.
func (q *Queue) MaxSize() uint16 {
	return q.maxSize
}

// Size returns the queue size selected by the driver.
func (q *Queue) Size() uint16 {
	return q.size
}

// Ready reports whether the driver finished configuring the queue.
func (q *Queue) Ready() bool {
	return q.ready
}

// SetReady marks the queue as configured (or not).
func (q *Queue) SetReady(ready bool) {
	q.ready = ready
}

// EventIdxEnabled reports whether VIRTIO_F_EVENT_IDX was negotiated.
func (q *Queue) EventIdxEnabled() bool {
	return q.eventIdx
}

// SetEventIdx records whether VIRTIO_F_EVENT_IDX was negotiated.
func (q *Queue) SetEventIdx(enabled bool) {
	q.eventIdx = enabled
}

// SetSize sets the queue size selected by the driver. An invalid size
// (zero, above the ceiling, or not a power of two) is rejected: the queue
// keeps its current size and the violation goes to the log. The driver is
// untrusted, and one bad register write must not take the device down.
func (q *Queue) SetSize(size uint16) {
	if size == 0 || size > q.maxSize || size&(size-1) != 0 {
		logging.Error("virtio queue with invalid size", "size", size, "max", q.maxSize)
		return
	}

	q.size = size
}

// setRingAddr applies an address if it satisfies the ring's alignment
// constraint, keeping the current value otherwise.
func (q *Queue) setRingAddr(dst *gpa.Addr, addr gpa.Addr, align uint64, name string) {
	if addr.Mask(align-1) != 0 {
		logging.Error("virtio queue ring address breaks alignment",
			"ring", name, "addr", uint64(addr), "align", align)
		return
	}

	*dst = addr
}

// SetDescTableAddr sets the descriptor table base, which must be 16-byte
// aligned.
func (q *Queue) SetDescTableAddr(addr gpa.Addr) {
	q.setRingAddr(&q.descTable, addr, 16, "desc")
}

// SetAvailRingAddr sets the available ring base, which must be 2-byte
// aligned.
func (q *Queue) SetAvailRingAddr(addr gpa.Addr) {
	q.setRingAddr(&q.availRing, addr, 2, "avail")
}

// SetUsedRingAddr sets the used ring base, which must be 4-byte aligned.
func (q *Queue) SetUsedRingAddr(addr gpa.Addr) {
	q.setRingAddr(&q.usedRing, addr, 4, "used")
}

// The half setters let a 32-bit transport program 64-bit ring addresses
// with two register writes. Each merges with the half already stored;
// alignment is re-checked on every write and a misaligned result is
// rejected without changing the stored address.

func low(cur gpa.Addr, v uint32) gpa.Addr  { return cur&^0xffff_ffff | gpa.Addr(v) }
func high(cur gpa.Addr, v uint32) gpa.Addr { return cur&0xffff_ffff | gpa.Addr(v)<<32 }

func (q *Queue) SetDescTableAddrLow(v uint32)  { q.SetDescTableAddr(low(q.descTable, v)) }
func (q *Queue) SetDescTableAddrHigh(v uint32) { q.SetDescTableAddr(high(q.descTable, v)) }
func (q *Queue) SetAvailRingAddrLow(v uint32)  { q.SetAvailRingAddr(low(q.availRing, v)) }
func (q *Queue) SetAvailRingAddrHigh(v uint32) { q.SetAvailRingAddr(high(q.availRing, v)) }
func (q *Queue) SetUsedRingAddrLow(v uint32)   { q.SetUsedRingAddr(low(q.usedRing, v)) }
func (q *Queue) SetUsedRingAddrHigh(v uint32)  { q.SetUsedRingAddr(high(q.usedRing, v)) }

// DescTableAddr returns the descriptor table base address.
func (q *Queue) DescTableAddr() gpa.Addr { return q.descTable }

// AvailRingAddr returns the available ring base address.
func (q *Queue) AvailRingAddr() gpa.Addr { return q.availRing }

// UsedRingAddr returns the used ring base address.
func (q *Queue) UsedRingAddr() gpa.Addr { return q.usedRing }

// NextAvail returns the next available-ring position the device will read.
func (q *Queue) NextAvail() uint16 { return q.nextAvail }

// SetNextAvail overwrites the available-ring cursor, e.g. when restoring
// queue state.
func (q *Queue) SetNextAvail(v uint16) { q.nextAvail = v }

// NextUsed returns the next used-ring position the device will write.
func (q *Queue) NextUsed() uint16 { return q.nextUsed }

// SetNextUsed overwrites the used-ring cursor.
func (q *Queue) SetNextUsed(v uint16) { q.nextUsed = v }

// GoToPreviousPosition rewinds the available cursor by one chain, undoing
// the most recent AvailIter yield so the chain is seen again next pass.
func (q *Queue) GoToPreviousPosition() { q.nextAvail-- }

// IsValid reports whether the queue is ready and all three rings fit
// entirely inside mem. The device model must re-check before each
// consumption round if the configuration may have changed. Address overflow
// is reported as invalid, never panicked on.
func (q *Queue) IsValid(mem gpa.Memory) bool {
	size := uint64(q.size)

	if !q.ready {
		logging.Error("attempt to use virtio queue that is not marked ready")
		return false
	}

	regions := []struct {
		name string
		base gpa.Addr
		size uint64
	}{
		{"desc", q.descTable, DescSize * size},
		{"avail", q.availRing, availRingMetaSize + availElemSize*size},
		{"used", q.usedRing, usedRingMetaSize + usedElemSize*size},
	}

	for _, r := range regions {
		if end, ok := r.base.CheckedAdd(r.size); !ok || !mem.AddressInRange(end) {
			logging.Error("virtio queue ring goes out of bounds",
				"ring", r.name, "start", uint64(r.base), "size", r.size)
			return false
		}
	}

	return true
}

// AvailIdx atomically loads the driver-published idx field of the available
// ring with the given ordering.
func (q *Queue) AvailIdx(mem gpa.Memory, order gpa.Ordering) (uint16, error) {
	addr, ok := q.availRing.CheckedAdd(2)
	if !ok {
		return 0, ErrAddressOverflow
	}

	v, err := mem.LoadUint16(addr, order)
	if err != nil {
		return 0, fmt.Errorf("virtq: load avail idx: %w", err)
	}

	return v, nil
}

// UsedIdx atomically loads the idx field of the used ring with the given
// ordering.
func (q *Queue) UsedIdx(mem gpa.Memory, order gpa.Ordering) (uint16, error) {
	addr, ok := q.usedRing.CheckedAdd(2)
	if !ok {
		return 0, ErrAddressOverflow
	}

	v, err := mem.LoadUint16(addr, order)
	if err != nil {
		return 0, fmt.Errorf("virtq: load used idx: %w", err)
	}

	return v, nil
}

// AddUsed reports one completed chain to the driver: it writes a used-ring
// element {id: headIndex, len: length} at the cursor's slot, then publishes
// the advanced idx with release ordering so a driver that observes the new
// idx also observes the element.
func (q *Queue) AddUsed(mem gpa.Memory, headIndex uint16, length uint32) error {
	if headIndex >= q.size {
		logging.Error("attempt to add out of bounds descriptor to used ring",
			"head", headIndex, "size", q.size)
		return fmt.Errorf("%w: head %d, queue size %d",
			ErrInvalidDescriptorIndex, headIndex, q.size)
	}

	slot := uint64(q.nextUsed % q.size)
	addr, ok := q.usedRing.CheckedAdd(usedRingHeaderSize + slot*usedElemSize)
	if !ok {
		return ErrAddressOverflow
	}

	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(headIndex))
	binary.LittleEndian.PutUint32(elem[4:8], length)

	if err := mem.WriteAt(elem[:], addr); err != nil {
		return fmt.Errorf("virtq: write used element: %w", err)
	}

	q.nextUsed++
	q.numAdded++

	idxAddr, ok := q.usedRing.CheckedAdd(2)
	if !ok {
		return ErrAddressOverflow
	}

	if err := mem.StoreUint16(q.nextUsed, idxAddr, gpa.Release); err != nil {
		return fmt.Errorf("virtq: publish used idx: %w", err)
	}

	return nil
}

// setUsedFlags stores val into the flags field of the used ring.
func (q *Queue) setUsedFlags(mem gpa.Memory, val uint16, order gpa.Ordering) error {
	if err := mem.StoreUint16(val, q.usedRing, order); err != nil {
		return fmt.Errorf("virtq: store used flags: %w", err)
	}

	return nil
}

// setAvailEvent stores val into the avail_event word that trails the used
// ring, telling the driver how far it may progress before notifying.
func (q *Queue) setAvailEvent(mem gpa.Memory, val uint16, order gpa.Ordering) error {
	addr, ok := q.usedRing.CheckedAdd(usedRingHeaderSize + usedElemSize*uint64(q.size))
	if !ok {
		return ErrAddressOverflow
	}

	if err := mem.StoreUint16(val, addr, order); err != nil {
		return fmt.Errorf("virtq: store avail event: %w", err)
	}

	return nil
}

// usedEvent loads the used_event word that trails the available ring: the
// used-index threshold past which the driver wants a notification.
func (q *Queue) usedEvent(mem gpa.Memory, order gpa.Ordering) (uint16, error) {
	addr, ok := q.availRing.CheckedAdd(availRingHeaderSize + availElemSize*uint64(q.size))
	if !ok {
		return 0, ErrAddressOverflow
	}

	v, err := mem.LoadUint16(addr, order)
	if err != nil {
		return 0, fmt.Errorf("virtq: load used event: %w", err)
	}

	return v, nil
}

// setNotification arms or suppresses driver notifications. Accesses are
// relaxed; the callers that need ordering fence explicitly.
func (q *Queue) setNotification(mem gpa.Memory, enable bool) error {
	switch {
	case enable && q.eventIdx:
		// Publish nextAvail, the pending cursor, rather than the last
		// observed avail idx: if the driver advanced past us while
		// notifications were off, the stale threshold still fires.
		return q.setAvailEvent(mem, q.nextAvail, gpa.Relaxed)

	case enable:
		return q.setUsedFlags(mem, 0, gpa.Relaxed)

	case !q.eventIdx:
		return q.setUsedFlags(mem, UsedFNoNotify, gpa.Relaxed)

	default:
		// With the event index negotiated, notifications stay off on
		// their own after firing once; there is nothing to write.
		return nil
	}
}

// EnableNotification re-arms driver notifications and reports whether the
// driver published new entries in the unguarded window: true means the
// caller must run one more consumption pass before trusting notifications
// to fire. This is the double-check that closes the lost-wakeup race.
func (q *Queue) EnableNotification(mem gpa.Memory) (bool, error) {
	if err := q.setNotification(mem, true); err != nil {
		return false, err
	}

	// The re-read below must not be ordered ahead of the arm write.
	gpa.Fence()

	idx, err := q.AvailIdx(mem, gpa.Relaxed)
	if err != nil {
		return false, err
	}

	return idx != q.nextAvail, nil
}

// DisableNotification asks the driver to stop notifying the device. With
// the event index negotiated this is a no-op: suppression is implicit until
// the device re-arms.
func (q *Queue) DisableNotification(mem gpa.Memory) error {
	return q.setNotification(mem, false)
}

// NeedsNotification reports whether the driver must be signalled for the
// chains completed since the last call. Without the event index there is no
// suppression and the answer is always true. With it, the driver is due a
// notification exactly when its published threshold falls inside the
// half-open window of used-index values this batch produced, evaluated with
// wrapping arithmetic so it stays correct across the 16-bit wrap.
func (q *Queue) NeedsNotification(mem gpa.Memory) (bool, error) {
	usedIdx := q.nextUsed

	// Make the AddUsed stores globally visible before reading the
	// driver's threshold.
	gpa.Fence()

	if !q.eventIdx {
		return true, nil
	}

	usedEvent, err := q.usedEvent(mem, gpa.Relaxed)
	if err != nil {
		return false, err
	}

	old := usedIdx - q.numAdded
	q.numAdded = 0

	return usedIdx-usedEvent-1 < usedIdx-old, nil
}

// Iter snapshots the driver-published available index with acquire ordering
// (pairing with the driver's release publish) and returns an iterator over
// the chains between the queue's cursor and that snapshot.
func (q *Queue) Iter(mem gpa.Memory) (*AvailIter, error) {
	idx, err := q.AvailIdx(mem, gpa.Acquire)
	if err != nil {
		return nil, err
	}

	return &AvailIter{mem: mem, q: q, lastIndex: idx}, nil
}
