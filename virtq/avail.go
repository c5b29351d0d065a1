package virtq

import (
	"fmt"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/internal/logging"
)

// AvailIter yields the descriptor chains the driver has published since the
// queue's cursor last advanced. It is finite and non-restartable: the
// available index is snapshotted when the iterator is created, and each
// yielded chain advances the queue's cursor permanently. Call Queue.Iter
// again to pick up entries published afterwards.
type AvailIter struct {
	mem       gpa.Memory
	q         *Queue
	lastIndex uint16
}

// Next returns the next unconsumed descriptor chain, or nil when the
// iterator has caught up with the snapshotted available index.
func (it *AvailIter) Next() (*Chain, error) {
	// The cursor and the driver index both wrap mod 2^16, so the pending
	// count is their wrapping difference, never an ordered comparison. A
	// count above the queue size means the driver moved idx backwards
	// (or wildly forwards); there is no way to consume such a ring, so
	// treat it as empty rather than feed the device garbage heads.
	pending := it.lastIndex - it.q.nextAvail
	if pending == 0 {
		return nil, nil
	}

	if pending > it.q.size {
		logging.Warn("virtio queue avail index moved backwards",
			"avail_idx", it.lastIndex, "next_avail", it.q.nextAvail)
		return nil, nil
	}

	slot := it.q.nextAvail % it.q.size
	addr, ok := it.q.availRing.CheckedAdd(availRingHeaderSize + uint64(slot)*availElemSize)
	if !ok {
		return nil, ErrAddressOverflow
	}

	head, err := it.mem.LoadUint16(addr, gpa.Relaxed)
	if err != nil {
		return nil, fmt.Errorf("virtq: load avail ring slot %d: %w", slot, err)
	}

	it.q.nextAvail++

	return newChain(it.mem, it.q.descTable, it.q.size, head), nil
}
