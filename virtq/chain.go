package virtq

import (
	"fmt"
	"math"

	"github.com/hostvm/virtio/gpa"
)

// Chain walks the descriptors that make up one request, starting at a head
// index in the split descriptor table. Descriptors are loaded from guest
// memory on demand and never cached: the chain is ephemeral and a second
// walk re-reads whatever the driver has in memory now.
type Chain struct {
	mem      gpa.Memory
	table    gpa.Addr
	tableLen uint16
	head     uint16
	next     uint16

	// ttl bounds the walk to the queue size. A corrupted or adversarial
	// table could otherwise link descriptors into a cycle.
	ttl uint16

	indirect bool
	done     bool
}

func newChain(mem gpa.Memory, descTable gpa.Addr, queueSize, head uint16) *Chain {
	return &Chain{
		mem:      mem,
		table:    descTable,
		tableLen: queueSize,
		head:     head,
		next:     head,
		ttl:      queueSize,
	}
}

// HeadIndex returns the chain's head index in the main descriptor table.
// It is the id reported back through the used ring on completion.
func (c *Chain) HeadIndex() uint16 {
	return c.head
}

// Next returns the next descriptor in the chain, or nil at the end of the
// chain. Indirect descriptors are resolved transparently: the walk descends
// into the indirect table and yields its entries.
func (c *Chain) Next() (*Desc, error) {
	for !c.done {
		if c.ttl == 0 {
			c.done = true
			return nil, fmt.Errorf("%w: head %d", ErrChainTooLong, c.head)
		}

		if c.next >= c.tableLen {
			c.done = true
			return nil, fmt.Errorf("%w: index %d, table size %d",
				ErrInvalidDescriptorIndex, c.next, c.tableLen)
		}

		addr, ok := c.table.CheckedAdd(uint64(c.next) * DescSize)
		if !ok {
			c.done = true
			return nil, ErrAddressOverflow
		}

		var buf [DescSize]byte
		if err := c.mem.ReadAt(buf[:], addr); err != nil {
			c.done = true
			return nil, fmt.Errorf("virtq: load descriptor %d: %w", c.next, err)
		}

		desc := DecodeSplitDesc(buf[:])

		if desc.RefersToIndirectTable() {
			if err := c.descend(desc); err != nil {
				c.done = true
				return nil, err
			}

			continue
		}

		c.ttl--

		if desc.HasNext() {
			c.next = desc.link
		} else {
			c.done = true
		}

		return &desc, nil
	}

	return nil, nil
}

// descend switches the walk to the indirect table named by desc.
func (c *Chain) descend(desc Desc) error {
	if c.indirect {
		return ErrNestedIndirect
	}

	// An indirect descriptor stands alone: it replaces the rest of the
	// chain and must not also be linked.
	if desc.HasNext() {
		return fmt.Errorf("%w: indirect descriptor %d has the next flag set",
			ErrInvalidIndirectLen, c.next)
	}

	// entries must fit in a u16 index space or the table bound would wrap
	if desc.len == 0 || desc.len%DescSize != 0 || desc.len/DescSize > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidIndirectLen, desc.len)
	}

	c.indirect = true
	c.table = gpa.Addr(desc.addr)
	c.tableLen = uint16(desc.len / DescSize)
	c.next = 0

	return nil
}

// NewPackedChain would traverse a packed-format descriptor chain. The packed
// layout is decodable (see DecodePackedDesc) but its chain traversal is not
// implemented, and pretending otherwise would hand the device wrong buffers.
func NewPackedChain(gpa.Memory, gpa.Addr, uint16, uint16) (*Chain, error) {
	return nil, ErrPackedChainUnsupported
}
