package virtq

import "errors"

var (
	// ErrAddressOverflow means a ring offset computation exceeded the
	// guest physical address space.
	ErrAddressOverflow = errors.New("virtq: address overflow")

	// ErrInvalidDescriptorIndex means a descriptor index was at or past
	// the queue (or indirect table) size.
	ErrInvalidDescriptorIndex = errors.New("virtq: descriptor index out of range")

	// ErrChainTooLong means a chain was still continuing after following
	// as many links as the table has entries, so it must contain a cycle
	// or a corrupted next field.
	ErrChainTooLong = errors.New("virtq: descriptor chain exceeds table size")

	// ErrInvalidIndirectLen means an indirect descriptor's buffer length
	// is zero or not a multiple of the descriptor size.
	ErrInvalidIndirectLen = errors.New("virtq: invalid indirect table length")

	// ErrNestedIndirect means an indirect table itself contained an
	// indirect descriptor, which the protocol forbids.
	ErrNestedIndirect = errors.New("virtq: nested indirect descriptor")

	// ErrPackedNoNext is returned by Desc.Next for packed descriptors,
	// which carry a buffer id in place of a table link.
	ErrPackedNoNext = errors.New("virtq: packed descriptor has no next field")

	// ErrSplitNoID is returned by Desc.ID for split descriptors.
	ErrSplitNoID = errors.New("virtq: split descriptor has no id field")

	// ErrPackedChainUnsupported is returned where packed descriptor
	// chain traversal would be required. Packed rings are decodable but
	// not consumable.
	ErrPackedChainUnsupported = errors.New("virtq: packed descriptor chains are not supported")
)
