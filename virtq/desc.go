package virtq

import (
	"encoding/binary"
	"fmt"
)

// descriptor flags
const (
	DescFNext     = 1 << 0 // buffer continues in the descriptor named by next
	DescFWrite    = 1 << 1 // buffer is device write-only (otherwise read-only)
	DescFIndirect = 1 << 2 // buffer holds an indirect descriptor table
)

// DescSize is the encoded size of one descriptor-table entry. Split and
// packed formats are both 16 bytes; they differ only in the last two fields.
const DescSize = 16

// Format selects the descriptor-table layout a Desc was decoded from.
type Format uint8

const (
	FormatSplit Format = iota
	FormatPacked
)

func (f Format) String() string {
	switch f {
	case FormatSplit:
		return "split"
	case FormatPacked:
		return "packed"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Desc is one descriptor-table entry. It is a tagged union over the split
// layout {addr, len, flags, next} and the packed layout {addr, len, id,
// flags}: the two formats share the buffer fields, while the final halfword
// is a table link for split and a buffer id for packed.
type Desc struct {
	addr   uint64
	len    uint32
	flags  uint16
	link   uint16 // split: next index. packed: buffer id.
	format Format
}

// NewSplitDesc builds a split-format descriptor.
func NewSplitDesc(addr uint64, length uint32, flags, next uint16) Desc {
	return Desc{addr: addr, len: length, flags: flags, link: next, format: FormatSplit}
}

// NewPackedDesc builds a packed-format descriptor.
func NewPackedDesc(addr uint64, length uint32, id, flags uint16) Desc {
	return Desc{addr: addr, len: length, flags: flags, link: id, format: FormatPacked}
}

// DecodeSplitDesc decodes a split descriptor from its 16-byte wire form.
func DecodeSplitDesc(p []byte) Desc {
	_ = p[15]
	return NewSplitDesc(
		binary.LittleEndian.Uint64(p[0:8]),
		binary.LittleEndian.Uint32(p[8:12]),
		binary.LittleEndian.Uint16(p[12:14]),
		binary.LittleEndian.Uint16(p[14:16]),
	)
}

// DecodePackedDesc decodes a packed descriptor from its 16-byte wire form.
func DecodePackedDesc(p []byte) Desc {
	_ = p[15]
	return NewPackedDesc(
		binary.LittleEndian.Uint64(p[0:8]),
		binary.LittleEndian.Uint32(p[8:12]),
		binary.LittleEndian.Uint16(p[12:14]),
		binary.LittleEndian.Uint16(p[14:16]),
	)
}

// Encode writes the descriptor's 16-byte wire form into p.
func (d Desc) Encode(p []byte) {
	_ = p[15]
	binary.LittleEndian.PutUint64(p[0:8], d.addr)
	binary.LittleEndian.PutUint32(p[8:12], d.len)

	switch d.format {
	case FormatPacked:
		binary.LittleEndian.PutUint16(p[12:14], d.link)
		binary.LittleEndian.PutUint16(p[14:16], d.flags)

	default:
		binary.LittleEndian.PutUint16(p[12:14], d.flags)
		binary.LittleEndian.PutUint16(p[14:16], d.link)
	}
}

// Format returns the layout the descriptor was decoded from.
func (d Desc) Format() Format {
	return d.format
}

// Addr returns the guest physical address of the descriptor's buffer.
func (d Desc) Addr() uint64 {
	return d.addr
}

// Len returns the length of the descriptor's buffer.
func (d Desc) Len() uint32 {
	return d.len
}

// Flags returns the descriptor flags, including next, write and indirect bits.
func (d Desc) Flags() uint16 {
	return d.flags
}

// Next returns the next field of a split descriptor. Packed descriptors
// carry a buffer id instead of a table link, so Next fails for them.
func (d Desc) Next() (uint16, error) {
	if d.format != FormatSplit {
		return 0, ErrPackedNoNext
	}

	return d.link, nil
}

// ID returns the buffer id of a packed descriptor.
func (d Desc) ID() (uint16, error) {
	if d.format != FormatPacked {
		return 0, ErrSplitNoID
	}

	return d.link, nil
}

// HasNext reports whether the chain continues in another descriptor.
func (d Desc) HasNext() bool {
	return d.flags&DescFNext != 0
}

// IsWriteOnly reports whether the driver designated the buffer device
// write-only. If false, the buffer is read-only for the device.
func (d Desc) IsWriteOnly() bool {
	return d.flags&DescFWrite != 0
}

// RefersToIndirectTable reports whether the buffer holds an indirect
// descriptor table rather than request data.
func (d Desc) RefersToIndirectTable() bool {
	return d.flags&DescFIndirect != 0
}

// packed-ring event suppression flag values
const (
	PackedEventFlagEnable  = 0x0 // notify on every update
	PackedEventFlagDisable = 0x1 // never notify
	PackedEventFlagDesc    = 0x2 // notify at the descriptor named by OffWrap
)

// PackedEventSuppress is the 4-byte event suppression area of a packed ring:
// a descriptor offset with the wrap counter in bit 15, and a flags word.
// The packed notification path is not wired into Queue; the codec exists so
// the packed wire format is complete.
type PackedEventSuppress struct {
	OffWrap uint16
	Flags   uint16
}

// DecodePackedEventSuppress decodes the area from its 4-byte wire form.
func DecodePackedEventSuppress(p []byte) PackedEventSuppress {
	_ = p[3]
	return PackedEventSuppress{
		OffWrap: binary.LittleEndian.Uint16(p[0:2]),
		Flags:   binary.LittleEndian.Uint16(p[2:4]),
	}
}

// Encode writes the area's 4-byte wire form into p.
func (e PackedEventSuppress) Encode(p []byte) {
	_ = p[3]
	binary.LittleEndian.PutUint16(p[0:2], e.OffWrap)
	binary.LittleEndian.PutUint16(p[2:4], e.Flags)
}

// Off returns the descriptor offset without the wrap counter bit.
func (e PackedEventSuppress) Off() uint16 {
	return e.OffWrap &^ (1 << 15)
}

// Wrap returns the wrap counter published with the offset.
func (e PackedEventSuppress) Wrap() bool {
	return e.OffWrap>>15 == 1
}
