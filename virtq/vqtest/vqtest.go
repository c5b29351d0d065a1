// Package vqtest lays out a split virtqueue in slab memory and plays the
// driver side, so tests can drive a Queue without a guest.
package vqtest

import (
	"encoding/binary"
	"fmt"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/virtq"
)

// Ring base addresses used by every bench. Each region is comfortably
// clear of the others for any size up to 256.
const (
	DescAddr  gpa.Addr = 0x1000
	AvailAddr gpa.Addr = 0x2000
	UsedAddr  gpa.Addr = 0x3000

	memSize = 0x10000
)

// Bench is one split virtqueue laid out in a fresh slab. Its methods play
// the guest driver: storing descriptors, publishing available entries, and
// inspecting what the device wrote to the used ring. They panic on slab
// access errors, which the fixed layout makes unreachable.
type Bench struct {
	Mem  *gpa.Slab
	Size uint16
}

// New returns a bench for a queue of the given size.
func New(size uint16) *Bench {
	return &Bench{
		Mem:  gpa.NewSlab(memSize),
		Size: size,
	}
}

// NewQueue returns a queue configured against the bench's rings and marked
// ready.
func (b *Bench) NewQueue() *virtq.Queue {
	q := virtq.New(b.Size)
	q.SetDescTableAddr(DescAddr)
	q.SetAvailRingAddr(AvailAddr)
	q.SetUsedRingAddr(UsedAddr)
	q.SetReady(true)
	return q
}

func (b *Bench) load16(addr gpa.Addr) uint16 {
	v, err := b.Mem.LoadUint16(addr, gpa.Relaxed)
	if err != nil {
		panic(fmt.Sprintf("vqtest: load %#x: %v", uint64(addr), err))
	}
	return v
}

func (b *Bench) store16(v uint16, addr gpa.Addr) {
	if err := b.Mem.StoreUint16(v, addr, gpa.Relaxed); err != nil {
		panic(fmt.Sprintf("vqtest: store %#x: %v", uint64(addr), err))
	}
}

// StoreDesc encodes d into slot i of the descriptor table.
func (b *Bench) StoreDesc(i uint16, d virtq.Desc) {
	var buf [virtq.DescSize]byte
	d.Encode(buf[:])

	if err := b.Mem.WriteAt(buf[:], DescAddr+gpa.Addr(i)*virtq.DescSize); err != nil {
		panic(fmt.Sprintf("vqtest: store desc %d: %v", i, err))
	}
}

// StoreIndirect encodes descriptors into an out-of-band table at addr.
func (b *Bench) StoreIndirect(addr gpa.Addr, descs []virtq.Desc) {
	buf := make([]byte, len(descs)*virtq.DescSize)
	for i, d := range descs {
		d.Encode(buf[i*virtq.DescSize:])
	}

	if err := b.Mem.WriteAt(buf, addr); err != nil {
		panic(fmt.Sprintf("vqtest: store indirect table: %v", err))
	}
}

// SetAvailEntry publishes head in the given available ring slot.
func (b *Bench) SetAvailEntry(slot, head uint16) {
	b.store16(head, AvailAddr+4+gpa.Addr(slot)*2)
}

// SetAvailIdx publishes the driver's available index.
func (b *Bench) SetAvailIdx(v uint16) {
	b.store16(v, AvailAddr+2)
}

// SetAvailFlags sets the available ring flags word.
func (b *Bench) SetAvailFlags(v uint16) {
	b.store16(v, AvailAddr)
}

// SetUsedEvent publishes the driver's used_event notification threshold.
func (b *Bench) SetUsedEvent(v uint16) {
	b.store16(v, AvailAddr+4+gpa.Addr(b.Size)*2)
}

// UsedIdx returns the used index published by the device.
func (b *Bench) UsedIdx() uint16 {
	return b.load16(UsedAddr + 2)
}

// UsedFlags returns the used ring flags word written by the device.
func (b *Bench) UsedFlags() uint16 {
	return b.load16(UsedAddr)
}

// AvailEvent returns the avail_event threshold published by the device.
func (b *Bench) AvailEvent() uint16 {
	return b.load16(UsedAddr + 4 + gpa.Addr(b.Size)*8)
}

// UsedElem returns the used ring element in the given slot.
func (b *Bench) UsedElem(slot uint16) (id, length uint32) {
	var buf [8]byte
	if err := b.Mem.ReadAt(buf[:], UsedAddr+4+gpa.Addr(slot)*8); err != nil {
		panic(fmt.Sprintf("vqtest: read used elem %d: %v", slot, err))
	}

	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}
