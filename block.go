package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/internal/logging"
	"github.com/hostvm/virtio/virtq"
)

// Block is a virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage

	writerAt io.WriterAt
}

// BlockStorage is the basic interface to a block device's backing storage.
// It is read-only: to enable writes, storage types should also implement
// io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// blkConfig has the same fields as struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // le64, expressed in 512-byte sectors
	SizeMax  uint32 // le32
	SegMax   uint32 // le32
}

// features
const (
	blkFRO = 1 << 4 // device is read-only
)

// request types
const (
	blkTIn  = 0
	blkTOut = 1
)

// request status
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// blkHdrSize is the encoded size of a request header: type, reserved, sector.
const blkHdrSize = 16

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() (features uint64) {
	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		return blkFRO
	}

	return
}

func (dev *Block) Ready(negotiatedFeatures uint64) error {
	if dev.ReadOnly && negotiatedFeatures&blkFRO == 0 {
		return fmt.Errorf("virtio: read-only block device, but VIRTIO_BLK_F_RO not negotiated")
	}

	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

// Handle drains the request queue. It runs the standard suppression loop:
// notifications off, consume every available chain, re-arm, and loop once
// more if the driver published entries while notifications were off.
func (dev *Block) Handle(queueNum int, q *virtq.Queue, mem gpa.Memory, notify func() error) error {
	if queueNum != 0 {
		return fmt.Errorf("virtio: block device has one queue, got notify for queue %d", queueNum)
	}

	for {
		if err := q.DisableNotification(mem); err != nil {
			return err
		}

		it, err := q.Iter(mem)
		if err != nil {
			return err
		}

		for {
			c, err := it.Next()
			if err != nil {
				return err
			}

			if c == nil {
				break
			}

			written := dev.handleChain(mem, c)

			if err := q.AddUsed(mem, c.HeadIndex(), written); err != nil {
				return err
			}

			need, err := q.NeedsNotification(mem)
			if err != nil {
				return err
			}

			if need {
				if err := notify(); err != nil {
					return err
				}
			}
		}

		more, err := q.EnableNotification(mem)
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}
}

// handleChain processes one request chain and returns the number of bytes
// written to device-writable buffers. A malformed chain is reported and
// completed with zero bytes: the driver is untrusted and must not be able
// to wedge the queue.
func (dev *Block) handleChain(mem gpa.Memory, c *virtq.Chain) uint32 {
	var descs []virtq.Desc
	for {
		d, err := c.Next()
		if err != nil {
			logging.Error("block request chain is broken", "head", c.HeadIndex(), "err", err)
			return 0
		}

		if d == nil {
			break
		}

		descs = append(descs, *d)
	}

	// hdr (device-readable), data, status (device-writable)
	if len(descs) != 3 ||
		descs[0].IsWriteOnly() || descs[0].Len() != blkHdrSize ||
		!descs[2].IsWriteOnly() || descs[2].Len() != 1 {
		logging.Error("malformed block request chain", "head", c.HeadIndex(), "descs", len(descs))
		return 0
	}

	var hdr [blkHdrSize]byte
	if err := mem.ReadAt(hdr[:], gpa.Addr(descs[0].Addr())); err != nil {
		logging.Error("block request header read failed", "err", err)
		return 0
	}

	var (
		reqType = binary.LittleEndian.Uint32(hdr[0:4])
		sector  = binary.LittleEndian.Uint64(hdr[8:16])
		data    = descs[1]
		off     = int64(sector) * 512
	)

	var n int
	var status byte
	var err error

	switch reqType {
	case blkTIn:
		if !data.IsWriteOnly() {
			status = blkSUnsupp
			break
		}

		buf := make([]byte, data.Len())
		if n, err = dev.Storage.ReadAt(buf, off); err == nil {
			err = mem.WriteAt(buf[:n], gpa.Addr(data.Addr()))
		}

	case blkTOut:
		if dev.writerAt == nil || data.IsWriteOnly() {
			status = blkSUnsupp
			break
		}

		buf := make([]byte, data.Len())
		if err = mem.ReadAt(buf, gpa.Addr(data.Addr())); err == nil {
			_, err = dev.writerAt.WriteAt(buf, off)
		}

		n = 0 // nothing written to guest memory for an out request

	default:
		status = blkSUnsupp
	}

	if err != nil {
		status = blkSIOErr
		n = 0
		logging.Error("block io error", "type", reqType, "sector", sector, "err", err)
	}

	if werr := mem.WriteAt([]byte{status}, gpa.Addr(descs[2].Addr())); werr != nil {
		logging.Error("block status write failed", "err", werr)
		return uint32(n)
	}

	// The used length covers every device-writable byte, status included.
	return uint32(n) + 1
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off >= len(raw) {
		return fmt.Errorf("virtio: block config read at %d is out of bounds", off)
	}

	copy(p, raw[off:])

	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%512 != 0 {
		return nil, fmt.Errorf("virtio: block storage size %d is not a multiple of 512", sz)
	}

	return &blkConfig{Capacity: uint64(sz / 512)}, nil
}

// ReadAt copies from the backing slice at off into p. Per the io.ReaderAt
// contract, a read past the end of the slice returns io.EOF.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	if n = copy(p, ms.Bytes[off:]); n < len(p) {
		err = io.EOF
	}

	return n, err
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off. A write past the end of
// the slice is short and returns io.ErrShortWrite.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	if n = copy(ms.Bytes[off:], p); n < len(p) {
		err = io.ErrShortWrite
	}

	return n, err
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}
