// Package virtio defines the contract between a virtio device model and
// the transport that exposes it to a guest driver. The ring protocol lives
// in the virtq subpackage; the mmio subpackage is a register transport.
package virtio

import (
	"fmt"

	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/virtq"
)

// DeviceConfig builds a device handler.
type DeviceConfig interface {
	NewHandler() (DeviceHandler, error)
}

// DeviceHandler is the device model behind one virtio device.
type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits offered by the device,
	// on top of RequiredFeatures.
	GetFeatures() uint64

	// Ready is called after feature negotiation completes.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers may be available on a queue. It
	// runs in a separate goroutine per queue and calls for the same
	// queue never overlap. Notifications are coalesced: one call may
	// cover several driver notifications, so Handle must drain the
	// queue rather than consume a single chain. The notify callback
	// signals the driver that used buffers are available.
	Handle(queueNum int, q *virtq.Queue, mem gpa.Memory, notify func() error) error

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	SocketDeviceID  = DeviceID(19)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// Reserved feature bits negotiated through the transport.
const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC): the driver may publish
	// descriptors whose buffer is an out-of-band descriptor table.
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX): notification suppression uses the
	// used_event/avail_event index thresholds instead of the crude ring
	// flag bits.
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1): the device complies with the
	// modern spec rather than the legacy interface.
	FVersion1 = 1 << 32

	// FRingPacked (VIRTIO_F_RING_PACKED): packed ring layout. Never
	// offered by this module; the engine consumes split rings.
	FRingPacked = 1 << 34

	// FInOrder (VIRTIO_F_IN_ORDER): buffers are used in the order they
	// were made available.
	FInOrder = 1 << 35

	// FRingReset (VIRTIO_F_RING_RESET): the driver may reset a queue
	// individually.
	FRingReset = 1 << 40
)

// RequiredFeatures are the feature bits negotiated for all devices served
// by this module.
const RequiredFeatures = FVersion1 | FIndirectDesc | FEventIdx

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
