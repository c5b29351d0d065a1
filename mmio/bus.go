package mmio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hostvm/virtio"
	"github.com/hostvm/virtio/gpa"
	"github.com/hostvm/virtio/internal/logging"
	"github.com/hostvm/virtio/virtq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// queuesPerDevice bounds the number of virtqueues a single device exposes.
const queuesPerDevice = 16

// queueNumMax is the largest queue size a driver may configure.
const queueNumMax = 1 << 15

type Bus struct {
	handlers []virtio.DeviceHandler
	mem      gpa.Memory
	notify   func(irq int) error
	devices  []*device
}

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	queues  [queuesPerDevice]*virtq.Queue

	qC      [queuesPerDevice]chan struct{}
	workers *errgroup.Group
	started [queuesPerDevice]bool
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32

	intStatus uint32
}

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusFeaturesOK  = 8   // features negotiated
	statusDriverOK    = 4   // ready to drive
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error

	negotiatingFeatures = statusAcknowledge | statusDriver
	configuringQueues   = negotiatingFeatures | statusFeaturesOK
	operatingNormally   = configuringQueues | statusDriverOK
)

var le = binary.LittleEndian

// NewBus creates a new bus and installs a device for each of the given
// handlers. Devices walk their virtqueues through mem. The notify callback
// is called when a device needs to notify the guest of a config or buffer
// event.
//
// Devices are assigned an IRQ and a 4K register region. See the Devices
// method.
func NewBus(handlers []virtio.DeviceHandler, mem gpa.Memory, notify func(irq int) error) *Bus {
	const sz = 0x1000

	var (
		irq  = 5
		addr = uint64(0xd0000000)
	)

	b := &Bus{
		handlers: handlers,
		mem:      mem,
		notify:   notify,
		devices:  make([]*device, len(handlers)),
	}

	for i, h := range handlers {
		d := &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: sz,
			},

			handler: h,
			workers: new(errgroup.Group),
		}

		for i := range d.qC {
			d.qC[i] = make(chan struct{}, 1)
			d.queues[i] = virtq.New(queueNumMax)
		}

		b.devices[i] = d

		irq++
		addr += sz
	}

	return b
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Close stops all queue workers and waits for in-flight handler calls to
// return. The first handler error, if any, is returned.
func (b *Bus) Close() error {
	var first error
	for _, d := range b.devices {
		d.mu.Lock()
		for i := range d.qC {
			if d.qC[i] != nil {
				close(d.qC[i])
				d.qC[i] = nil
			}
		}
		workers := d.workers
		d.mu.Unlock()

		if err := workers.Wait(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil && !(d.needsReset() || d.driverFailed()) {
			d.markNeedsReset()
		}
	}()

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

// markNeedsReset records a fatal device error and, if the device was
// running, tells the driver via a config change interrupt. Callers must
// hold d.mu.
func (d *device) markNeedsReset() {
	notify := d.isOperatingNormally()
	d.state.status |= statusNeedsReset
	d.state.version++

	if notify {
		d.state.intStatus |= intStatusConfigChange
		if err := d.bus.notify(d.info.IRQ); err != nil {
			logging.Error("virtio config change notification failed",
				"irq", d.info.IRQ, "err", err)
		}
	}
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0xffff)

	case regDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case regQueueNumMax:
		le.PutUint32(p, queueNumMax)

	case regQueueReady:
		var ready uint32
		if d.selectedQueue().Ready() {
			ready = 1
		}

		le.PutUint32(p, ready)

	case regInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		switch {
		case off >= regDeviceConfigStart:
			return d.handler.ReadConfig(p, off-regDeviceConfigStart)

		default:
			return unix.EINVAL
		}
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	switch off {
	case regDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(le.Uint32(p))

	case regDriverFeatures:
		return d.writeDriverFeatures(le.Uint32(p))

	case regDriverFeaturesSel:
		return d.writeDriverFeaturesSel(le.Uint32(p))

	case regQueueSel:
		return d.writeQueueSel(le.Uint32(p))

	case regQueueNum:
		return d.writeQueueNum(le.Uint32(p))

	case regQueueReady:
		return d.writeQueueReady(le.Uint32(p))

	case regQueueNotify:
		return d.writeQueueNotify(le.Uint32(p))

	case regInterruptAck:
		return d.writeInterruptAck(le.Uint32(p))

	case regStatus:
		return d.writeStatus(le.Uint32(p))

	case regQueueDescLow:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetDescTableAddrLow(le.Uint32(p)) })

	case regQueueDescHigh:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetDescTableAddrHigh(le.Uint32(p)) })

	case regQueueDriverLow:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetAvailRingAddrLow(le.Uint32(p)) })

	case regQueueDriverHigh:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetAvailRingAddrHigh(le.Uint32(p)) })

	case regQueueDeviceLow:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetUsedRingAddrLow(le.Uint32(p)) })

	case regQueueDeviceHigh:
		return d.writeRingAddr(func(q *virtq.Queue) { q.SetUsedRingAddrHigh(le.Uint32(p)) })

	default:
		return unix.EINVAL
	}
}

// reset quiesces the queue workers, then returns the device and its queues
// to their initial state. The queues are exclusively owned by their workers
// while running, so they must not be touched until every worker has exited.
// A worker can be blocked on notify, which takes d.mu, so the wait runs
// with the lock released; register writes arriving in that window see a
// device with status 0 and are rejected by the status state machine.
func (d *device) reset() {
	d.state = deviceState{}

	var closing []chan struct{}
	for i := range d.qC {
		if d.qC[i] != nil {
			closing = append(closing, d.qC[i])
			d.qC[i] = nil
		}

		d.started[i] = false
	}

	workers := d.workers
	d.workers = new(errgroup.Group)

	d.mu.Unlock()

	for _, ch := range closing {
		close(ch)
	}

	if err := workers.Wait(); err != nil {
		logging.Error("virtio queue worker failed during reset",
			"device", d.info.Type, "err", err)
	}

	d.mu.Lock()

	// A failing worker may have flagged NEEDS_RESET in the unlocked
	// window; the reset it asked for is this one.
	d.state = deviceState{}

	for _, q := range d.queues {
		q.Reset()
	}

	for i := range d.qC {
		d.qC[i] = make(chan struct{}, 1)
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v&statusNeedsReset > 0 || v < d.state.status {
		return unix.EINVAL
	}

	d.state.status = v
	d.state.version++

	if v&statusFailed > 0 {
		logging.Error("virtio driver reported failure", "device", d.info.Type)
		return nil
	}

	if d.isOperatingNormally() {
		if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
			logging.Error("virtio driver skipped required feature bits",
				"device", d.info.Type, "features", d.state.driverFeatures)
			return unix.EINVAL
		}

		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return err
		}
	}

	return nil
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v

	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)

	if d.state.driverFeatures&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= queuesPerDevice {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v > queueNumMax {
		return unix.EINVAL
	}

	d.selectedQueue().SetSize(uint16(v))
	return nil
}

func (d *device) writeRingAddr(set func(q *virtq.Queue)) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready() {
		return unix.EPERM
	}

	set(d.selectedQueue())
	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	q := d.selectedQueue()
	if q.Ready() {
		return unix.EPERM
	}

	q.SetEventIdx(d.state.driverFeatures&virtio.FEventIdx != 0)
	q.SetReady(true)

	if !q.IsValid(d.bus.mem) {
		q.SetReady(false)
		return unix.EINVAL
	}

	d.state.version++

	qn := d.state.queueSel
	if !d.started[qn] {
		d.started[qn] = true
		ch := d.qC[qn]
		d.workers.Go(func() error {
			return d.serveQueue(int(qn), q, ch)
		})
	}

	return nil
}

// serveQueue drains one queue on each driver notification until the queue's
// channel is closed. A handler error is fatal to the device.
func (d *device) serveQueue(qn int, q *virtq.Queue, ch <-chan struct{}) error {
	notify := func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.state.intStatus |= intStatusUsedBuffer
		return d.bus.notify(d.info.IRQ)
	}

	for range ch {
		if err := d.handler.Handle(qn, q, d.bus.mem, notify); err != nil {
			logging.Error("virtio queue handler failed",
				"device", d.info.Type, "queue", qn, "err", err)

			d.mu.Lock()
			d.markNeedsReset()
			d.mu.Unlock()

			return fmt.Errorf("%v: handle queue %d: %w", d.info.Type, qn, err)
		}
	}

	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= queuesPerDevice || !d.queues[v].Ready() {
		return unix.EPERM
	}

	select {
	case d.qC[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	return nil
}

func (d *device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&statusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&statusFailed != 0
}

func (d *device) selectedQueue() *virtq.Queue {
	return d.queues[d.state.queueSel]
}
