package devmap

import (
	"fmt"
	"sync"

	"github.com/devmap/go-devmap/internal/hookpool"
	"github.com/devmap/go-devmap/internal/logging"
)

// Options configures a Registry.
type Options struct {
	// Lower is the block layer forwarded requests are submitted to.
	// Required for dispatch; a registry without it can still manage
	// device lifecycle.
	Lower Submitter

	// Nodes registers device nodes on create/remove. Defaults to a
	// no-op implementation.
	Nodes DeviceNodes

	// HotplugHelper, when non-empty, is the path of a helper program
	// spawned on device create and remove.
	HotplugHelper string

	// Major overrides the block major number. Defaults to DefaultMajor.
	Major int

	// HookPoolSize bounds the number of simultaneously in-flight
	// forwarded requests. Defaults to DefaultHookPoolSize.
	HookPoolSize int

	// Logger overrides the package default logger.
	Logger *logging.Logger
}

// Registry owns the fixed minor-number table of mapped devices and the
// per-minor geometry arrays filled in when a table is bound. One
// reader/writer lock guards all of it: dispatch and lookups read, the
// administrative operations write. Readers outnumber writers
// overwhelmingly on the hot path.
type Registry struct {
	mu   sync.RWMutex
	devs [MaxDevices]*MappedDevice

	// per-minor geometry, parallel to devs
	blockSizeKiB [MaxDevices]uint64 // device size in 1 KiB blocks
	blkSizeBytes [MaxDevices]int    // logical block size
	hardsectSize [MaxDevices]uint32 // hardware sector size

	readAhead uint64 // sectors, shared across the major

	major   int
	lower   Submitter
	nodes   DeviceNodes
	hooks   *hookpool.Pool[*ioHook]
	hotplug string

	metrics *Metrics
	logger  *logging.Logger
}

// NewRegistry builds a registry.
func NewRegistry(opts Options) *Registry {
	nodes := opts.Nodes
	if nodes == nil {
		nodes = nopNodes{}
	}
	major := opts.Major
	if major == 0 {
		major = DefaultMajor
	}
	poolSize := opts.HookPoolSize
	if poolSize == 0 {
		poolSize = DefaultHookPoolSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := &Registry{
		readAhead: DefaultReadAhead,
		major:     major,
		lower:     opts.Lower,
		nodes:     nodes,
		hooks:     hookpool.New(poolSize, func() *ioHook { return &ioHook{} }),
		hotplug:   opts.HotplugHelper,
		metrics:   NewMetrics(),
		logger:    logger,
	}
	logger.Info("mapper initialised",
		"driver", DriverName,
		"version", fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch),
		"major", major)
	return r
}

// Metrics returns the registry's metrics.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// specificDev reports whether the requested minor slot is free. Caller
// holds the writer lock.
func (r *Registry) specificDev(minor int) int {
	if minor >= MaxDevices {
		return -1
	}
	if r.devs[minor] == nil {
		return minor
	}
	return -1
}

// anyOldDev returns the lowest free minor, or -1 when the registry is
// full. Caller holds the writer lock.
func (r *Registry) anyOldDev() int {
	for i := 0; i < MaxDevices; i++ {
		if r.devs[i] == nil {
			return i
		}
	}
	return -1
}

// Create allocates a registry slot and registers a device node. Pass
// minor -1 to take the lowest free slot; a specific minor fails when
// taken. The new device starts in the Created state with no table.
func (r *Registry) Create(name string, minor int) (*MappedDevice, error) {
	if minor >= MaxDevices {
		return nil, newDeviceError(opCreate, minor, ErrCodeNoSuchDevice,
			"minor out of range")
	}
	if name == "" || len(name) > MaxNameLen {
		return nil, newError(opCreate, ErrCodeInvalidArgument, "bad device name")
	}

	md := &MappedDevice{name: name}

	r.mu.Lock()
	if minor < 0 {
		minor = r.anyOldDev()
	} else {
		minor = r.specificDev(minor)
	}
	if minor < 0 {
		r.mu.Unlock()
		return nil, newError(opCreate, ErrCodeNoSuchDevice, "no free device slot")
	}
	md.dev = MkDev(r.major, minor)
	md.setState(DeviceCreated)
	md.logger = r.logger.WithDevice(minor)
	r.devs[minor] = md

	h, err := r.nodes.Register(name, md.dev)
	if err != nil {
		r.devs[minor] = nil
		r.mu.Unlock()
		return nil, WrapError(opCreate, err)
	}
	md.nodeHandle = h
	r.mu.Unlock()

	r.hotplugEvent(md, true)
	md.logger.Info("device created", "name", name)
	return md, nil
}

// Remove releases a device's slot. The device must not be open and must
// not be active; the freed minor becomes reusable.
func (r *Registry) Remove(md *MappedDevice) error {
	minor := md.dev.Minor

	r.mu.Lock()
	if md.useCount > 0 {
		r.mu.Unlock()
		return newDeviceError(opRemove, minor, ErrCodeDeviceBusy, "device in use")
	}
	if md.State() == DeviceActive {
		r.mu.Unlock()
		return newDeviceError(opRemove, minor, ErrCodeDeviceBusy, "device active")
	}
	if err := r.nodes.Unregister(md.nodeHandle); err != nil {
		r.mu.Unlock()
		return WrapError(opRemove, err)
	}
	r.devs[minor] = nil
	md.setState(DeviceRemoved)
	r.mu.Unlock()

	r.hotplugEvent(md, false)
	md.logger.Info("device removed", "name", md.name)
	return nil
}

// FindByMinor resolves a minor to its device, or nil when the slot is
// empty or out of range.
func (r *Registry) FindByMinor(minor int) *MappedDevice {
	if minor < 0 || minor >= MaxDevices {
		return nil
	}
	r.mu.RLock()
	md := r.devs[minor]
	r.mu.RUnlock()
	return md
}

// Open takes an upper-layer handle on the device behind a minor. It
// fails when the slot is empty or the device is not active.
func (r *Registry) Open(minor int) error {
	if minor < 0 || minor >= MaxDevices {
		return newDeviceError(opOpen, minor, ErrCodeNoSuchDevice, "minor out of range")
	}
	r.mu.Lock()
	md := r.devs[minor]
	if md == nil || md.State() != DeviceActive {
		r.mu.Unlock()
		return newDeviceError(opOpen, minor, ErrCodeNoSuchDevice, "no active device")
	}
	md.useCount++
	r.mu.Unlock()
	return nil
}

// Close drops an upper-layer handle taken with Open.
func (r *Registry) Close(minor int) error {
	if minor < 0 || minor >= MaxDevices {
		return newDeviceError(opClose, minor, ErrCodeNoSuchDevice, "minor out of range")
	}
	r.mu.Lock()
	md := r.devs[minor]
	if md == nil || md.useCount < 1 {
		r.mu.Unlock()
		r.logger.Warn("mapped device use count incorrect", "minor", minor)
		return newDeviceError(opClose, minor, ErrCodeNoSuchDevice, "device not open")
	}
	md.useCount--
	r.mu.Unlock()
	return nil
}

// bind records a table's geometry in the per-minor arrays and attaches
// it to the device. Caller holds the writer lock.
func (r *Registry) bind(md *MappedDevice, t *Table) {
	minor := md.dev.Minor
	md.table = t
	r.blockSizeKiB[minor] = t.SizeSectors() >> 1
	r.blkSizeBytes[minor] = DefaultBlockSizeBytes
	r.hardsectSize[minor] = t.HardsectSize()
}

// Activate binds a table and makes the device available for I/O. A
// previously suspended device has its deferred queue replayed through
// the dispatcher after the new table is live.
func (r *Registry) Activate(md *MappedDevice, t *Table) error {
	minor := md.dev.Minor
	if t == nil || t.NumTargets() == 0 {
		return newDeviceError(opActivate, minor, ErrCodeInvalidArgument, "empty table")
	}

	r.mu.Lock()
	if md.State() == DeviceActive {
		r.mu.Unlock()
		return newDeviceError(opActivate, minor, ErrCodeDeviceBusy, "device already active")
	}
	r.bind(md, t)
	md.setState(DeviceActive)
	replay := md.takeDeferred()
	r.mu.Unlock()

	md.logger.Info("device activated", "targets", t.NumTargets(),
		"size_sectors", t.SizeSectors())

	// Replay outside the lock; each item re-enters the dispatcher and
	// routes under the new table.
	for c := replay; c != nil; c = c.next {
		r.Dispatch(c.req, c.rw)
	}
	return nil
}

// Suspend quiesces the device: it stops routing new I/O, waits for the
// bound table's pending count to drain and then drops the table. New
// requests arriving meanwhile are parked on the deferred queue until
// the next Activate.
func (r *Registry) Suspend(md *MappedDevice) error {
	minor := md.dev.Minor

	r.mu.Lock()
	if md.State() != DeviceActive {
		r.mu.Unlock()
		return newDeviceError(opSuspend, minor, ErrCodeNotActive, "device not active")
	}
	md.setState(DeviceSuspended)
	t := md.table
	r.mu.Unlock()

	md.logger.Debug("suspend waiting for drain", "pending", t.Pending())

	// Wait for in-flight I/O against the old table. The pending count is
	// re-read under the writer lock so the final zero observation and
	// the map clear are a single critical section.
	for {
		r.mu.Lock()
		if t.Pending() == 0 {
			break
		}
		r.mu.Unlock()
		t.waitDrained()
	}
	md.table = nil
	r.mu.Unlock()

	md.logger.Info("device suspended")
	return nil
}

// Deactivate drops an active device's table without suspending it. The
// device must not be open. The underlying device is synced under the
// reader lock first: the sync can block for a long time and must not
// stall the whole registry.
func (r *Registry) Deactivate(md *MappedDevice) error {
	minor := md.dev.Minor

	r.mu.RLock()
	if md.useCount > 0 {
		r.mu.RUnlock()
		return newDeviceError(opDeactivate, minor, ErrCodeDeviceBusy, "device in use")
	}
	r.syncDev(md.dev)
	r.mu.RUnlock()

	r.mu.Lock()
	if md.useCount > 0 {
		// somebody got in while we were syncing
		r.mu.Unlock()
		return newDeviceError(opDeactivate, minor, ErrCodeDeviceBusy, "device in use")
	}
	md.table = nil
	md.setState(DeviceCreated)
	r.mu.Unlock()

	md.logger.Info("device deactivated")
	return nil
}

// syncDev pushes dirty lower-layer state for dev, when the lower layer
// supports it.
func (r *Registry) syncDev(dev DevID) {
	if s, ok := r.lower.(Syncer); ok {
		if err := s.Sync(dev); err != nil {
			r.logger.WithError(err).Warn("lower device sync failed", "dev", dev.String())
		}
	}
}
