package devmap

import (
	"sync/atomic"

	"github.com/devmap/go-devmap/internal/logging"
)

// DeviceState is the lifecycle state of a mapped device.
type DeviceState int32

const (
	// DeviceCreated: registered, no table bound.
	DeviceCreated DeviceState = iota

	// DeviceActive: table bound, dispatch routes I/O.
	DeviceActive

	// DeviceSuspended: dispatch defers I/O to the device queue while
	// the old table drains or a new one is loaded.
	DeviceSuspended

	// DeviceRemoved: slot released; the handle is dead.
	DeviceRemoved
)

func (s DeviceState) String() string {
	switch s {
	case DeviceCreated:
		return "created"
	case DeviceActive:
		return "active"
	case DeviceSuspended:
		return "suspended"
	case DeviceRemoved:
		return "removed"
	}
	return "unknown"
}

// deferredIO is one request parked on a device while it is suspended.
// Items form a LIFO list; the head lives on the device and is mutated
// only under the registry writer lock.
type deferredIO struct {
	req  *Request
	rw   RWDir
	next *deferredIO
}

// MappedDevice is one virtual block device: a registry slot, a name, a
// use count and (while active or draining) a bound mapping table.
//
// All fields except state are guarded by the owning registry's lock:
// writer lock for mutation, reader lock for the dispatch-path reads.
// state is additionally atomic so that snapshots taken without the lock
// are not torn.
type MappedDevice struct {
	dev  DevID
	name string

	state atomic.Int32

	useCount uint32
	table    *Table
	deferred *deferredIO

	nodeHandle NodeHandle

	logger *logging.Logger
}

// Dev returns the device's (major, minor) identity.
func (md *MappedDevice) Dev() DevID { return md.dev }

// Name returns the device's printable identifier.
func (md *MappedDevice) Name() string { return md.name }

// State returns a snapshot of the device's lifecycle state.
func (md *MappedDevice) State() DeviceState {
	return DeviceState(md.state.Load())
}

func (md *MappedDevice) setState(s DeviceState) {
	md.state.Store(int32(s))
}

// Table returns the currently bound table. Stable only while the caller
// prevents a concurrent suspend or activate; nil when no table is
// bound.
func (md *MappedDevice) Table() *Table { return md.table }

// UseCount returns the number of open handles. Stable only under the
// registry lock; exposed for administrative introspection.
func (md *MappedDevice) UseCount() int { return int(md.useCount) }

// pushDeferred parks a request on the device. Caller holds the registry
// writer lock.
func (md *MappedDevice) pushDeferred(req *Request, rw RWDir) {
	md.deferred = &deferredIO{req: req, rw: rw, next: md.deferred}
}

// takeDeferred detaches the whole deferred list. Caller holds the
// registry writer lock; replay happens outside it.
func (md *MappedDevice) takeDeferred() *deferredIO {
	head := md.deferred
	md.deferred = nil
	return head
}
