package devmap

// IoctlCmd selects a block-device control operation.
type IoctlCmd int

const (
	// IoctlGetGeo fills Geo with a synthetic disk geometry.
	IoctlGetGeo IoctlCmd = iota
	// IoctlGetSize fills SizeSectors with the volume size in hardware
	// sectors.
	IoctlGetSize
	// IoctlFlushBuffers syncs the device through the lower layer.
	// Privileged.
	IoctlFlushBuffers
	// IoctlReadAheadGet fills ReadAhead with the shared read-ahead value.
	IoctlReadAheadGet
	// IoctlReadAheadSet stores ReadAhead as the shared read-ahead value.
	// Privileged.
	IoctlReadAheadSet
	// IoctlRereadPartitions is unsupported; mapped devices have no
	// partition table.
	IoctlRereadPartitions
	// IoctlBmap resolves the logical block in Block to PhysDev and
	// PhysBlock.
	IoctlBmap
)

func (c IoctlCmd) String() string {
	switch c {
	case IoctlGetGeo:
		return "get-geo"
	case IoctlGetSize:
		return "get-size"
	case IoctlFlushBuffers:
		return "flush-buffers"
	case IoctlReadAheadGet:
		return "read-ahead-get"
	case IoctlReadAheadSet:
		return "read-ahead-set"
	case IoctlRereadPartitions:
		return "reread-partitions"
	case IoctlBmap:
		return "bmap"
	}
	return "unknown"
}

// Geometry is the synthetic disk geometry reported for a mapped device.
type Geometry struct {
	Heads     uint32
	Sectors   uint32
	Cylinders uint64
}

// IoctlRequest carries the argument and result of an Ioctl call. The
// command decides which fields are read and which are filled.
type IoctlRequest struct {
	// Privileged marks the caller as allowed to run the administrative
	// commands.
	Privileged bool

	// ReadAhead is the input of ReadAheadSet and the output of
	// ReadAheadGet, in sectors.
	ReadAhead uint64

	// Block is the logical block input of Bmap.
	Block uint64

	Geo         Geometry // filled by GetGeo
	SizeSectors uint64   // filled by GetSize
	PhysDev     DevID    // filled by Bmap
	PhysBlock   uint64   // filled by Bmap
}

// volumeSize returns the device size in hardware sectors. Caller holds
// at least the reader lock.
func (r *Registry) volumeSize(minor int) uint64 {
	hardsect := r.hardsectSize[minor]
	if hardsect == 0 {
		return 0
	}
	return (r.blockSizeKiB[minor] << 10) / uint64(hardsect)
}

// Ioctl executes one control operation against a mapped device.
func (r *Registry) Ioctl(minor int, cmd IoctlCmd, req *IoctlRequest) error {
	if minor < 0 || minor >= MaxDevices {
		return newDeviceError(opIoctl, minor, ErrCodeNoSuchDevice,
			"minor out of range")
	}

	switch cmd {
	case IoctlGetGeo:
		r.mu.RLock()
		size := r.volumeSize(minor)
		r.mu.RUnlock()
		req.Geo = Geometry{Heads: GeoHeads, Sectors: GeoSectors}
		req.Geo.Cylinders = size / uint64(req.Geo.Heads) / uint64(req.Geo.Sectors)
		return nil

	case IoctlGetSize:
		r.mu.RLock()
		req.SizeSectors = r.volumeSize(minor)
		r.mu.RUnlock()
		return nil

	case IoctlFlushBuffers:
		if !req.Privileged {
			return newDeviceError(opIoctl, minor, ErrCodePermissionDenied,
				"flush requires privilege")
		}
		r.mu.RLock()
		md := r.devs[minor]
		if md == nil {
			r.mu.RUnlock()
			return newDeviceError(opIoctl, minor, ErrCodeNoSuchDevice,
				"no such device")
		}
		r.syncDev(md.dev)
		r.mu.RUnlock()
		return nil

	case IoctlReadAheadGet:
		r.mu.RLock()
		req.ReadAhead = r.readAhead
		r.mu.RUnlock()
		return nil

	case IoctlReadAheadSet:
		if !req.Privileged {
			return newDeviceError(opIoctl, minor, ErrCodePermissionDenied,
				"read-ahead set requires privilege")
		}
		r.mu.Lock()
		r.readAhead = req.ReadAhead
		r.mu.Unlock()
		return nil

	case IoctlRereadPartitions:
		return newDeviceError(opIoctl, minor, ErrCodeInvalidArgument,
			"mapped devices have no partitions")

	case IoctlBmap:
		dev, block, err := r.Bmap(minor, req.Block)
		if err != nil {
			return err
		}
		req.PhysDev = dev
		req.PhysBlock = block
		return nil

	default:
		r.logger.Warn("unknown block ioctl", "minor", minor, "cmd", int(cmd))
		return newDeviceError(opIoctl, minor, ErrCodeInvalidArgument,
			"unknown ioctl command")
	}
}
