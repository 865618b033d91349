package devmap

// Bmap resolves a logical block on a mapped device to the physical
// device and block it lives on, without performing any I/O. Only
// targets that advertise SupportsBmap can be resolved; everything else
// is an invalid-argument error, as is a device that is not active. A
// swap file on a linear device is the classic caller.
func (r *Registry) Bmap(minor int, block uint64) (DevID, uint64, error) {
	if minor < 0 || minor >= MaxDevices {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeNoSuchDevice,
			"minor out of range")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	md := r.devs[minor]
	if md == nil {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeNoSuchDevice,
			"no such device")
	}
	if md.State() != DeviceActive || md.table == nil {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeInvalidArgument,
			"device not active")
	}

	blkSize := r.blkSizeBytes[minor]
	sectorsPerBlock := uint64(blkSize >> SectorShift)

	req := &Request{
		Dev:     md.dev,
		RDev:    md.dev,
		Sector:  block * sectorsPerBlock,
		BlockNr: block,
		Size:    blkSize,
	}

	t := md.table
	ti := t.target(t.Lookup(req.Sector))
	if ti == nil {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeInvalidArgument,
			"block beyond mapped space")
	}
	if ti.Type.Flags&SupportsBmap == 0 {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeInvalidArgument,
			"target does not support bmap")
	}

	res := ti.Type.Map(req, Read, ti.Private)

	// A careless target may have parked a hook on the request; release
	// it, the request is never forwarded.
	if ih, ok := req.Context.(*ioHook); ok && ih != nil {
		ih.reset()
		r.hooks.Put(ih)
	}

	if res != MapForward {
		return DevID{}, 0, newDeviceError(opBmap, minor, ErrCodeInvalidArgument,
			"target could not resolve block")
	}
	return req.RDev, req.Sector / sectorsPerBlock, nil
}
