package devmap

import "time"

// ioHook is the per-request shadow record installed while a forwarded
// request is in flight. It remembers the table the request was issued
// against, the owning target and the caller's completion fields so the
// trampoline can restore them. Hooks carry no lock; each is owned by
// exactly one in-flight request between install and completion.
type ioHook struct {
	table  *Table
	target *Target
	rw     RWDir
	endIO  EndIOFunc
	context any
	start  time.Time
}

func (ih *ioHook) reset() {
	*ih = ioHook{}
}

// queueResult is the outcome of an attempt to defer a request.
type queueResult int

const (
	queueDeferred queueResult = iota
	queueRetry                // device became active; dispatch again
)

// queueIO parks a request on a suspended device. The active check is
// repeated under the writer lock: if an activate slipped in since the
// dispatcher's state read, the caller must retry the whole dispatch
// rather than enqueue on a now-live device.
func (r *Registry) queueIO(md *MappedDevice, req *Request, rw RWDir) queueResult {
	r.mu.Lock()
	if md.State() == DeviceActive {
		r.mu.Unlock()
		return queueRetry
	}
	md.pushDeferred(req, rw)
	r.mu.Unlock()
	return queueDeferred
}

// failRequest completes a request with an I/O error and reports the
// cause to the caller. Failures on a single request never affect other
// in-flight requests.
func (r *Registry) failRequest(req *Request, rw RWDir, err *Error) error {
	r.metrics.RecordDispatch(rw, DispatchFailed)
	r.logger.WithError(err).Debug("request failed",
		"minor", req.Dev.Minor, "sector", req.Sector, "rw", rw.String())
	if req.EndIO != nil {
		req.EndIO(req, false)
	}
	return err
}

// mapRequest routes one request under the reader lock: B-tree lookup,
// target map call and hook install. It returns whether the request
// should be forwarded to the lower layer.
func (r *Registry) mapRequest(md *MappedDevice, req *Request, rw RWDir) (forward bool, err *Error) {
	t := md.table
	index := t.Lookup(req.Sector)
	ti := t.target(index)
	if ti == nil {
		return false, newDeviceError(opDispatch, req.Dev.Minor, ErrCodeIOError,
			"sector beyond mapped space")
	}

	ih, ok := r.hooks.Get()
	if !ok {
		r.metrics.RecordHookExhausted()
		return false, newDeviceError(opDispatch, req.Dev.Minor, ErrCodeIOError,
			"io hook pool exhausted")
	}
	ih.table = t
	ih.target = ti
	ih.rw = rw
	ih.endIO = req.EndIO
	ih.context = req.Context
	ih.start = time.Now()

	switch res := ti.Type.Map(req, rw, ti.Private); {
	case res > 0:
		// Hook the completion before the lower layer can see the
		// request; pending mirrors the count of outstanding forwards on
		// this table instance.
		t.incPending()
		req.EndIO = r.completeRequest
		req.Context = ih
		return true, nil

	case res == 0:
		// already satisfied, nothing to interpose on
		ih.reset()
		r.hooks.Put(ih)
		return false, nil

	default:
		ih.reset()
		r.hooks.Put(ih)
		return false, newDeviceError(opDispatch, req.Dev.Minor, ErrCodeIOError,
			"target rejected request")
	}
}

// Dispatch is the entry point for every request aimed at a mapped
// device. Requests against an active device are routed through its
// table and forwarded to the lower layer; requests against a suspended
// device are parked on its deferred queue for replay at the next
// activate. Failures complete the request with an I/O error via its
// EndIO and are also returned.
func (r *Registry) Dispatch(req *Request, rw RWDir) error {
	minor := req.Dev.Minor
	if minor < 0 || minor >= MaxDevices {
		return r.failRequest(req, rw, newDeviceError(opDispatch, minor,
			ErrCodeNoSuchDevice, "minor out of range"))
	}
	req.RDev = req.Dev

	for {
		r.mu.RLock()
		md := r.devs[minor]
		if md == nil {
			r.mu.RUnlock()
			return r.failRequest(req, rw, newDeviceError(opDispatch, minor,
				ErrCodeNoSuchDevice, "no such device"))
		}

		if md.State() != DeviceActive {
			// Defer until the next activate. The writer-locked recheck
			// inside queueIO closes the suspend/activate race: if the
			// device went live again we loop and dispatch against the
			// table bound at that point.
			r.mu.RUnlock()
			if r.queueIO(md, req, rw) == queueRetry {
				continue
			}
			r.metrics.RecordDispatch(rw, DispatchDeferred)
			return nil
		}

		if md.table == nil {
			r.mu.RUnlock()
			return r.failRequest(req, rw, newDeviceError(opDispatch, minor,
				ErrCodeIOError, "active device without table"))
		}

		forward, mapErr := r.mapRequest(md, req, rw)
		pending := md.table.Pending()
		r.mu.RUnlock()

		if mapErr != nil {
			return r.failRequest(req, rw, mapErr)
		}
		if !forward {
			r.metrics.RecordDispatch(rw, DispatchDone)
			return nil
		}

		r.metrics.RecordDispatch(rw, DispatchForwarded)
		r.metrics.RecordPendingDepth(uint32(pending))
		r.lower.Submit(rw, req)
		return nil
	}
}

// completeRequest is the completion trampoline installed on every
// forwarded request. The lower layer invokes it exactly once per
// forward.
func (r *Registry) completeRequest(req *Request, uptodate bool) {
	ih := req.Context.(*ioHook)

	// A failing completion is first offered to the target. If the
	// target takes it, ownership transfers: no decrement, no upstream
	// completion until the target re-completes the request itself.
	if !uptodate && ih.target.Type.Err != nil {
		if ih.target.Type.Err(req, ih.rw, ih.target.Private) {
			r.metrics.RecordCompletionHandled()
			return
		}
	}

	ih.table.decPending()

	req.EndIO = ih.endIO
	req.Context = ih.context
	latency := time.Since(ih.start)
	ih.reset()
	r.hooks.Put(ih)

	r.metrics.RecordCompletion(uint64(latency.Nanoseconds()), uptodate)

	if req.EndIO != nil {
		req.EndIO(req, uptodate)
	}
}
