package devmap

import (
	"sync/atomic"
	"time"
)

// DispatchOutcome classifies what the dispatcher did with a request.
type DispatchOutcome int

const (
	// DispatchForwarded: remapped and submitted to the lower layer.
	DispatchForwarded DispatchOutcome = iota
	// DispatchDone: satisfied synchronously by the target.
	DispatchDone
	// DispatchDeferred: parked on a suspended device's queue.
	DispatchDeferred
	// DispatchFailed: completed with an I/O error.
	DispatchFailed
)

// latencyBuckets are the completion-latency histogram bounds in
// nanoseconds, logarithmically spaced from 1us to 10s.
var latencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks dispatch and completion statistics for a registry.
// All counters are atomics; recording on the hot path takes no lock.
type Metrics struct {
	// dispatch outcome counters, split by direction
	ReadForwarded  atomic.Uint64
	WriteForwarded atomic.Uint64
	ReadDone       atomic.Uint64
	WriteDone      atomic.Uint64
	ReadDeferred   atomic.Uint64
	WriteDeferred  atomic.Uint64
	ReadFailed     atomic.Uint64
	WriteFailed    atomic.Uint64

	// completion counters
	Completions        atomic.Uint64
	CompletionErrors   atomic.Uint64
	CompletionsHandled atomic.Uint64 // claimed by a target's err hook
	HookExhaustions    atomic.Uint64

	// pending depth statistics
	PendingDepthTotal atomic.Uint64
	PendingDepthCount atomic.Uint64
	MaxPendingDepth   atomic.Uint32

	// completion latency
	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records one dispatcher decision.
func (m *Metrics) RecordDispatch(rw RWDir, outcome DispatchOutcome) {
	switch outcome {
	case DispatchForwarded:
		if rw == Write {
			m.WriteForwarded.Add(1)
		} else {
			m.ReadForwarded.Add(1)
		}
	case DispatchDone:
		if rw == Write {
			m.WriteDone.Add(1)
		} else {
			m.ReadDone.Add(1)
		}
	case DispatchDeferred:
		if rw == Write {
			m.WriteDeferred.Add(1)
		} else {
			m.ReadDeferred.Add(1)
		}
	case DispatchFailed:
		if rw == Write {
			m.WriteFailed.Add(1)
		} else {
			m.ReadFailed.Add(1)
		}
	}
}

// RecordCompletion records one delivered completion.
func (m *Metrics) RecordCompletion(latencyNs uint64, uptodate bool) {
	m.Completions.Add(1)
	if !uptodate {
		m.CompletionErrors.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordCompletionHandled records a failed completion claimed by a
// target's err hook.
func (m *Metrics) RecordCompletionHandled() {
	m.CompletionsHandled.Add(1)
}

// RecordHookExhausted records a hook pool allocation failure.
func (m *Metrics) RecordHookExhausted() {
	m.HookExhaustions.Add(1)
}

// RecordPendingDepth samples the in-flight depth at dispatch time.
func (m *Metrics) RecordPendingDepth(depth uint32) {
	m.PendingDepthTotal.Add(uint64(depth))
	m.PendingDepthCount.Add(1)
	for {
		current := m.MaxPendingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxPendingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// MetricsSnapshot is a point-in-time view with derived statistics.
type MetricsSnapshot struct {
	ReadForwarded  uint64
	WriteForwarded uint64
	ReadDone       uint64
	WriteDone      uint64
	ReadDeferred   uint64
	WriteDeferred  uint64
	ReadFailed     uint64
	WriteFailed    uint64

	Completions        uint64
	CompletionErrors   uint64
	CompletionsHandled uint64
	HookExhaustions    uint64

	AvgPendingDepth float64
	MaxPendingDepth uint32

	AvgLatencyNs uint64
	LatencyP50Ns uint64
	LatencyP99Ns uint64

	TotalDispatches uint64
	ReadIOPS        float64
	WriteIOPS       float64
	ErrorRate       float64 // percent of dispatches that failed
	UptimeNs        uint64
}

// Snapshot captures the current counters and computes the derived
// statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadForwarded:      m.ReadForwarded.Load(),
		WriteForwarded:     m.WriteForwarded.Load(),
		ReadDone:           m.ReadDone.Load(),
		WriteDone:          m.WriteDone.Load(),
		ReadDeferred:       m.ReadDeferred.Load(),
		WriteDeferred:      m.WriteDeferred.Load(),
		ReadFailed:         m.ReadFailed.Load(),
		WriteFailed:        m.WriteFailed.Load(),
		Completions:        m.Completions.Load(),
		CompletionErrors:   m.CompletionErrors.Load(),
		CompletionsHandled: m.CompletionsHandled.Load(),
		HookExhaustions:    m.HookExhaustions.Load(),
		MaxPendingDepth:    m.MaxPendingDepth.Load(),
	}

	snap.TotalDispatches = snap.ReadForwarded + snap.WriteForwarded +
		snap.ReadDone + snap.WriteDone +
		snap.ReadDeferred + snap.WriteDeferred +
		snap.ReadFailed + snap.WriteFailed

	depthCount := m.PendingDepthCount.Load()
	if depthCount > 0 {
		snap.AvgPendingDepth = float64(m.PendingDepthTotal.Load()) / float64(depthCount)
	}

	if snap.Completions > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / snap.Completions
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadForwarded) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteForwarded) / uptimeSeconds
	}

	if snap.TotalDispatches > 0 {
		failed := snap.ReadFailed + snap.WriteFailed
		snap.ErrorRate = float64(failed) / float64(snap.TotalDispatches) * 100.0
	}

	return snap
}

// percentile estimates the latency below which fraction p of all
// completions fall. The histogram stores cumulative counts per bucket
// bound; the walk keeps the bound and count already passed, and the
// answer is placed proportionally inside the bucket whose cumulative
// count first reaches the rank.
func (m *Metrics) percentile(p float64) uint64 {
	rank := uint64(p * float64(m.Completions.Load()))
	if rank == 0 {
		return 0
	}

	lo, seen := uint64(0), uint64(0)
	for i, hi := range latencyBuckets {
		cum := m.LatencyBuckets[i].Load()
		if cum < rank {
			lo, seen = hi, cum
			continue
		}
		inBucket := cum - seen
		if inBucket == 0 {
			return hi
		}
		return lo + uint64(float64(hi-lo)*float64(rank-seen)/float64(inBucket))
	}
	return latencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.ReadForwarded.Store(0)
	m.WriteForwarded.Store(0)
	m.ReadDone.Store(0)
	m.WriteDone.Store(0)
	m.ReadDeferred.Store(0)
	m.WriteDeferred.Store(0)
	m.ReadFailed.Store(0)
	m.WriteFailed.Store(0)
	m.Completions.Store(0)
	m.CompletionErrors.Store(0)
	m.CompletionsHandled.Store(0)
	m.HookExhaustions.Store(0)
	m.PendingDepthTotal.Store(0)
	m.PendingDepthCount.Store(0)
	m.MaxPendingDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}
