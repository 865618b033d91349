package devmap

import (
	"io"
	"testing"

	"github.com/devmap/go-devmap/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

// testOffset remaps requests onto a fixed device with a signed sector
// delta, the way a linear target does.
type testOffset struct {
	dev   DevID
	delta int64
}

func offsetType(flags TargetFlags) *TargetType {
	return &TargetType{
		Name:  "offset",
		Flags: flags,
		Map: func(req *Request, rw RWDir, private any) MapResult {
			p := private.(*testOffset)
			req.RDev = p.dev
			req.Sector = uint64(int64(req.Sector) + p.delta)
			return MapForward
		},
	}
}

func offsetTarget(dev DevID, beginSector, offsetSectors uint64, flags TargetFlags) Target {
	return Target{
		Type:    offsetType(flags),
		Private: &testOffset{dev: dev, delta: int64(offsetSectors) - int64(beginSector)},
	}
}

func activateDevice(t *testing.T, r *Registry, highs []uint64, targets []Target) *MappedDevice {
	t.Helper()
	md, err := r.Create("test0", -1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tbl, err := NewTable(highs, targets, 0)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if err := r.Activate(md, tbl); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return md
}

func TestDispatchLinearRouting(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})

	devA := MkDev(8, 0)
	devB := MkDev(8, 1)
	md := activateDevice(t, r,
		[]uint64{99, 299},
		[]Target{
			offsetTarget(devA, 0, 1000, 0),
			offsetTarget(devB, 100, 5000, 0),
		})

	tests := []struct {
		sector     uint64
		wantDev    DevID
		wantSector uint64
	}{
		{50, devA, 1050},
		{99, devA, 1099},
		{100, devB, 5000},
		{299, devB, 5199},
	}

	var rec CompletionRecorder
	for _, tt := range tests {
		req := &Request{Dev: md.Dev(), Sector: tt.sector, Size: SectorSize, EndIO: rec.EndIO}
		if err := r.Dispatch(req, Read); err != nil {
			t.Fatalf("Dispatch(%d) failed: %v", tt.sector, err)
		}
	}

	subs := lower.Submitted()
	if len(subs) != len(tests) {
		t.Fatalf("submitted %d requests, want %d", len(subs), len(tests))
	}
	for i, tt := range tests {
		if subs[i].RDev != tt.wantDev {
			t.Errorf("sector %d routed to %v, want %v", tt.sector, subs[i].RDev, tt.wantDev)
		}
		if subs[i].Sector != tt.wantSector {
			t.Errorf("sector %d remapped to %d, want %d", tt.sector, subs[i].Sector, tt.wantSector)
		}
	}

	if got := md.Table().Pending(); got != 4 {
		t.Errorf("Pending() = %d, want 4", got)
	}
	for i := range tests {
		lower.Complete(i, true)
	}
	if got := md.Table().Pending(); got != 0 {
		t.Errorf("Pending() after completion = %d, want 0", got)
	}
	if rec.Count() != 4 {
		t.Errorf("delivered %d completions, want 4", rec.Count())
	}
}

func TestDispatchMapDone(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})

	mock := NewMockTarget(MapDone)
	md := activateDevice(t, r, []uint64{99}, []Target{{Type: mock.Type()}})

	var rec CompletionRecorder
	req := &Request{Dev: md.Dev(), Sector: 0, Size: SectorSize, EndIO: rec.EndIO}
	if err := r.Dispatch(req, Read); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(lower.Submitted()) != 0 {
		t.Error("done request was forwarded to the lower layer")
	}
	if got := md.Table().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if got := r.hooks.Free(); got != r.hooks.Cap() {
		t.Errorf("hook pool free = %d, want %d", got, r.hooks.Cap())
	}
	if got := r.Metrics().Snapshot().ReadDone; got != 1 {
		t.Errorf("ReadDone = %d, want 1", got)
	}
}

func TestDispatchTargetError(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})

	mock := NewMockTarget(MapError)
	md := activateDevice(t, r, []uint64{99}, []Target{{Type: mock.Type()}})

	var rec CompletionRecorder
	req := &Request{Dev: md.Dev(), Sector: 5, Size: SectorSize, EndIO: rec.EndIO}
	err := r.Dispatch(req, Write)
	if !IsCode(err, ErrCodeIOError) {
		t.Fatalf("Dispatch error = %v, want I/O error", err)
	}

	if rec.Count() != 1 || rec.Verdict(0) {
		t.Error("failed request must complete exactly once with uptodate=false")
	}
	if got := md.Table().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if got := r.Metrics().Snapshot().WriteFailed; got != 1 {
		t.Errorf("WriteFailed = %d, want 1", got)
	}
}

func TestDispatchBeyondMappedSpace(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})
	md := activateDevice(t, r, []uint64{99}, []Target{offsetTarget(MkDev(8, 0), 0, 0, 0)})

	var rec CompletionRecorder
	req := &Request{Dev: md.Dev(), Sector: 100, Size: SectorSize, EndIO: rec.EndIO}
	err := r.Dispatch(req, Read)
	if !IsCode(err, ErrCodeIOError) {
		t.Fatalf("Dispatch error = %v, want I/O error", err)
	}
	if rec.Count() != 1 || rec.Verdict(0) {
		t.Error("out-of-range request must fail its completion")
	}
}

func TestDispatchNoDevice(t *testing.T) {
	r := NewRegistry(Options{Lower: NewMockSubmitter(), Logger: testLogger()})

	tests := []struct {
		name  string
		minor int
	}{
		{"negative", -1},
		{"out of range", MaxDevices},
		{"empty slot", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Dev: MkDev(DefaultMajor, tt.minor), Size: SectorSize}
			err := r.Dispatch(req, Read)
			if !IsCode(err, ErrCodeNoSuchDevice) {
				t.Errorf("Dispatch error = %v, want no such device", err)
			}
		})
	}
}

func TestDispatchHookExhaustion(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger(), HookPoolSize: 1})
	md := activateDevice(t, r, []uint64{99}, []Target{offsetTarget(MkDev(8, 0), 0, 0, 0)})

	req1 := &Request{Dev: md.Dev(), Sector: 0, Size: SectorSize}
	if err := r.Dispatch(req1, Read); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}

	var rec CompletionRecorder
	req2 := &Request{Dev: md.Dev(), Sector: 1, Size: SectorSize, EndIO: rec.EndIO}
	err := r.Dispatch(req2, Read)
	if !IsCode(err, ErrCodeIOError) {
		t.Fatalf("exhausted Dispatch error = %v, want I/O error", err)
	}
	if rec.Count() != 1 || rec.Verdict(0) {
		t.Error("exhausted request must fail its completion")
	}
	if got := r.Metrics().Snapshot().HookExhaustions; got != 1 {
		t.Errorf("HookExhaustions = %d, want 1", got)
	}

	// The in-flight completion recycles the hook.
	lower.Complete(0, true)
	req3 := &Request{Dev: md.Dev(), Sector: 2, Size: SectorSize}
	if err := r.Dispatch(req3, Read); err != nil {
		t.Fatalf("Dispatch after recycle failed: %v", err)
	}
}

func TestCompletionRestoresCallerFields(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})
	md := activateDevice(t, r, []uint64{99}, []Target{offsetTarget(MkDev(8, 0), 0, 0, 0)})

	type callerCtx struct{ tag string }
	ctx := &callerCtx{tag: "caller"}

	var gotCtx any
	req := &Request{
		Dev:     md.Dev(),
		Sector:  7,
		Size:    SectorSize,
		Context: ctx,
		EndIO: func(req *Request, uptodate bool) {
			gotCtx = req.Context
		},
	}
	if err := r.Dispatch(req, Write); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// While in flight the dispatcher owns both fields.
	if _, ok := lower.Submitted()[0].Context.(*ioHook); !ok {
		t.Error("in-flight request should carry the dispatcher's hook")
	}

	lower.Complete(0, true)
	if gotCtx != ctx {
		t.Error("caller context not restored on completion")
	}
}

func TestErrHookClaimsFailedCompletion(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})

	mock := NewMockTarget(MapForward).RemapTo(MkDev(8, 0))
	mock.ClaimErrors = true
	md := activateDevice(t, r, []uint64{99}, []Target{{Type: mock.Type()}})

	var rec CompletionRecorder
	req := &Request{Dev: md.Dev(), Sector: 3, Size: SectorSize, EndIO: rec.EndIO}
	if err := r.Dispatch(req, Read); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	lower.Complete(0, false)

	// Ownership moved to the target: nothing delivered, nothing drained.
	if rec.Count() != 0 {
		t.Fatal("claimed completion must not reach the caller")
	}
	if got := md.Table().Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1 while target owns the request", got)
	}
	if mock.ErrCalls() != 1 {
		t.Errorf("ErrCalls() = %d, want 1", mock.ErrCalls())
	}
	if got := r.Metrics().Snapshot().CompletionsHandled; got != 1 {
		t.Errorf("CompletionsHandled = %d, want 1", got)
	}

	// The target eventually re-completes the request itself, e.g. after
	// a retry on another path succeeded.
	req.EndIO(req, true)

	if rec.Count() != 1 || !rec.Verdict(0) {
		t.Error("re-completion must reach the caller exactly once")
	}
	if got := md.Table().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0 after re-completion", got)
	}
}

func TestErrHookDeclines(t *testing.T) {
	lower := NewMockSubmitter()
	r := NewRegistry(Options{Lower: lower, Logger: testLogger()})

	mock := NewMockTarget(MapForward).RemapTo(MkDev(8, 0))
	md := activateDevice(t, r, []uint64{99}, []Target{{Type: mock.Type()}})

	var rec CompletionRecorder
	req := &Request{Dev: md.Dev(), Sector: 3, Size: SectorSize, EndIO: rec.EndIO}
	if err := r.Dispatch(req, Read); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	lower.Complete(0, false)

	if mock.ErrCalls() != 1 {
		t.Errorf("ErrCalls() = %d, want 1", mock.ErrCalls())
	}
	if rec.Count() != 1 || rec.Verdict(0) {
		t.Error("declined failure must reach the caller with uptodate=false")
	}
	if got := md.Table().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}
