package devmap

import "sync"

// MockMapCall records one invocation of a MockTarget's map function.
type MockMapCall struct {
	Sector uint64
	RW     RWDir
}

// MockTarget is a scriptable target for testing. Its map function
// returns a fixed result and optionally remaps requests to a fixed
// device; every call is recorded for verification.
type MockTarget struct {
	mu sync.Mutex

	result   MapResult
	remapDev DevID
	remapped bool
	flags    TargetFlags

	mapCalls []MockMapCall
	errCalls int

	// ClaimErrors makes the err hook claim failed completions.
	ClaimErrors bool
}

// NewMockTarget creates a mock target whose map function always
// returns result.
func NewMockTarget(result MapResult) *MockTarget {
	return &MockTarget{result: result}
}

// RemapTo makes forwarded requests rewrite their RDev to dev.
func (m *MockTarget) RemapTo(dev DevID) *MockTarget {
	m.remapDev = dev
	m.remapped = true
	return m
}

// WithFlags sets the advertised target flags.
func (m *MockTarget) WithFlags(flags TargetFlags) *MockTarget {
	m.flags = flags
	return m
}

// Type returns the TargetType wired to this mock.
func (m *MockTarget) Type() *TargetType {
	return &TargetType{
		Name:  "mock",
		Flags: m.flags,
		Map:   m.mapFn,
		Err:   m.errFn,
	}
}

func (m *MockTarget) mapFn(req *Request, rw RWDir, private any) MapResult {
	m.mu.Lock()
	m.mapCalls = append(m.mapCalls, MockMapCall{Sector: req.Sector, RW: rw})
	m.mu.Unlock()
	if m.remapped {
		req.RDev = m.remapDev
	}
	return m.result
}

func (m *MockTarget) errFn(req *Request, rw RWDir, private any) bool {
	m.mu.Lock()
	m.errCalls++
	claim := m.ClaimErrors
	m.mu.Unlock()
	return claim
}

// MapCalls returns a copy of the recorded map invocations.
func (m *MockTarget) MapCalls() []MockMapCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMapCall, len(m.mapCalls))
	copy(out, m.mapCalls)
	return out
}

// ErrCalls returns how many failed completions were offered to the
// err hook.
func (m *MockTarget) ErrCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errCalls
}

// MockSubmitter is a lower layer for testing. Submitted requests are
// recorded; with AutoComplete set each request is completed inline,
// otherwise the test drives completion through Complete.
type MockSubmitter struct {
	mu sync.Mutex

	// AutoComplete completes every submission synchronously inside
	// Submit with the AutoUptodate verdict.
	AutoComplete bool
	AutoUptodate bool

	submitted []*Request
	rws       []RWDir
	syncCalls int
}

// NewMockSubmitter creates a manually driven mock lower layer.
func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{}
}

// NewAutoSubmitter creates a mock lower layer that completes every
// request synchronously with the given verdict.
func NewAutoSubmitter(uptodate bool) *MockSubmitter {
	return &MockSubmitter{AutoComplete: true, AutoUptodate: uptodate}
}

// Submit implements Submitter.
func (m *MockSubmitter) Submit(rw RWDir, req *Request) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.rws = append(m.rws, rw)
	auto := m.AutoComplete
	uptodate := m.AutoUptodate
	m.mu.Unlock()

	if auto && req.EndIO != nil {
		req.EndIO(req, uptodate)
	}
}

// Sync implements Syncer.
func (m *MockSubmitter) Sync(dev DevID) error {
	m.mu.Lock()
	m.syncCalls++
	m.mu.Unlock()
	return nil
}

// Submitted returns a copy of the recorded submissions.
func (m *MockSubmitter) Submitted() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// SubmittedRW returns the direction of the i-th submission.
func (m *MockSubmitter) SubmittedRW(i int) RWDir {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rws[i]
}

// SyncCalls returns the number of Sync invocations.
func (m *MockSubmitter) SyncCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncCalls
}

// Complete finishes the i-th submitted request with the given verdict.
func (m *MockSubmitter) Complete(i int, uptodate bool) {
	m.mu.Lock()
	req := m.submitted[i]
	m.mu.Unlock()
	if req.EndIO != nil {
		req.EndIO(req, uptodate)
	}
}

// CompletionRecorder collects completion callbacks delivered to the
// upper layer.
type CompletionRecorder struct {
	mu       sync.Mutex
	count    int
	verdicts []bool
}

// EndIO is the callback to install as a Request's EndIO.
func (c *CompletionRecorder) EndIO(req *Request, uptodate bool) {
	c.mu.Lock()
	c.count++
	c.verdicts = append(c.verdicts, uptodate)
	c.mu.Unlock()
}

// Count returns how many completions were delivered.
func (c *CompletionRecorder) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Verdict returns the uptodate flag of the i-th completion.
func (c *CompletionRecorder) Verdict(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdicts[i]
}

// MockNodes records device node registrations for testing.
type MockNodes struct {
	mu         sync.Mutex
	registered map[string]DevID

	// FailRegister makes the next Register call fail.
	FailRegister error
}

// NewMockNodes creates an empty node recorder.
func NewMockNodes() *MockNodes {
	return &MockNodes{registered: make(map[string]DevID)}
}

type mockNodeHandle struct {
	name string
}

// Register implements DeviceNodes.
func (m *MockNodes) Register(name string, dev DevID) (NodeHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRegister != nil {
		err := m.FailRegister
		m.FailRegister = nil
		return nil, err
	}
	m.registered[name] = dev
	return &mockNodeHandle{name: name}, nil
}

// Unregister implements DeviceNodes.
func (m *MockNodes) Unregister(h NodeHandle) error {
	mh := h.(*mockNodeHandle)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, mh.name)
	return nil
}

// Registered reports whether a node with the given name exists.
func (m *MockNodes) Registered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[name]
	return ok
}
