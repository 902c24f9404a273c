package containerops

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"miren.dev/invoker/activation"
)

// MockOps is a hand-rolled Ops test double: each method defaults to a
// trivial success, overridable per call via the OnXxx function fields,
// following the same override-function idiom the runtime uses for its
// entity.MockStore.
type MockOps struct {
	mu sync.Mutex

	OnInitialize func(ctx context.Context, payload json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, error)
	OnRun        func(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error)
	OnLogs       func(ctx context.Context, limit int64, waitForSentinel bool) (io.ReadCloser, error)
	OnSuspend    func(ctx context.Context) error
	OnResume     func(ctx context.Context) error
	OnDestroy    func(ctx context.Context) error

	InitializeCount int
	RunCount        int
	LogsCount       int
	SuspendCount    int
	ResumeCount     int
	DestroyCount    int
}

var _ Ops = &MockOps{}

func (m *MockOps) Initialize(ctx context.Context, payload json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, error) {
	m.mu.Lock()
	m.InitializeCount++
	m.mu.Unlock()

	if m.OnInitialize != nil {
		return m.OnInitialize(ctx, payload, timeout, concurrency)
	}
	now := time.Now()
	return activation.Interval{Start: now, End: now}, nil
}

func (m *MockOps) Run(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error) {
	m.mu.Lock()
	m.RunCount++
	m.mu.Unlock()

	if m.OnRun != nil {
		return m.OnRun(ctx, params, env, timeout, concurrency)
	}
	now := time.Now()
	return activation.Interval{Start: now, End: now}, activation.Response{Kind: activation.Success}, nil
}

func (m *MockOps) Logs(ctx context.Context, limit int64, waitForSentinel bool) (io.ReadCloser, error) {
	m.mu.Lock()
	m.LogsCount++
	m.mu.Unlock()

	if m.OnLogs != nil {
		return m.OnLogs(ctx, limit, waitForSentinel)
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (m *MockOps) Suspend(ctx context.Context) error {
	m.mu.Lock()
	m.SuspendCount++
	m.mu.Unlock()

	if m.OnSuspend != nil {
		return m.OnSuspend(ctx)
	}
	return nil
}

func (m *MockOps) Resume(ctx context.Context) error {
	m.mu.Lock()
	m.ResumeCount++
	m.mu.Unlock()

	if m.OnResume != nil {
		return m.OnResume(ctx)
	}
	return nil
}

func (m *MockOps) Destroy(ctx context.Context) error {
	m.mu.Lock()
	m.DestroyCount++
	m.mu.Unlock()

	if m.OnDestroy != nil {
		return m.OnDestroy(ctx)
	}
	return nil
}

func (m *MockOps) Counts() (init, run, logs, suspend, resume, destroy int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InitializeCount, m.RunCount, m.LogsCount, m.SuspendCount, m.ResumeCount, m.DestroyCount
}

// MockFactory is a Factory test double that hands out a new MockOps on
// each Create call, or whatever OnCreate returns (including a failure).
type MockFactory struct {
	OnCreate func(ctx context.Context, exec ExecInfo, memoryMB int) (Ops, error)

	mu      sync.Mutex
	created []*MockOps
}

var _ Factory = &MockFactory{}

func (f *MockFactory) Create(ctx context.Context, exec ExecInfo, memoryMB int) (Ops, error) {
	if f.OnCreate != nil {
		ops, err := f.OnCreate(ctx, exec, memoryMB)
		if err == nil {
			if mo, ok := ops.(*MockOps); ok {
				f.mu.Lock()
				f.created = append(f.created, mo)
				f.mu.Unlock()
			}
		}
		return ops, err
	}

	mo := &MockOps{}
	f.mu.Lock()
	f.created = append(f.created, mo)
	f.mu.Unlock()
	return mo, nil
}

func (f *MockFactory) Created() []*MockOps {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockOps, len(f.created))
	copy(out, f.created)
	return out
}
