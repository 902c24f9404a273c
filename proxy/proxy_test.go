package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/invoker/ack"
	"miren.dev/invoker/activation"
	"miren.dev/invoker/clock"
	"miren.dev/invoker/containerops"
	"miren.dev/invoker/poolproto"
	"miren.dev/invoker/proxy"
)

type harness struct {
	t        *testing.T
	p        *proxy.Proxy
	factory  *containerops.MockFactory
	acker    *ack.MockAcker
	store    *ack.MockStore
	logs     *ack.MockLogCollector
	fc       *clock.Fake
	cancel   context.CancelFunc

	mu     sync.Mutex
	events []proxy.Event
}

func newHarness(t *testing.T) *harness {
	factory := &containerops.MockFactory{}
	acker := &ack.MockAcker{}
	store := &ack.MockStore{}
	logs := &ack.MockLogCollector{}

	p := proxy.New("p1", factory, acker, store, logs)
	fc := clock.NewFake(time.Unix(0, 0))
	p.Clk = fc
	p.Timers = fc
	p.PauseGrace = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, p: p, factory: factory, acker: acker, store: store, logs: logs, fc: fc, cancel: cancel}

	go p.Loop(ctx)
	go h.drain()

	t.Cleanup(cancel)
	return h
}

func (h *harness) drain() {
	for ev := range h.p.Events() {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
}

func (h *harness) snapshotEvents() []proxy.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]proxy.Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *harness) countEvents(pred func(proxy.Event) bool) int {
	n := 0
	for _, ev := range h.snapshotEvents() {
		if pred(ev) {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func (h *harness) waitState(s proxy.State) bool {
	return waitUntil(h.t, 2*time.Second, func() bool { return h.p.State() == s })
}

func baseAction() poolproto.Action {
	return poolproto.Action{
		Namespace:      "ns",
		Name:           "act",
		Kind:           "nodejs:20",
		MemoryMB:       256,
		ConcurrencyMax: 1,
		LogLimitMB:     10,
	}
}

func baseMessage(txn string) poolproto.Message {
	return poolproto.Message{
		TxnID:        txn,
		ActivationID: "a-" + txn,
		ArrivedAt:    time.Now(),
	}
}

// Scenario 1: prewarm then run then idle-pause then remove.
func TestScenario_PrewarmRunPauseRemove(t *testing.T) {
	h := newHarness(t)

	h.p.Post(poolproto.Start{Exec: containerops.ExecInfo{Kind: "nodejs:20"}, MemoryMB: 256})
	require.True(t, h.waitState(proxy.Started))
	require.Equal(t, 1, h.countEvents(func(ev proxy.Event) bool {
		nw, ok := ev.(proxy.NeedWork)
		if !ok {
			return false
		}
		_, ok = nw.Data.(proxy.PreWarmedData)
		return ok
	}))

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t1")})
	require.True(t, h.waitState(proxy.Ready))
	assert.Equal(t, 1, h.acker.Count())
	assert.Equal(t, 1, h.store.Count())

	rec := h.acker.Acked[0]
	require.NotNil(t, rec.Annotations.InitTime)

	h.fc.Advance(2 * time.Minute)
	require.True(t, h.waitState(proxy.Paused))

	h.fc.Advance(2 * time.Minute)
	require.True(t, h.waitState(proxy.Removing))
	require.True(t, waitUntil(t, 2*time.Second, func() bool {
		return h.countEvents(func(ev proxy.Event) bool { _, ok := ev.(proxy.ContainerRemoved); return ok }) == 1
	}))
}

// Scenario 2: warm reuse, back-to-back runs on the same sandbox.
func TestScenario_WarmReuse(t *testing.T) {
	h := newHarness(t)

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t1")})
	require.True(t, h.waitState(proxy.Ready))

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t2")})
	require.True(t, waitUntil(t, 2*time.Second, func() bool { return h.acker.Count() == 2 }))

	assert.Equal(t, 2, h.store.Count())
	_, _, _, _, suspend, _, _ := h.p.Counts()
	assert.Equal(t, int64(0), suspend)

	withInit, withoutInit := 0, 0
	for _, rec := range h.acker.Acked {
		if rec.Annotations.InitTime != nil {
			withInit++
		} else {
			withoutInit++
		}
	}
	assert.Equal(t, 1, withInit)
	assert.Equal(t, 1, withoutInit)
}

// Scenario 3: application error keeps the container reusable.
func TestScenario_ApplicationErrorKeepsContainer(t *testing.T) {
	h := newHarness(t)

	var calls int
	h.factory.OnCreate = func(ctx context.Context, exec containerops.ExecInfo, memoryMB int) (containerops.Ops, error) {
		mo := &containerops.MockOps{
			OnRun: func(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error) {
				calls++
				now := time.Now()
				if calls%2 == 1 {
					return activation.Interval{Start: now, End: now}, activation.Response{Kind: activation.ApplicationError}, nil
				}
				return activation.Interval{Start: now, End: now}, activation.Response{Kind: activation.Success}, nil
			},
		}
		return mo, nil
	}

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t1")})
	require.True(t, h.waitState(proxy.Ready))

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t2")})
	require.True(t, waitUntil(t, 2*time.Second, func() bool { return h.acker.Count() == 2 }))

	_, _, _, _, _, _, destroy := h.p.Counts()
	assert.Equal(t, int64(0), destroy)
	assert.Equal(t, proxy.Ready, h.p.State())
}

// Scenario 4: init failure destroys the container.
func TestScenario_InitFailureDestroys(t *testing.T) {
	h := newHarness(t)

	h.factory.OnCreate = func(ctx context.Context, exec containerops.ExecInfo, memoryMB int) (containerops.Ops, error) {
		mo := &containerops.MockOps{
			OnInitialize: func(ctx context.Context, payload json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, error) {
				now := time.Now()
				return activation.Interval{Start: now, End: now}, &containerops.InitializationError{
					Kind:     containerops.InitDeveloper,
					Response: activation.Response{Kind: activation.DeveloperError, Message: "bad init"},
					Err:      errors.New("init exploded"),
				}
			},
		}
		return mo, nil
	}

	action := baseAction()
	h.p.Post(poolproto.Run{Action: action, Message: baseMessage("t1")})

	require.True(t, h.waitState(proxy.Removing))
	require.True(t, waitUntil(t, 2*time.Second, func() bool { return h.acker.Count() == 1 }))

	assert.Equal(t, activation.DeveloperError, h.acker.Acked[0].Response.Kind)
	_, _, _, run, _, _, destroy := h.p.Counts()
	assert.Equal(t, int64(0), run)
	assert.Equal(t, int64(1), destroy)
}

// Scenario 5: concurrency stash-and-dequeue with limit 2.
func TestScenario_ConcurrencyStashAndDequeue(t *testing.T) {
	h := newHarness(t)

	action := baseAction()
	action.ConcurrencyMax = 2

	for i := 0; i < 6; i++ {
		h.p.Post(poolproto.Run{Action: action, Message: baseMessage(string(rune('a' + i)))})
	}

	require.True(t, waitUntil(t, 3*time.Second, func() bool { return h.acker.Count() == 6 }))

	_, _, initCount, _, _, _, _ := h.p.Counts()
	assert.Equal(t, int64(1), initCount)

	h.fc.Advance(2 * time.Minute)
	require.True(t, h.waitState(proxy.Paused))
}

// Scenario 6 (cache invalidation during an in-flight read) is covered in
// cache/cache_test.go. Scenario 2 above checks that only the cold run
// carries initTime; the test below checks the cold-run duration law.

func TestAnnotationLaw_ColdRunDurationIsInitPlusRun(t *testing.T) {
	h := newHarness(t)

	h.factory.OnCreate = func(ctx context.Context, exec containerops.ExecInfo, memoryMB int) (containerops.Ops, error) {
		mo := &containerops.MockOps{
			OnInitialize: func(ctx context.Context, payload json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, error) {
				start := time.Now()
				return activation.Interval{Start: start, End: start.Add(30 * time.Millisecond)}, nil
			},
			OnRun: func(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error) {
				start := time.Now()
				return activation.Interval{Start: start, End: start.Add(70 * time.Millisecond)}, activation.Response{Kind: activation.Success}, nil
			},
		}
		return mo, nil
	}

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t1")})
	require.True(t, h.waitState(proxy.Ready))
	require.True(t, waitUntil(t, 2*time.Second, func() bool { return h.acker.Count() == 1 }))

	ann := h.acker.Acked[0].Annotations
	require.NotNil(t, ann.InitTime)
	assert.Equal(t, *ann.InitTime+70*time.Millisecond, ann.Duration)
}

func TestProperty_DestroyCalledExactlyOnceThenContainerRemoved(t *testing.T) {
	h := newHarness(t)

	h.p.Post(poolproto.Start{Exec: containerops.ExecInfo{Kind: "nodejs:20"}, MemoryMB: 256})
	require.True(t, h.waitState(proxy.Started))

	h.p.Post(poolproto.Remove{})
	require.True(t, h.waitState(proxy.Removing))
	require.True(t, waitUntil(t, 2*time.Second, func() bool {
		return h.countEvents(func(ev proxy.Event) bool { _, ok := ev.(proxy.ContainerRemoved); return ok }) == 1
	}))

	_, _, _, _, _, _, destroy := h.p.Counts()
	assert.Equal(t, int64(1), destroy)
}

func TestProperty_RemoveDuringRunningIsDeferred(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.factory.OnCreate = func(ctx context.Context, exec containerops.ExecInfo, memoryMB int) (containerops.Ops, error) {
		mo := &containerops.MockOps{
			OnRun: func(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error) {
				<-release
				now := time.Now()
				return activation.Interval{Start: now, End: now}, activation.Response{Kind: activation.Success}, nil
			},
		}
		return mo, nil
	}

	h.p.Post(poolproto.Run{Action: baseAction(), Message: baseMessage("t1")})
	require.True(t, h.waitState(proxy.Running))

	h.p.Post(poolproto.Remove{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, proxy.Running, h.p.State(), "remove during Running must defer, not destroy immediately")

	close(release)
	require.True(t, h.waitState(proxy.Removing))
}
