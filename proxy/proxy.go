// Package proxy implements the container proxy state machine: the
// single-owner actor that drives one sandbox through prewarming,
// initialization, one or more invocations, pause/resume, and
// destruction. It is the core this module exists to provide.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"miren.dev/invoker/ack"
	"miren.dev/invoker/activation"
	"miren.dev/invoker/clock"
	"miren.dev/invoker/containerops"
	"miren.dev/invoker/poolproto"
)

// DefaultPauseGrace is the idle timer driving Ready → Pausing, absent
// an explicit override. spec.md leaves the exact value unspecified;
// this mirrors the teacher's AutoStrategy default scale-down delay.
const DefaultPauseGrace = 2 * time.Minute

// DefaultRunTimeout bounds a Run when the message carries no deadline.
const DefaultRunTimeout = 60 * time.Second

// Proxy is the per-sandbox actor. Exactly one goroutine (Loop) ever
// touches state/data/ops/stash/concurrency; everything else reaches it
// by posting to the mailbox, grounded on the teacher's ticker/select
// loops (controllers/sandbox/watchdog.go, controllers/sandboxpool/manager.go)
// generalized from "poll on a ticker" to "drain a mailbox of typed
// events."
type Proxy struct {
	ID  string
	Log *slog.Logger

	Factory containerops.Factory
	Acker   ack.Acker
	Store   ack.Store
	Logs    ack.LogCollector

	Clk    clock.Clock
	Timers clock.TimerSource

	// PauseGrace and AckTimeout are populated by the same asm-tag
	// struct-populating container the rest of the runtime uses; see
	// SPEC_FULL.md's ambient-stack configuration section.
	PauseGrace time.Duration `asm:"pause_grace,optional"`
	AckTimeout time.Duration `asm:"ack_timeout,optional"`

	events  chan Event
	mailbox chan any

	mu    sync.Mutex
	state State
	data  Data

	ops         containerops.Ops
	concurrency capacityTracker
	stash       []poolproto.Run

	removeLatch bool
	removing    bool

	stateTimer clock.Timer

	ackCount        atomic.Int64
	storeCount      atomic.Int64
	initializeCount atomic.Int64
	runCount        atomic.Int64
	suspendCount    atomic.Int64
	resumeCount     atomic.Int64
	destroyCount    atomic.Int64
}

// New creates a proxy in the Uninitialized state with NoData. The
// caller must run Loop in a goroutine before posting any messages, and
// must drain Events continuously.
func New(id string, factory containerops.Factory, acker ack.Acker, store ack.Store, collector ack.LogCollector) *Proxy {
	p := &Proxy{
		ID:         id,
		Log:        slog.Default().With("component", "proxy", "proxy", id),
		Factory:    factory,
		Acker:      acker,
		Store:      store,
		Logs:       collector,
		Clk:        clock.System{},
		Timers:     clock.System{},
		PauseGrace: DefaultPauseGrace,
		AckTimeout: ack.DefaultAckTimeout,
		events:     make(chan Event, 64),
		mailbox:    make(chan any, 64),
		state:      Uninitialized,
		data:       NoData{},
	}
	return p
}

// Events returns the channel a pool subscribes to. Callers must drain
// it continuously; the proxy's loop blocks on emit otherwise.
func (p *Proxy) Events() <-chan Event { return p.events }

// Post delivers a message to the proxy's mailbox. Safe to call from
// any goroutine; inbound poolproto messages (Start, Run, Remove) are
// the only types a caller outside this package should post.
func (p *Proxy) Post(msg any) {
	p.mailbox <- msg
}

func (p *Proxy) post(msg any) {
	p.mailbox <- msg
}

// State returns the proxy's current state, safe for concurrent reads.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns the proxy's current data, safe for concurrent reads.
func (p *Proxy) Snapshot() Data {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// Counts reports the testable-property counters from spec.md §8.
func (p *Proxy) Counts() (ack, store, initialize, run, suspend, resume, destroy int64) {
	return p.ackCount.Load(), p.storeCount.Load(), p.initializeCount.Load(), p.runCount.Load(),
		p.suspendCount.Load(), p.resumeCount.Load(), p.destroyCount.Load()
}

// Loop drains the mailbox until ctx is done or the mailbox is closed.
// ContainerOps calls are launched as detached goroutines that post
// their completion back to the mailbox, so this loop never blocks on
// sandbox I/O (spec.md §5).
func (p *Proxy) Loop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-p.mailbox:
			if !ok {
				return
			}
			p.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Proxy) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case poolproto.Start:
		p.onStart(ctx, m)
	case poolproto.Run:
		p.onRun(ctx, m)
	case poolproto.Remove:
		p.onRemove(ctx)
	case stateTimeoutMsg:
		p.onStateTimeout(ctx)
	case createDoneMsg:
		p.onCreateDone(ctx, m)
	case initDoneMsg:
		p.onInitDone(ctx, m)
	case runDoneMsg:
		p.onRunDone(ctx, m)
	case collectDoneMsg:
		p.onCollectDone(ctx, m)
	case suspendDoneMsg:
		p.onSuspendDone(ctx, m)
	case resumeDoneMsg:
		p.onResumeDone(ctx, m)
	case destroyDoneMsg:
		p.onDestroyDone(ctx, m)
	default:
		p.Log.Warn("proxy received unknown message type", "type", msg)
	}
}

func (p *Proxy) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()

	if from == to {
		return
	}
	p.Log.Info("proxy transition", "from", from, "to", to)
	p.emit(Transition{ProxyID: p.ID, From: from, To: to})
}

func (p *Proxy) setData(d Data) {
	p.mu.Lock()
	p.data = d
	p.mu.Unlock()
}

func (p *Proxy) emit(ev Event) {
	p.events <- ev
}

func (p *Proxy) emitNeedWork() {
	p.emit(NeedWork{ProxyID: p.ID, Data: p.Snapshot()})
}

// --- Start ---

func (p *Proxy) onStart(ctx context.Context, m poolproto.Start) {
	if p.State() != Uninitialized {
		p.Log.Warn("Start received outside Uninitialized", "state", p.State())
		return
	}

	p.setData(ResourcesData{MemoryMB: m.MemoryMB})
	p.setState(Starting)

	go func() {
		ops, err := p.Factory.Create(ctx, m.Exec, m.MemoryMB)
		p.post(createDoneMsg{ops: ops, err: err, exec: m.Exec, memoryMB: m.MemoryMB})
	}()
}

// --- Run ---

func (p *Proxy) onRun(ctx context.Context, run poolproto.Run) {
	switch p.State() {
	case Uninitialized:
		p.bindAction(run.Action)
		p.concurrency.acquire()
		p.setData(WarmingColdData{
			Namespace:   run.Action.Namespace,
			Action:      run.Action.Name,
			LastUsed:    p.Clk.Now(),
			ActiveCount: p.concurrency.used,
		})
		p.setState(Running)

		pr := &pendingRun{run: run, startedAt: p.Clk.Now()}
		go func() {
			ops, err := p.Factory.Create(ctx, run.Action.Exec, run.Action.MemoryMB)
			p.post(createDoneMsg{ops: ops, err: err, pending: pr, exec: run.Action.Exec, memoryMB: run.Action.MemoryMB})
		}()

	case Started:
		pw, _ := p.Snapshot().(PreWarmedData)
		p.bindAction(run.Action)
		p.ops = pw.Ops
		p.concurrency.acquire()
		p.setData(WarmingData{
			Ops:         pw.Ops,
			Namespace:   run.Action.Namespace,
			Action:      run.Action.Name,
			LastUsed:    p.Clk.Now(),
			ActiveCount: p.concurrency.used,
		})
		p.setState(Running)

		pr := &pendingRun{run: run, startedAt: p.Clk.Now()}
		p.initializeCount.Add(1)
		go func() {
			iv, err := p.ops.Initialize(ctx, run.Action.InitPayload, p.runTimeout(run), run.Action.ConcurrencyMax)
			p.post(initDoneMsg{pending: pr, interval: iv, err: err})
		}()

	case Ready:
		p.dispatchWarmRun(ctx, run, false)

	case Running:
		if _, ok := p.Snapshot().(WarmedData); ok && p.concurrency.hasCapacity() {
			p.dispatchWarmRun(ctx, run, true)
		} else {
			p.stash = append(p.stash, run)
		}

	case Paused:
		p.concurrency.acquire()
		p.setState(Running)

		pr := &pendingRun{run: run, startedAt: p.Clk.Now()}
		go func() {
			err := p.ops.Resume(ctx)
			p.post(resumeDoneMsg{pending: pr, err: err})
		}()

	case Starting, Pausing:
		p.stash = append(p.stash, run)

	case Removing:
		p.emit(RescheduleJob{ProxyID: p.ID, Run: run})
	}
}

func (p *Proxy) dispatchWarmRun(ctx context.Context, run poolproto.Run, alreadyRunning bool) {
	wd, ok := p.Snapshot().(WarmedData)
	if !ok || !p.concurrency.hasCapacity() {
		p.stash = append(p.stash, run)
		return
	}

	p.concurrency.acquire()
	wd.LastUsed = p.Clk.Now()
	wd.ActiveCount = p.concurrency.used
	p.setData(wd)

	if !alreadyRunning {
		p.setState(Running)
	}

	pr := &pendingRun{run: run, startedAt: p.Clk.Now()}
	go func() {
		iv, resp, err := p.ops.Run(ctx, run.Message.Params, run.Message.Env, p.runTimeout(run), run.Action.ConcurrencyMax)
		p.post(runDoneMsg{pending: pr, hasInit: false, runInterval: iv, resp: resp, err: err})
	}()
}

func (p *Proxy) bindAction(a poolproto.Action) {
	max := a.ConcurrencyMax
	if max <= 0 {
		max = 1
	}
	p.concurrency.max = max
}

func (p *Proxy) runTimeout(run poolproto.Run) time.Duration {
	if run.Message.Deadline.IsZero() {
		return DefaultRunTimeout
	}
	if d := run.Message.Deadline.Sub(p.Clk.Now()); d > 0 {
		return d
	}
	return DefaultRunTimeout
}

// --- Remove ---

func (p *Proxy) onRemove(ctx context.Context) {
	switch p.State() {
	case Running:
		p.removeLatch = true
	case Removing:
		// already tearing down
	default:
		p.destroySandbox(ctx, nil)
	}
}

// --- StateTimeout ---

func (p *Proxy) onStateTimeout(ctx context.Context) {
	switch p.State() {
	case Ready:
		if !p.concurrency.idle() {
			return
		}
		p.setState(Pausing)
		go func() {
			err := p.ops.Suspend(ctx)
			p.post(suspendDoneMsg{err: err})
		}()
	case Paused:
		p.destroySandbox(ctx, nil)
	}
}

// --- create completion ---

func (p *Proxy) onCreateDone(ctx context.Context, m createDoneMsg) {
	if m.pending == nil {
		// plain Start(exec, memory) prewarm path
		if m.err != nil {
			p.setState(Removing)
			p.emit(ContainerRemoved{ProxyID: p.ID})
			return
		}

		p.ops = m.ops
		p.setData(PreWarmedData{Ops: m.ops, Kind: m.exec.Kind, MemoryMB: m.memoryMB})
		p.setState(Started)
		p.emitNeedWork()
		return
	}

	if m.err != nil {
		p.failCreation(ctx, m.pending, m.err)
		return
	}

	p.ops = m.ops
	wcd, _ := p.Snapshot().(WarmingColdData)
	p.setData(WarmingData{
		Ops:         m.ops,
		Namespace:   wcd.Namespace,
		Action:      wcd.Action,
		LastUsed:    wcd.LastUsed,
		ActiveCount: wcd.ActiveCount,
	})

	pr := m.pending
	pr.startedAt = p.Clk.Now()
	run := pr.run
	p.initializeCount.Add(1)
	go func() {
		iv, err := p.ops.Initialize(ctx, run.Action.InitPayload, p.runTimeout(run), run.Action.ConcurrencyMax)
		p.post(initDoneMsg{pending: pr, interval: iv, err: err})
	}()
}

// failCreation handles spec.md §4.2/§7's "Creation failure": no
// sandbox was ever obtained, so there is nothing to destroy, but the
// activation must still be acked and stored exactly once with a
// synthetic whiskError response.
func (p *Proxy) failCreation(ctx context.Context, pr *pendingRun, err error) {
	run := pr.run
	resp := activation.Response{Kind: activation.WhiskError, Message: err.Error()}
	record := p.buildRecord(run, resp, activation.Annotations{
		WaitTime: p.Clk.Now().Sub(run.Message.ArrivedAt),
		Limits:   run.Action.Limits,
		Path:     run.Action.Name,
		Kind:     run.Action.Kind,
	})

	p.ackAsync(ctx, run, record)
	p.storeAsync(ctx, run, record)
	p.concurrency.release()

	p.setState(Removing)
	p.emit(ContainerRemoved{ProxyID: p.ID})
}

// --- initialize completion ---

func (p *Proxy) onInitDone(ctx context.Context, m initDoneMsg) {
	run := m.pending.run

	if m.err != nil {
		var ie *containerops.InitializationError
		resp := activation.Response{Kind: activation.DeveloperError, Message: m.err.Error()}
		if errors.As(m.err, &ie) {
			if ie.Kind == containerops.InitSystem {
				p.Log.Error("initialize failed (system)", "activation", run.Message.ActivationID, "error", ie.Err, "message", ie.Response.Message)
			} else if ie.Response.Message != "" {
				resp.Message = ie.Response.Message
			}
		}

		record := p.buildRecord(run, resp, activation.Annotations{
			WaitTime: m.pending.startedAt.Sub(run.Message.ArrivedAt),
			Duration: m.interval.Duration(),
			Limits:   run.Action.Limits,
			Path:     run.Action.Name,
			Kind:     run.Action.Kind,
		})
		p.ackAsync(ctx, run, record)
		p.storeAsync(ctx, run, record)
		p.concurrency.release()
		p.destroySandbox(ctx, nil)
		return
	}

	p.runCount.Add(1)
	go func() {
		iv, resp, err := p.ops.Run(ctx, run.Message.Params, run.Message.Env, p.runTimeout(run), run.Action.ConcurrencyMax)
		p.post(runDoneMsg{pending: m.pending, initInterval: m.interval, hasInit: true, runInterval: iv, resp: resp, err: err})
	}()
}

// --- run completion ---

func (p *Proxy) onRunDone(ctx context.Context, m runDoneMsg) {
	run := m.pending.run

	if m.err != nil {
		resp := activation.Response{Kind: activation.WhiskError, Message: m.err.Error()}
		record := p.buildRecord(run, resp, p.annotations(m.pending, m.initInterval, m.hasInit, m.runInterval))
		p.ackAsync(ctx, run, record)
		p.storeAsync(ctx, run, record)
		p.concurrency.release()
		p.destroySandbox(ctx, nil)
		return
	}

	pr := m.pending
	txnID, userID := run.Message.TxnID, run.Message.UserID
	go func() {
		cctx, cancel := context.WithTimeout(ctx, p.AckTimeout)
		defer cancel()
		var res ack.CollectResult
		select {
		case res = <-p.Logs.Collect(cctx, txnID, userID, activation.Record{ActivationID: run.Message.ActivationID}, p.ID, run.Action.Name):
		case <-cctx.Done():
			res = ack.CollectResult{Err: cctx.Err()}
		}
		p.post(collectDoneMsg{pending: pr, initInterval: m.initInterval, hasInit: m.hasInit, runInterval: m.runInterval, resp: m.resp, result: res})
	}()
}

// --- log-collect completion ---

func (p *Proxy) onCollectDone(ctx context.Context, m collectDoneMsg) {
	run := m.pending.run
	record := p.buildRecord(run, m.resp, p.annotations(m.pending, m.initInterval, m.hasInit, m.runInterval))

	p.ackAsync(ctx, run, record)
	p.storeAsync(ctx, run, record)
	p.concurrency.release()

	if m.result.Err != nil {
		p.Log.Error("log collection failed", "activation", run.Message.ActivationID, "error", m.result.Err, "partial_lines", len(m.result.Logs.Lines))
		p.destroySandbox(ctx, nil)
		return
	}

	p.setData(WarmedData{
		Ops:         p.ops,
		Namespace:   run.Action.Namespace,
		Action:      run.Action.Name,
		LastUsed:    p.Clk.Now(),
		ActiveCount: p.concurrency.used,
	})

	p.finishRun(ctx, run)
}

func (p *Proxy) finishRun(ctx context.Context, run poolproto.Run) {
	if len(p.stash) > 0 && p.concurrency.hasCapacity() {
		next := p.stash[0]
		p.stash = p.stash[1:]
		p.dispatchWarmRun(ctx, next, true)
		return
	}

	if !p.concurrency.idle() {
		// other activations still in flight; stay Running
		return
	}

	if p.removeLatch {
		p.removeLatch = false
		p.destroySandbox(ctx, nil)
		return
	}

	p.setState(Ready)
	p.resetStateTimer()
	p.emitNeedWork()
}

func (p *Proxy) annotations(pr *pendingRun, initInterval activation.Interval, hasInit bool, runInterval activation.Interval) activation.Annotations {
	ann := activation.Annotations{
		WaitTime: pr.startedAt.Sub(pr.run.Message.ArrivedAt),
		Limits:   pr.run.Action.Limits,
		Path:     pr.run.Action.Name,
		Kind:     pr.run.Action.Kind,
	}
	if hasInit {
		d := initInterval.Duration()
		ann.InitTime = &d
		ann.Duration = initInterval.Duration() + runInterval.Duration()
	} else {
		ann.Duration = runInterval.Duration()
	}
	return ann
}

func (p *Proxy) buildRecord(run poolproto.Run, resp activation.Response, ann activation.Annotations) activation.Record {
	return activation.Record{
		ActivationID:  run.Message.ActivationID,
		TxnID:         run.Message.TxnID,
		Namespace:     run.Action.Namespace,
		ActionName:    run.Action.Name,
		Response:      resp,
		Annotations:   ann,
		Deadline:      run.Message.Deadline,
		ProvideAPIKey: run.Action.ProvideAPIKey,
		APIKey:        run.Message.APIKey,
	}
}

func (p *Proxy) ackAsync(ctx context.Context, run poolproto.Run, record activation.Record) {
	p.ackCount.Add(1)
	go func() {
		errCh := p.Acker.Ack(ctx, run.Message.TxnID, record, run.Message.Blocking, run.Message.ControllerID, run.Message.UserID)
		if err := ack.WaitWithTimeout(ctx, errCh, p.AckTimeout); err != nil {
			p.Log.Error("ack failed", "activation", record.ActivationID, "error", err)
		}
	}()
}

func (p *Proxy) storeAsync(ctx context.Context, run poolproto.Run, record activation.Record) {
	if run.Action.LogLimitMB == 0 && record.Response.Result == nil {
		return
	}

	p.storeCount.Add(1)
	go func() {
		errCh := p.Store.StoreActivation(ctx, run.Message.TxnID, record, run.Message.UserID)
		if err := ack.WaitWithTimeout(ctx, errCh, p.AckTimeout); err != nil {
			p.Log.Error("store failed", "activation", record.ActivationID, "error", err)
		}
	}()
}

// --- suspend/resume completion ---

func (p *Proxy) onSuspendDone(ctx context.Context, m suspendDoneMsg) {
	p.suspendCount.Add(1)

	if m.err != nil {
		p.setState(Removing)
		p.emit(ContainerRemoved{ProxyID: p.ID})
		return
	}

	p.setState(Paused)
	p.resetStateTimer()
}

func (p *Proxy) onResumeDone(ctx context.Context, m resumeDoneMsg) {
	p.resumeCount.Add(1)
	run := m.pending.run

	if m.err != nil {
		p.destroySandbox(ctx, &run)
		return
	}

	pr := m.pending
	pr.startedAt = p.Clk.Now()
	go func() {
		iv, resp, err := p.ops.Run(ctx, run.Message.Params, run.Message.Env, p.runTimeout(run), run.Action.ConcurrencyMax)
		p.post(runDoneMsg{pending: pr, hasInit: false, runInterval: iv, resp: resp, err: err})
	}()
}

// --- destroy ---

func (p *Proxy) destroySandbox(ctx context.Context, reschedule *poolproto.Run) {
	if p.removing {
		return
	}
	p.removing = true
	p.setState(Removing)

	ops := p.ops
	go func() {
		var err error
		if ops != nil {
			err = ops.Destroy(ctx)
		}
		p.post(destroyDoneMsg{reschedule: reschedule, err: err})
	}()
}

func (p *Proxy) onDestroyDone(ctx context.Context, m destroyDoneMsg) {
	p.destroyCount.Add(1)
	if m.err != nil {
		p.Log.Error("destroy failed", "error", m.err)
	}

	if m.reschedule != nil {
		p.emit(RescheduleJob{ProxyID: p.ID, Run: *m.reschedule})
	}
	p.emit(ContainerRemoved{ProxyID: p.ID})
}

// --- timers ---

func (p *Proxy) resetStateTimer() {
	if p.stateTimer != nil {
		p.stateTimer.Stop()
	}
	t := p.Timers.NewTimer(p.PauseGrace)
	p.stateTimer = t
	go func() {
		if _, ok := <-t.C(); ok {
			p.post(stateTimeoutMsg{})
		}
	}()
}
