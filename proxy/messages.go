package proxy

import (
	"time"

	"miren.dev/invoker/ack"
	"miren.dev/invoker/activation"
	"miren.dev/invoker/containerops"
	"miren.dev/invoker/poolproto"
)

// stateTimeoutMsg is posted by the idle timer firing.
type stateTimeoutMsg struct{}

// createDoneMsg is the completion of a Factory.Create call, used both
// for the explicit Start(exec, memory) prewarm path and for a cold
// Run that must create its own sandbox.
type createDoneMsg struct {
	ops      containerops.Ops
	err      error
	exec     containerops.ExecInfo
	memoryMB int
	pending  *pendingRun // nil on the plain prewarm path
}

// initDoneMsg is the completion of Ops.Initialize.
type initDoneMsg struct {
	pending  *pendingRun
	interval activation.Interval
	err      error
}

// runDoneMsg is the completion of Ops.Run.
type runDoneMsg struct {
	pending      *pendingRun
	initInterval activation.Interval
	hasInit      bool
	runInterval  activation.Interval
	resp         activation.Response
	err          error
}

// collectDoneMsg is the completion of the ack.LogCollector call that
// follows a successful run.
type collectDoneMsg struct {
	pending      *pendingRun
	initInterval activation.Interval
	hasInit      bool
	runInterval  activation.Interval
	resp         activation.Response
	result       ack.CollectResult
}

// suspendDoneMsg is the completion of Ops.Suspend.
type suspendDoneMsg struct {
	err error
}

// resumeDoneMsg is the completion of Ops.Resume.
type resumeDoneMsg struct {
	pending *pendingRun
	err     error
}

// destroyDoneMsg is the completion of Ops.Destroy.
type destroyDoneMsg struct {
	reschedule *poolproto.Run
	err        error
}

// pendingRun bundles a Run message with its arrival bookkeeping.
// startedAt is stamped right before the proxy launches the initialize
// or run task for it, so waitTime (spec.md §4.2) can be computed once
// that task completes.
type pendingRun struct {
	run       poolproto.Run
	startedAt time.Time
}
