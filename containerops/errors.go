package containerops

import (
	"fmt"

	"miren.dev/invoker/activation"
)

// InitKind distinguishes a developer-authored failure (bad init payload,
// action code throws during init) from a system failure (the sandbox
// itself misbehaved), per spec.md §7.
type InitKind string

const (
	InitDeveloper InitKind = "developer"
	InitSystem    InitKind = "system"
)

// InitializationError is returned by Ops.Initialize. Err is the
// underlying transport/timeout cause; Kind tells the proxy whether to
// surface Response.Message to the caller (developer) or only log it
// (system).
type InitializationError struct {
	Interval activation.Interval
	Kind     InitKind
	Response activation.Response
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize failed (%s): %v", e.Kind, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) ErrorCategory() string { return "initialize" }
func (e *InitializationError) ErrorCode() string { return string(e.Kind) }

// RunError is returned by Ops.Run for container-fatal failures only
// (timeout, transport failure, non-zero sandbox exit). Application-level
// failures are not errors — they are a successful Run call whose
// activation.Response.Kind is ApplicationError; the sandbox stays
// reusable in that case.
type RunError struct {
	Interval activation.Interval
	Err      error
}

func (e *RunError) Error() string { return fmt.Sprintf("run failed: %v", e.Err) }

func (e *RunError) Unwrap() error { return e.Err }

func (e *RunError) ErrorCategory() string { return "run" }
func (e *RunError) ErrorCode() string { return "container" }

// LogKind distinguishes whether any log lines were collected before the
// failure.
type LogKind string

const (
	LogPartial  LogKind = "partial"
	LogTerminal LogKind = "terminal"
)

// LogCollectError is returned by Ops.Logs. A partial failure carries
// whatever bytes were read before the stream broke. The proxy does not
// call Ops.Logs itself: it collects through ack.LogCollector, and when
// that reports an error it destroys the sandbox and logs how many
// partial lines came back. The partial lines are not persisted.
type LogCollectError struct {
	Kind    LogKind
	Partial []byte
	Err     error
}

func (e *LogCollectError) Error() string {
	return fmt.Sprintf("log collection failed (%s): %v", e.Kind, e.Err)
}

func (e *LogCollectError) Unwrap() error { return e.Err }

func (e *LogCollectError) ErrorCategory() string { return "logs" }
func (e *LogCollectError) ErrorCode() string { return string(e.Kind) }

// SuspendError is returned by Ops.Suspend. The proxy treats any suspend
// failure as fatal: the sandbox is presumed gone and ContainerRemoved is
// emitted immediately.
type SuspendError struct {
	Err error
}

func (e *SuspendError) Error() string { return fmt.Sprintf("suspend failed: %v", e.Err) }
func (e *SuspendError) Unwrap() error  { return e.Err }

func (e *SuspendError) ErrorCategory() string { return "suspend" }
func (e *SuspendError) ErrorCode() string { return "suspend-failed" }

// ResumeError is returned by Ops.Resume. The proxy destroys the sandbox
// and reschedules the Run that triggered the resume attempt.
type ResumeError struct {
	Err error
}

func (e *ResumeError) Error() string { return fmt.Sprintf("resume failed: %v", e.Err) }
func (e *ResumeError) Unwrap() error  { return e.Err }

func (e *ResumeError) ErrorCategory() string { return "resume" }
func (e *ResumeError) ErrorCode() string { return "resume-failed" }

// CreationError wraps a Factory.Create failure: no sandbox was ever
// obtained, so there is nothing to destroy.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string { return fmt.Sprintf("create failed: %v", e.Err) }
func (e *CreationError) Unwrap() error  { return e.Err }

func (e *CreationError) ErrorCategory() string { return "create" }
func (e *CreationError) ErrorCode() string { return "creation-failed" }
