// Package containerops declares the abstract capability set a proxy uses
// to drive one sandbox, and the typed failures those capabilities raise.
// No driver (Docker, containerd, gVisor) is implemented here — that seam
// is deliberately left to the caller, per spec.md §1.
package containerops

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"miren.dev/invoker/activation"
)

// Ops is the capability set over one sandbox. Every method fails with one
// of the typed errors in errors.go on timeout, transport failure, or
// non-zero sandbox exit; implementations must never return a bare error
// for those cases, so the proxy can select the correct transition with
// errors.As instead of string matching.
type Ops interface {
	// Initialize runs the action's init payload inside the sandbox.
	Initialize(ctx context.Context, payload json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, error)

	// Run invokes the action once, already-initialized.
	Run(ctx context.Context, params, env json.RawMessage, timeout time.Duration, concurrency int) (activation.Interval, activation.Response, error)

	// Logs returns a lazy stream of the sandbox's stdout/stderr. When
	// waitForSentinel is true, the stream blocks for the per-activation
	// sentinel marker that terminates a log segment before returning EOF.
	Logs(ctx context.Context, limit int64, waitForSentinel bool) (io.ReadCloser, error)

	// Suspend must close any kept HTTP connection to the sandbox.
	Suspend(ctx context.Context) error

	// Resume must re-establish the HTTP connection before returning.
	Resume(ctx context.Context) error

	// Destroy reclaims all sandbox resources. It must be idempotent.
	Destroy(ctx context.Context) error
}

// ExecInfo identifies the runtime image a sandbox should be created from,
// the minimal information Start needs before any action is bound.
type ExecInfo struct {
	Kind  string // e.g. "nodejs:20"
	Image string
}

// Factory obtains a sandbox for a proxy. It is the out-of-scope seam a
// Docker/containerd/gVisor driver implements; the core ships no concrete
// Factory.
type Factory interface {
	Create(ctx context.Context, exec ExecInfo, memoryMB int) (Ops, error)
}

// Tagger is implemented by a Factory that can enumerate and destroy every
// sandbox it created tagged with a known prefix, for the shutdown sweep
// described in spec.md §6.
type Tagger interface {
	Factory
	List(ctx context.Context, prefix string) ([]string, error)
	DestroyByID(ctx context.Context, id string) error
}
