// Package poolproto declares the inbound message contracts a pool sends
// to a proxy's mailbox, and the cluster-wide counter seam the core
// treats as an external collaborator. Outbound events are declared in
// package proxy, which depends on these inbound shapes (a Run re-dispatch
// carries the same Action/Message a pool used to send it).
package poolproto

import (
	"time"

	"miren.dev/invoker/activation"
	"miren.dev/invoker/containerops"
)

// Action describes the action bound to a Run, the subset of action
// metadata the proxy needs to drive initialize/run and to populate
// annotations.
type Action struct {
	Namespace      string
	Name           string
	Kind           string
	Exec           containerops.ExecInfo
	MemoryMB       int
	Limits         activation.Limits
	ConcurrencyMax int
	InitPayload    []byte
	LogLimitMB     int64
	ProvideAPIKey  bool
}

// Message is a single activation dispatch, carrying everything the
// proxy needs from the pool to run it without a further round trip.
type Message struct {
	TxnID        string
	ActivationID string
	Params       []byte
	Env          []byte
	Deadline     time.Time
	ArrivedAt    time.Time
	UserID       string
	APIKey       string
	ControllerID string
	Blocking     bool
}

// Start asks a freshly created proxy to prewarm a sandbox of the given
// exec kind, reserving memoryMB.
type Start struct {
	Exec     containerops.ExecInfo
	MemoryMB int
}

// Run dispatches one activation of action to the proxy. It is also the
// shape a RescheduleJob carries back to the pool.
type Run struct {
	Action  Action
	Message Message
}

// Remove asks the proxy to destroy its sandbox and terminate, once any
// in-flight activations complete.
type Remove struct{}

// SharedCounter is the out-of-scope seam for the cluster-wide,
// per-namespace counters the original replicates via a CRDT across
// nodes (spec.md §9). The core only increments/decrements and reads a
// counter; no implementation is provided here.
type SharedCounter interface {
	Incr(namespace string, delta int64) error
	Value(namespace string) (int64, error)
}
