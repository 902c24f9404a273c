// Package ack declares the contracts a proxy invokes to publish an
// activation's result, persist its record, and collect sandbox logs.
// Acker and Store return a <-chan error ("future<unit>", per spec.md §6)
// and LogCollector a <-chan CollectResult, since these paths are
// fire-and-forget in the original and the core only needs to bound them
// with a timeout so shutdown stays deterministic.
package ack

import (
	"context"
	"time"

	"miren.dev/invoker/activation"
)

// ActivationLogs is the result of a LogCollector call: the bytes
// collected and whether a sentinel-terminated segment was seen before
// the stream ended.
type ActivationLogs struct {
	Lines    [][]byte
	Complete bool
}

// Acker publishes an activation's result to the calling controller.
// Must be invoked exactly once per activation.
type Acker interface {
	Ack(ctx context.Context, txnID string, record activation.Record, blocking bool, controllerID, userID string) <-chan error
}

// Store persists an activation record. May be skipped by the caller
// when the action's log limit is zero and the response fits inline —
// that decision belongs to the proxy, not to this interface.
type Store interface {
	StoreActivation(ctx context.Context, txnID string, record activation.Record, userID string) <-chan error
}

// LogCollector gathers a sandbox's logs for one activation. On a
// recoverable failure carrying partial logs, those partial logs are
// returned alongside the error so the caller can still persist them.
type LogCollector interface {
	Collect(ctx context.Context, txnID, userID string, record activation.Record, sandboxID, actionName string) <-chan CollectResult
}

// CollectResult is what a LogCollector call resolves to.
type CollectResult struct {
	Logs ActivationLogs
	Err  error
}

// WaitWithTimeout blocks on ch until it resolves or timeout elapses,
// bounding futures that may otherwise never complete (spec.md §9).
func WaitWithTimeout(ctx context.Context, ch <-chan error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultAckTimeout bounds a single Ack/StoreActivation/Collect call so
// a proxy shutdown remains deterministic even if the collaborator never
// replies.
const DefaultAckTimeout = 10 * time.Second
