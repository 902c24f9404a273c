package cache

import "fmt"

// StaleRead is returned by a lookup's future when the backing read it
// was riding on (or coalescing onto) completed against a cycle the cache
// had already moved past — a stale-read condition per spec.md §4.3,
// distinct from the InvalidateWhenDone race (see DESIGN.md), which
// resolves to the loaded value instead.
type StaleRead struct {
	Key string
}

func (e *StaleRead) Error() string {
	return fmt.Sprintf("cache: stale read for key %q", e.Key)
}

func (e *StaleRead) ErrorCategory() string { return "cache" }
func (e *StaleRead) ErrorCode() string { return "stale-read" }

// ConcurrentOp is returned when an operation observes another writer or
// invalidator already owning the entry in a way that violates the
// at-most-one-writer/invalidator invariant — an internal bug, per
// spec.md §7 (CacheConcurrentOp), not a normal contention outcome.
type ConcurrentOp struct {
	Key string
	Op  string
}

func (e *ConcurrentOp) Error() string {
	return fmt.Sprintf("cache: concurrent %s already in progress for key %q", e.Op, e.Key)
}

func (e *ConcurrentOp) ErrorCategory() string { return "cache" }
func (e *ConcurrentOp) ErrorCode() string { return "concurrent-op" }
