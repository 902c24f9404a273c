package proxy

import (
	"time"

	"miren.dev/invoker/containerops"
)

// Data is the tagged-variant payload attached to a proxy's current
// state, spec.md §3. The interface is unexported so Data is a closed
// sum type: only the six variants in this file may implement it,
// matching the teacher's tagged-struct style (e.g. status enums in
// api/compute/compute_v1alpha).
type Data interface {
	isProxyData()
}

// NoData means no sandbox has been obtained yet.
type NoData struct{}

func (NoData) isProxyData() {}

// ResourcesData means memory has been reserved but no sandbox created.
type ResourcesData struct {
	MemoryMB int
}

func (ResourcesData) isProxyData() {}

// PreWarmedData means a sandbox exists but is not yet bound to any
// action.
type PreWarmedData struct {
	Ops      containerops.Ops
	Kind     string
	MemoryMB int
}

func (PreWarmedData) isProxyData() {}

// WarmingData means a sandbox exists and is being initialized for a
// specific action.
type WarmingData struct {
	Ops         containerops.Ops
	Namespace   string
	Action      string
	LastUsed    time.Time
	ActiveCount int
}

func (WarmingData) isProxyData() {}

// WarmingColdData means a cold start is in flight and no sandbox has
// been obtained yet.
type WarmingColdData struct {
	Namespace   string
	Action      string
	LastUsed    time.Time
	ActiveCount int
}

func (WarmingColdData) isProxyData() {}

// WarmedData means the sandbox is bound to a specific action and
// reusable for further invocations of it.
type WarmedData struct {
	Ops         containerops.Ops
	Namespace   string
	Action      string
	LastUsed    time.Time
	ActiveCount int
}

func (WarmedData) isProxyData() {}
