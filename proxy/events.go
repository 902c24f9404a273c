package proxy

import "miren.dev/invoker/poolproto"

// Event is the union of outbound messages a pool subscribes to on a
// proxy's event channel, spec.md §6.
type Event interface {
	isEvent()
}

// NeedWork is emitted when the proxy becomes available to accept new
// Run messages, always after the transition into the target state has
// already happened (spec.md §5 ordering rule), never before.
type NeedWork struct {
	ProxyID string
	Data    Data
}

func (NeedWork) isEvent() {}

// ContainerRemoved is emitted once a sandbox has been destroyed. No
// further transitions follow for this proxy ID except possibly a
// Transition into Removing that preceded it.
type ContainerRemoved struct {
	ProxyID string
}

func (ContainerRemoved) isEvent() {}

// RescheduleJob returns a Run to the parent pool because this proxy
// cannot honor it: a failed resume, or a self-initiated removal racing a
// late Run. A creation failure is acked as a whiskError activation
// instead and is not rescheduled.
type RescheduleJob struct {
	ProxyID string
	Run     poolproto.Run
}

func (RescheduleJob) isEvent() {}

// Transition is published on every state change, in causal (FIFO per
// proxy) order.
type Transition struct {
	ProxyID string
	From    State
	To      State
}

func (Transition) isEvent() {}
