// Package activation holds the value types the container proxy attaches to
// and reads off of a single invocation: timing intervals, the activation
// response, its annotations, and the parameter/environment partitioning
// rule applied at the boundary of a sandbox run.
package activation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Interval is a start/end pair, used for both the initialize and run
// phases of a single activation.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End minus Start. A zero Interval has a zero duration.
func (iv Interval) Duration() time.Duration {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

// ResponseKind distinguishes how an activation's run phase concluded.
type ResponseKind string

const (
	Success          ResponseKind = "success"
	ApplicationError ResponseKind = "applicationError"
	DeveloperError   ResponseKind = "developerError"
	WhiskError       ResponseKind = "whiskError"
)

// Response is the outcome of a run, as returned by ContainerOps.Run or
// synthesized by the proxy on creation/initialization failure.
type Response struct {
	Kind   ResponseKind
	Result json.RawMessage
	// Message is populated for DeveloperError and WhiskError, surfaced to
	// the caller (developer) or logged internally (whisk/system).
	Message string
}

// IsContainerFatal reports whether this response implies the sandbox that
// produced it must not be reused.
func (r Response) IsContainerFatal() bool {
	return r.Kind == WhiskError
}

// Limits mirrors the subset of an action's declared limits the proxy
// attaches as an annotation; memory/timeout/logs are the only fields the
// core inspects, everything else passes through opaque.
type Limits struct {
	TimeoutMS int64 `json:"timeout"`
	MemoryMB  int64 `json:"memory"`
	LogsMB    int64 `json:"logs"`
}

// Annotations is the fixed set of annotations spec.md §4.2 requires the
// proxy attach to every activation record it acks/stores.
type Annotations struct {
	// InitTime is omitted (nil) for warm runs.
	InitTime *time.Duration
	WaitTime time.Duration
	Duration time.Duration
	Limits   Limits
	Path     string
	Kind     string
}

type annotationJSON struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// MarshalJSON renders the annotations as the flat key/value list an
// activation record carries on the wire, omitting initTime when absent.
func (a Annotations) MarshalJSON() ([]byte, error) {
	list := make([]annotationJSON, 0, 5)

	if a.InitTime != nil {
		list = append(list, annotationJSON{Key: "initTime", Value: a.InitTime.Milliseconds()})
	}

	list = append(list,
		annotationJSON{Key: "waitTime", Value: a.WaitTime.Milliseconds()},
		annotationJSON{Key: "duration", Value: a.Duration.Milliseconds()},
		annotationJSON{Key: "limits", Value: a.Limits},
		annotationJSON{Key: "path", Value: a.Path},
		annotationJSON{Key: "kind", Value: a.Kind},
	)

	return json.Marshal(list)
}

// Record is the activation as published to the Acker/Store contracts.
type Record struct {
	ActivationID  string
	TxnID         string
	Namespace     string
	ActionName    string
	Response      Response
	Annotations   Annotations
	Deadline      time.Time
	ProvideAPIKey bool
	APIKey        string
}

// EnvelopeFields returns the fixed set of fields the run environment
// boundary expects alongside whatever the caller supplies as parameters,
// per spec.md §6.
func (r Record) EnvelopeFields() map[string]json.RawMessage {
	fields := map[string]json.RawMessage{
		"namespace":      quoteJSON(r.Namespace),
		"action_name":    quoteJSON(r.ActionName),
		"activation_id":  quoteJSON(r.ActivationID),
		"transaction_id": quoteJSON(r.TxnID),
		"deadline":       quoteJSON(fmt.Sprintf("%d", r.Deadline.UnixMilli())),
	}

	if r.ProvideAPIKey {
		fields["api_key"] = quoteJSON(r.APIKey)
	}

	return fields
}

func quoteJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
