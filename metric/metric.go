// Package metric defines the values exchanged between connections, the
// dispatch engine, and processors: the metric type used as routing key, the
// decoded request, the response, and the three response statuses.
package metric

import (
	"maps"
	"strings"
)

// Type classifies a metric submission. It is used purely as a routing key.
type Type string

const (
	// FlowSystem marks system metrics emitted by flows (for example tuple
	// counts and processing latency).
	FlowSystem Type = "flow_system"
	// FlowUser marks metrics emitted by user code running inside a flow.
	FlowUser Type = "flow_user"
	// System marks host or infrastructure level metrics.
	System Type = "system"
)

// BuiltinTypes lists the types every server recognises.
func BuiltinTypes() []Type {
	return []Type{FlowSystem, FlowUser, System}
}

// ParseType normalises a textual metric type. Both the canonical form
// ("flow_system") and the camel-case spelling ("FlowSystem") are accepted.
// Unknown names are returned lower-cased so custom types route by exact name.
func ParseType(raw string) Type {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "flow_system", "flowsystem":
		return FlowSystem
	case "flow_user", "flowuser":
		return FlowUser
	case "system":
		return System
	}
	return Type(strings.ToLower(trimmed))
}

func (t Type) String() string { return string(t) }

// Status is the outcome reported for a request.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusInvalid Status = "INVALID"
)

// Request is a decoded metric submission. A Request is treated as immutable
// once decoded; processors must not modify Tags.
type Request struct {
	Type      Type              `json:"type"`
	Valid     bool              `json:"-"`
	Name      string            `json:"name"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`

	// Raw holds the frame the request was decoded from.
	Raw []byte `json:"-"`
}

// InvalidRequest returns a request that bypasses dispatch and is answered
// with StatusInvalid.
func InvalidRequest(raw []byte) Request {
	return Request{Raw: raw}
}

// Tag returns the value of a tag, or "" when absent.
func (r Request) Tag(key string) string {
	return r.Tags[key]
}

// WithTags returns a copy of r whose tag map is a clone extended by extra.
func (r Request) WithTags(extra map[string]string) Request {
	cloned := make(map[string]string, len(r.Tags)+len(extra))
	maps.Copy(cloned, r.Tags)
	maps.Copy(cloned, extra)
	r.Tags = cloned
	return r
}

// Response carries the single status written back for a request.
type Response struct {
	Status Status `json:"status"`
}

var (
	SuccessResponse = Response{Status: StatusSuccess}
	FailedResponse  = Response{Status: StatusFailed}
	InvalidResponse = Response{Status: StatusInvalid}
)
