package models

import (
	"sort"
	"strings"
	"time"
)

// Params is an ordered mapping of parameter name to value.
// Values are opaque scalars, sequences or nested mappings.
type Params struct {
	keys   []string
	values map[string]any
}

// NewParams builds Params from a plain map. Go maps carry no order, so the
// keys are ordered lexicographically to keep the result deterministic.
func NewParams(m map[string]any) Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := Params{values: make(map[string]any, len(m))}
	for _, k := range keys {
		p.keys = append(p.keys, k)
		p.values[k] = deepCopy(m[k])
	}
	return p
}

// With returns a copy of p with name set to value. A new name is appended at
// the end; an existing name keeps its position.
func (p Params) With(name string, value any) Params {
	out := Params{
		keys:   make([]string, len(p.keys), len(p.keys)+1),
		values: make(map[string]any, len(p.values)+1),
	}
	copy(out.keys, p.keys)
	for k, v := range p.values {
		out.values[k] = v
	}
	if _, ok := out.values[name]; !ok {
		out.keys = append(out.keys, name)
	}
	out.values[name] = deepCopy(value)
	return out
}

// Get returns the value stored under name.
func (p Params) Get(name string) (any, bool) {
	v, ok := p.values[name]
	return deepCopy(v), ok
}

// GetString returns the string stored under name, or def when the value is
// missing or not a string.
func (p Params) GetString(name, def string) string {
	if s, ok := p.values[name].(string); ok {
		return s
	}
	return def
}

// Keys returns the parameter names in order.
func (p Params) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p.keys) }

// Map returns a deep copy of the parameters as a plain map.
func (p Params) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// WorkRequest identifies one requested operation. It is immutable once
// created; use NewWorkRequest to build one.
type WorkRequest struct {
	operation       string
	params          Params
	correlationHint string
	timeout         time.Duration
}

// NewWorkRequest creates a WorkRequest. timeout bounds delegation for this
// request only; zero means the orchestrator default applies.
func NewWorkRequest(operation string, params Params, correlationHint string, timeout time.Duration) WorkRequest {
	return WorkRequest{
		operation:       operation,
		params:          params.clone(),
		correlationHint: strings.TrimSpace(correlationHint),
		timeout:         timeout,
	}
}

func (p Params) clone() Params {
	out := Params{
		keys:   make([]string, len(p.keys)),
		values: make(map[string]any, len(p.values)),
	}
	copy(out.keys, p.keys)
	for k, v := range p.values {
		out.values[k] = deepCopy(v)
	}
	return out
}

// Operation returns the requested operation name.
func (r WorkRequest) Operation() string { return r.operation }

// Params returns the request parameters.
func (r WorkRequest) Params() Params { return r.params }

// CorrelationHint returns the caller-supplied correlation hint, if any.
func (r WorkRequest) CorrelationHint() string { return r.correlationHint }

// Timeout returns the per-request delegation bound, zero when unset.
func (r WorkRequest) Timeout() time.Duration { return r.timeout }
