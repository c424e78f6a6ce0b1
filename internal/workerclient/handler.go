package workerclient

import (
	"context"
	"encoding/json"
)

// Handler is a callable endpoint the embedding host bot runtime exports. It
// is handed the decoded kwargs of a dispatch and returns the response value
// the broker will forward to the requester, or an error.
//
// The return type is `any`, not `map[string]any`, so that a handler
// returning a non-object value (a slice, a string) can still be
// represented and rejected at the call site: such a value is replaced with
// {error: ..., code: 500}, rather than making that failure mode
// unreachable by construction. A nil result is not rejected; it is treated
// as an empty object and answered with {code: 200}.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Registry is the fixed endpoint catalog a worker advertises at connect
// time (spec.md §4.3: "a fixed endpoint catalog of handlers").
type Registry map[string]Handler

// Names returns the registry's endpoint names, in the order initialize_shard
// will advertise them.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
