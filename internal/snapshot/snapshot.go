// Package snapshot implements the opaque context pickle/depickle round
// trip of spec §6: the queue persists a byte-string snapshot of the
// caller's application context and restores it unchanged for later event
// emission, without the dispatcher core ever inspecting its shape.
package snapshot

import "encoding/json"

// Pickler serializes and restores an opaque application context. The core
// never interprets the bytes; it only stores and returns them.
type Pickler interface {
	Pickle(ctx interface{}) ([]byte, error)
	Depickle(data []byte) (interface{}, error)
}

// JSONPickler is the default Pickler, backed by encoding/json. The
// context snapshot contract is explicitly "opaque bytes in, opaque bytes
// out" with no wire-compatibility requirement across languages, so a
// bespoke serialization format would add nothing that JSON doesn't
// already provide.
type JSONPickler struct{}

// Pickle marshals ctx to JSON.
func (JSONPickler) Pickle(ctx interface{}) ([]byte, error) {
	if ctx == nil {
		return nil, nil
	}
	return json.Marshal(ctx)
}

// Depickle unmarshals data into a generic interface{} tree (maps, slices,
// scalars), matching the shape produced by Pickle for any JSON-compatible
// context value.
func (JSONPickler) Depickle(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
