package proto

import "encoding/json"

// Envelope is the on-wire container for every message the shard exchanges
// with a client: a TypeID tag plus a JSON-encoded body, so the receiver can
// dispatch by tag before unmarshalling the body into the concrete struct
// (§9 "cast-by-tag rather than RTTI").
type Envelope struct {
	Type TypeID          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps body in an Envelope tagged typ and marshals the whole thing,
// ready to hand to a fabric.Connection.Post.
func Encode(typ TypeID, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Body: raw})
}

// Decode unwraps an Envelope from wire bytes, returning its tag and raw
// body for the caller to unmarshal into the type the tag names.
func Decode(wire []byte) (TypeID, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return 0, nil, err
	}
	return env.Type, env.Body, nil
}
