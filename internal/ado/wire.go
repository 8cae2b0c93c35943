package ado

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// frameKind tags the payload that follows a length-prefixed frame on the
// pipe between the shard process and an ado worker child. This is the
// length-framed duplex protocol grounded on gyuho-db's rafthttp pipeline
// framing, generalized from raft messages matched by peer id to ADO
// invocations/callbacks matched by work id.
type frameKind uint8

const (
	frameWorkOrder frameKind = iota + 1
	frameCallback
	frameCallbackResponse
	frameCompletion
	frameShutdown
)

// WorkOrder is what the manager sends a worker to start one invocation
// (§6 send_work_request). DetachedAddr/DetachedLen are metadata only: the
// worker child has no mapping of the shard's pool memory (the plugin ABI
// is explicitly out of scope per §1), so it cannot dereference them, only
// echo them back in callbacks/completions the way a real plugin would
// reference its shared-memory token.
type WorkOrder struct {
	WorkID       WorkID
	PoolID       uint64
	Key          string
	Value        []byte
	DetachedAddr uint64
	DetachedLen  uint64
	RequestBody  []byte
	NewRoot      bool
	ReadOnly     bool
}

// encode gob-encodes payload, or returns a nil slice if payload is nil.
func encode(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("ado: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// decode gob-decodes body into dst (a pointer). A nil or empty body is a
// no-op, matching shutdown frames that carry no payload.
func decode(body []byte, dst any) error {
	if len(body) == 0 || dst == nil {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(dst); err != nil {
		return fmt.Errorf("ado: decode frame: %w", err)
	}
	return nil
}

// writeFrame writes kind, then the gob encoding of payload, behind a
// 4-byte big-endian length prefix covering the kind byte plus the payload.
func writeFrame(w io.Writer, kind frameKind, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)+1))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame's header and body off r without interpreting
// the body; callers decode it once they know, from kind, what type to
// expect.
func readFrame(r *bufio.Reader) (kind frameKind, body []byte, err error) {
	hdr := make([]byte, 5)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	kind = frameKind(hdr[4])
	bodyLen := int(n) - 1
	if bodyLen <= 0 {
		return kind, nil, nil
	}
	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return kind, nil, err
	}
	return kind, body, nil
}
