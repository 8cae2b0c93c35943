package ado

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		kind    frameKind
		payload any
	}{
		{"work order", frameWorkOrder, WorkOrder{WorkID: 1, PoolID: 2, Key: "k1", Value: []byte("v1")}},
		{"callback", frameCallback, Callback{Kind: CallbackTableOp, WorkID: 1, Table: TableOpCreate, Key: "k2"}},
		{"callback response", frameCallbackResponse, callbackReply{WorkID: 1, Result: CallbackResult{Status: 0, Addr: 0x1000}}},
		{"completion", frameCompletion, Completion{WorkID: 1, ResponseBuffers: [][]byte{[]byte("r1")}}},
		{"shutdown with nil payload", frameShutdown, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, c.kind, c.payload); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}

			kind, body, err := readFrame(bufio.NewReader(&buf))
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if kind != c.kind {
				t.Fatalf("kind = %v, want %v", kind, c.kind)
			}
			if c.payload == nil {
				if len(body) != 0 {
					t.Errorf("body = %v, want empty for nil payload", body)
				}
			}
		})
	}
}

func TestReadFrameMultipleInSequence(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, frameWorkOrder, WorkOrder{WorkID: 1}); err != nil {
		t.Fatalf("writeFrame 1: %v", err)
	}
	if err := writeFrame(&buf, frameCompletion, Completion{WorkID: 1}); err != nil {
		t.Fatalf("writeFrame 2: %v", err)
	}

	r := bufio.NewReader(&buf)

	kind1, body1, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame 1: %v", err)
	}
	if kind1 != frameWorkOrder {
		t.Fatalf("kind1 = %v, want frameWorkOrder", kind1)
	}
	var order WorkOrder
	if err := decode(body1, &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.WorkID != 1 {
		t.Errorf("order.WorkID = %d, want 1", order.WorkID)
	}

	kind2, body2, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame 2: %v", err)
	}
	if kind2 != frameCompletion {
		t.Fatalf("kind2 = %v, want frameCompletion", kind2)
	}
	var comp Completion
	if err := decode(body2, &comp); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if comp.WorkID != 1 {
		t.Errorf("comp.WorkID = %d, want 1", comp.WorkID)
	}
}

func TestReadFrameTruncatedHeaderIsError(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0, 0, 0}))
	if _, _, err := readFrame(r); err == nil {
		t.Error("expected error reading a truncated header")
	}
}
