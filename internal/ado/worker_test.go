package ado

import (
	"bufio"
	"io"
	"testing"
	"time"

	"github.com/dreamware/mcasgo/internal/proto"
)

// workerRig drives RunWorker over a pair of pipes the way ProcessManager
// drives it over a child's stdin/stdout, without spawning a real process.
type workerRig struct {
	t        *testing.T
	toWorker *io.PipeWriter
	fromW    *bufio.Reader
	done     chan error
}

func newWorkerRig(t *testing.T, handle Handler) *workerRig {
	t.Helper()
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	rig := &workerRig{t: t, toWorker: toWorkerW, fromW: bufio.NewReader(fromWorkerR), done: make(chan error, 1)}
	go func() { rig.done <- RunWorker(toWorkerR, fromWorkerW, handle) }()
	return rig
}

func (r *workerRig) send(kind frameKind, payload any) {
	r.t.Helper()
	if err := writeFrame(r.toWorker, kind, payload); err != nil {
		r.t.Fatalf("send frame: %v", err)
	}
}

func (r *workerRig) recv() (frameKind, []byte) {
	r.t.Helper()
	kind, body, err := readFrame(r.fromW)
	if err != nil {
		r.t.Fatalf("recv frame: %v", err)
	}
	return kind, body
}

func TestRunWorkerEchoesRequestBody(t *testing.T) {
	handle := func(order WorkOrder, emit func(Callback) (CallbackResult, error)) Completion {
		return Completion{WorkID: order.WorkID, Status: proto.StatusOK, ResponseBuffers: [][]byte{order.RequestBody}}
	}
	rig := newWorkerRig(t, handle)

	rig.send(frameWorkOrder, WorkOrder{WorkID: 1, RequestBody: []byte("hello")})

	kind, body := rig.recv()
	if kind != frameCompletion {
		t.Fatalf("kind = %v, want frameCompletion", kind)
	}
	var comp Completion
	if err := decode(body, &comp); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if comp.Status != proto.StatusOK {
		t.Errorf("status = %v, want StatusOK", comp.Status)
	}
	if len(comp.ResponseBuffers) != 1 || string(comp.ResponseBuffers[0]) != "hello" {
		t.Errorf("response buffers = %v, want [hello]", comp.ResponseBuffers)
	}

	rig.send(frameShutdown, nil)
	select {
	case err := <-rig.done:
		if err != nil {
			t.Errorf("RunWorker returned %v, want nil after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWorker did not return after shutdown frame")
	}
}

// TestRunWorkerSynchronousCallbackRoundTrip exercises the emit() path: the
// handler issues a table-op callback mid-invocation and blocks on the
// manager's response before producing its completion.
func TestRunWorkerSynchronousCallbackRoundTrip(t *testing.T) {
	handle := func(order WorkOrder, emit func(Callback) (CallbackResult, error)) Completion {
		result, err := emit(Callback{Kind: CallbackTableOp, WorkID: order.WorkID, Table: TableOpCreate, Key: "sibling"})
		if err != nil {
			return Completion{WorkID: order.WorkID, Status: proto.StatusFail}
		}
		return Completion{WorkID: order.WorkID, Status: proto.StatusOK, DeferredUnlocks: []string{result.MatchedKey}}
	}
	rig := newWorkerRig(t, handle)

	rig.send(frameWorkOrder, WorkOrder{WorkID: 5, Key: "k1"})

	kind, body := rig.recv()
	if kind != frameCallback {
		t.Fatalf("kind = %v, want frameCallback", kind)
	}
	var cb Callback
	if err := decode(body, &cb); err != nil {
		t.Fatalf("decode callback: %v", err)
	}
	if cb.Table != TableOpCreate || cb.Key != "sibling" {
		t.Errorf("callback = %+v, want Table=Create Key=sibling", cb)
	}

	rig.send(frameCallbackResponse, callbackReply{WorkID: cb.WorkID, Result: CallbackResult{Status: proto.StatusOK, MatchedKey: "sibling"}})

	kind, body = rig.recv()
	if kind != frameCompletion {
		t.Fatalf("kind = %v, want frameCompletion", kind)
	}
	var comp Completion
	if err := decode(body, &comp); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if comp.Status != proto.StatusOK {
		t.Errorf("status = %v, want StatusOK", comp.Status)
	}
	if len(comp.DeferredUnlocks) != 1 || comp.DeferredUnlocks[0] != "sibling" {
		t.Errorf("deferred unlocks = %v, want [sibling]", comp.DeferredUnlocks)
	}

	rig.send(frameShutdown, nil)
	select {
	case err := <-rig.done:
		if err != nil {
			t.Errorf("RunWorker returned %v, want nil after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWorker did not return after shutdown frame")
	}
}

func TestRunWorkerReturnsOnPipeClose(t *testing.T) {
	handle := func(order WorkOrder, emit func(Callback) (CallbackResult, error)) Completion {
		return Completion{WorkID: order.WorkID}
	}
	rig := newWorkerRig(t, handle)

	if err := rig.toWorker.Close(); err != nil {
		t.Fatalf("close pipe: %v", err)
	}

	select {
	case err := <-rig.done:
		if err != nil {
			t.Errorf("RunWorker returned %v, want nil on EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWorker did not return after input pipe closed")
	}
}
