package main

import (
	"testing"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/proto"
)

func TestHandlePoolDeleteEmitsOpEventThenCompletes(t *testing.T) {
	var gotCallback ado.Callback
	emit := func(cb ado.Callback) (ado.CallbackResult, error) {
		gotCallback = cb
		return ado.CallbackResult{Status: proto.StatusOK}, nil
	}

	order := ado.WorkOrder{WorkID: 1, RequestBody: []byte(`{"op":"pool_delete"}`)}
	comp := handle(order, emit)

	if gotCallback.Kind != ado.CallbackOpEvent || gotCallback.Event != ado.OpEventPoolDelete {
		t.Errorf("callback = %+v, want Kind=OpEvent Event=PoolDelete", gotCallback)
	}
	if comp.Status != proto.StatusOK {
		t.Errorf("completion status = %v, want StatusOK", comp.Status)
	}
}

func TestHandleEraseReturnsEraseTarget(t *testing.T) {
	order := ado.WorkOrder{WorkID: 2, Key: "k1", RequestBody: []byte(`{"op":"erase"}`)}
	comp := handle(order, nil)

	if comp.Status != proto.StatusEraseTarget {
		t.Errorf("status = %v, want StatusEraseTarget", comp.Status)
	}
	if !comp.EraseTarget || comp.Key != "k1" {
		t.Errorf("comp = %+v, want EraseTarget=true Key=k1", comp)
	}
}

func TestHandleTouchLocksSiblingThenDefersUnlock(t *testing.T) {
	var gotCallback ado.Callback
	emit := func(cb ado.Callback) (ado.CallbackResult, error) {
		gotCallback = cb
		return ado.CallbackResult{Status: proto.StatusOK, MatchedKey: cb.Key}, nil
	}

	order := ado.WorkOrder{WorkID: 3, RequestBody: []byte(`{"op":"touch","value":"sibling-key"}`)}
	comp := handle(order, emit)

	if gotCallback.Table != ado.TableOpCreate || gotCallback.Key != "sibling-key" {
		t.Errorf("callback = %+v, want Table=Create Key=sibling-key", gotCallback)
	}
	if comp.Status != proto.StatusOK {
		t.Errorf("status = %v, want StatusOK", comp.Status)
	}
	if len(comp.DeferredUnlocks) != 1 || comp.DeferredUnlocks[0] != "sibling-key" {
		t.Errorf("deferred unlocks = %v, want [sibling-key]", comp.DeferredUnlocks)
	}
}

func TestHandleTouchFailsWhenCallbackErrors(t *testing.T) {
	emit := func(cb ado.Callback) (ado.CallbackResult, error) {
		return ado.CallbackResult{Status: proto.StatusBusy}, nil
	}

	order := ado.WorkOrder{WorkID: 4, RequestBody: []byte(`{"op":"touch","value":"sibling-key"}`)}
	comp := handle(order, emit)

	if comp.Status != proto.StatusFail {
		t.Errorf("status = %v, want StatusFail when the callback reports an error status", comp.Status)
	}
}

func TestHandleDefaultEchoesRequestBody(t *testing.T) {
	order := ado.WorkOrder{WorkID: 5, RequestBody: []byte(`{"op":"unknown"}`)}
	comp := handle(order, nil)

	if comp.Status != proto.StatusOK {
		t.Errorf("status = %v, want StatusOK", comp.Status)
	}
	if len(comp.ResponseBuffers) != 1 || string(comp.ResponseBuffers[0]) != `{"op":"unknown"}` {
		t.Errorf("response buffers = %v, want echoed request body", comp.ResponseBuffers)
	}
}
