// Command adoworker is the child process side-process spawned by
// internal/ado.ProcessManager per pool, standing in for the ADO plugin ABI
// that §1 places out of scope: real plugins are opaque, loaded shared
// objects that operate on locked values via the proxy contract. This
// binary implements just enough of that contract (decode a work order,
// optionally issue a synchronous table-op callback, write back a
// completion) to let the shard's ADO orchestration be exercised
// end-to-end without a real plugin.
//
// Shaped like a torua node process: no flags, a tiny amount of argument
// handling, then a blocking serve loop until the pipe closes.
package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/proto"
)

type request struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func main() {
	// args[0] is the configured plugin path; later args are plugin
	// parameters. Neither is interpreted by this stand-in worker, but we
	// accept them so the manager's Launch signature has something real to
	// pass.
	_ = os.Args

	if err := ado.RunWorker(os.Stdin, os.Stdout, handle); err != nil {
		log.Fatalf("adoworker: %v", err)
	}
}

func handle(order ado.WorkOrder, emit func(ado.Callback) (ado.CallbackResult, error)) ado.Completion {
	var req request
	if len(order.RequestBody) > 0 {
		_ = json.Unmarshal(order.RequestBody, &req)
	}

	switch req.Op {
	case "pool_delete":
		_, err := emit(ado.Callback{
			Kind:   ado.CallbackOpEvent,
			WorkID: order.WorkID,
			Event:  ado.OpEventPoolDelete,
		})
		if err != nil {
			return ado.Completion{WorkID: order.WorkID, Status: proto.StatusFail}
		}
		return ado.Completion{WorkID: order.WorkID, Status: proto.StatusOK}

	case "erase":
		return ado.Completion{
			WorkID:      order.WorkID,
			Status:      proto.StatusEraseTarget,
			EraseTarget: true,
			Key:         order.Key,
		}

	case "touch":
		// Demonstrates the synchronous table-op callback path: ask the
		// shard to create/lock a sibling key before this invocation
		// completes.
		result, err := emit(ado.Callback{
			Kind:         ado.CallbackTableOp,
			WorkID:       order.WorkID,
			Table:        ado.TableOpCreate,
			Key:          req.Value,
			ValueLen:     8,
			UnlockPolicy: ado.UnlockDeferred,
		})
		if err != nil || result.Status.IsError() {
			return ado.Completion{WorkID: order.WorkID, Status: proto.StatusFail}
		}
		return ado.Completion{
			WorkID:          order.WorkID,
			Status:          proto.StatusOK,
			DeferredUnlocks: []string{req.Value},
		}

	default:
		return ado.Completion{
			WorkID:          order.WorkID,
			Status:          proto.StatusOK,
			ResponseBuffers: [][]byte{order.RequestBody},
		}
	}
}
