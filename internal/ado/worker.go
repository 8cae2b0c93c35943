package ado

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Handler processes one work order for a worker process, optionally
// issuing synchronous callbacks back to the shard through emit before
// returning the final completion (§4.4 "ADO callbacks from the child").
type Handler func(order WorkOrder, emit func(Callback) (CallbackResult, error)) Completion

// callbackReply mirrors processProxy.PostCallbackResponse's wire shape.
type callbackReply struct {
	WorkID WorkID
	Result CallbackResult
}

// RunWorker implements the worker side of the manager/proxy protocol
// (wire.go): it reads WorkOrder frames from r, invokes handle for each, and
// writes the resulting Completion back on w. It returns when the manager
// sends a shutdown frame or the pipe closes.
//
// This is the worker-process half of the ProcessManager/processProxy pair
// that stands in for the ADO plugin host (§1 scope note: the plugin ABI
// itself is out of scope, only this proxy contract is).
func RunWorker(r io.Reader, w io.Writer, handle Handler) error {
	reader := bufio.NewReader(r)
	var writeMu sync.Mutex

	write := func(kind frameKind, payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(w, kind, payload)
	}

	for {
		kind, body, err := readFrame(reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch kind {
		case frameShutdown:
			return nil

		case frameWorkOrder:
			var order WorkOrder
			if decErr := decode(body, &order); decErr != nil {
				continue
			}
			emit := func(cb Callback) (CallbackResult, error) {
				if err := write(frameCallback, cb); err != nil {
					return CallbackResult{}, err
				}
				rkind, rbody, err := readFrame(reader)
				if err != nil {
					return CallbackResult{}, err
				}
				if rkind != frameCallbackResponse {
					return CallbackResult{}, fmt.Errorf("ado: expected callback response, got frame kind %d", rkind)
				}
				var reply callbackReply
				if err := decode(rbody, &reply); err != nil {
					return CallbackResult{}, err
				}
				return reply.Result, nil
			}

			completion := handle(order, emit)
			if err := write(frameCompletion, completion); err != nil {
				return err
			}

		default:
			// Unknown frame kind from a future protocol version; ignore.
		}
	}
}
