package shard

import (
	"github.com/dreamware/mcasgo/internal/index"
	"github.com/dreamware/mcasgo/internal/proto"
)

// Task is a long-running job advanced incrementally on each tick (§4.6).
// DoWork returns StatusMore while work remains, or a terminal status
// (StatusOK/error) once finished.
type Task interface {
	DoWork() proto.Status
	Result() (value []byte)
	Handler() *Handler
	RequestID() uint64
}

// keyFindTask is the only task kind named in §4.6: an index scan driven
// one comparison batch at a time so a large scan never blocks the loop.
type keyFindTask struct {
	handler   *Handler
	requestID uint64

	idx                index.KVIndex
	expr, begin        string
	findType           index.FindType
	comparisonsPerTick uint64

	status     proto.Status
	matchedKey string
	done       bool
}

func newKeyFindTask(h *Handler, requestID uint64, idx index.KVIndex, expr, begin string, findType index.FindType) *keyFindTask {
	return &keyFindTask{
		handler:            h,
		requestID:          requestID,
		idx:                idx,
		expr:               expr,
		begin:              begin,
		findType:           findType,
		comparisonsPerTick: 256,
	}
}

func (t *keyFindTask) DoWork() proto.Status {
	if t.done {
		return t.status
	}
	status, _, key := t.idx.Find(t.expr, t.begin, t.findType, t.comparisonsPerTick)
	switch status {
	case proto.StatusOutOfBounds:
		// key is the last key this batch examined (Find's AscendGreaterOrEqual
		// is inclusive of begin), so resuming at key itself would rescan it
		// forever; appending a NUL byte yields the smallest string greater
		// than key, advancing the window past what this batch covered.
		t.begin = key + "\x00"
		return proto.StatusMore
	default:
		t.status = status
		t.matchedKey = key
		t.done = true
		return status
	}
}

func (t *keyFindTask) Result() []byte    { return []byte(t.matchedKey) }
func (t *keyFindTask) Handler() *Handler { return t.handler }
func (t *keyFindTask) RequestID() uint64 { return t.requestID }

// advanceTasks is §4.1 step 7 / §4.6: every task is advanced once per
// tick; a terminal result is posted to its originating handler and the
// task is dropped from the list.
func (s *Shard) advanceTasks() {
	if len(s.tasks) == 0 {
		return
	}
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		status := t.DoWork()
		if status == proto.StatusMore {
			kept = append(kept, t)
			continue
		}
		if t.Handler().clientConnected() {
			_ = s.post(t.Handler(), proto.TypeInfoResponse, proto.InfoResponse{Status: status, Value: t.Result()})
		}
	}
	s.tasks = kept
}
