package shard

import (
	"fmt"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/index"
	"github.com/dreamware/mcasgo/internal/proto"
)

func (s *Shard) handleIORequest(h *Handler, raw []byte) error {
	req, err := unmarshalBody[proto.IORequest](raw)
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusInval})
	}
	pool := backend.PoolID(req.PoolID)

	switch req.Op {
	case proto.IOOpPut:
		return s.doPut(h, pool, req)
	case proto.IOOpGet:
		return s.doGet(h, pool, req)
	case proto.IOOpErase:
		return s.doErase(h, pool, req)
	case proto.IOOpPutAdvance, proto.IOOpPutLocate:
		return s.doPutLocate(h, pool, req)
	case proto.IOOpPutRelease:
		return s.doPutRelease(h, pool, req)
	case proto.IOOpGetLocate:
		return s.doGetLocate(h, pool, req)
	case proto.IOOpGetRelease:
		return s.doGetRelease(h, pool, req)
	case proto.IOOpLocate:
		return s.doLocate(h, pool, req)
	case proto.IOOpRelease:
		return s.doReleaseByOffset(h, pool, req, false)
	case proto.IOOpReleaseWithFlush:
		return s.doReleaseByOffset(h, pool, req, true)
	case proto.IOOpConfigure:
		return s.doConfigure(h, pool, req)
	default:
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusBadParam, RequestID: req.RequestID})
	}
}

// doPut is §4.3's inline PUT fast path.
func (s *Shard) doPut(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	err := s.store.Put(pool, req.Key, req.Value, req.Flags.Has(proto.FlagDontStomp))
	s.stats.PutCount++
	if err != nil {
		s.stats.OpFailedRequestCount++
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}
	if idx, ok := s.indexes[pool]; ok {
		idx.Insert(req.Key)
	}
	return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})
}

// doGet implements §4.3's inline-vs-two-stage GET decision: values under
// the threshold ride inline in the response; at or above it, the shard
// locks the value shared, registers it with the connection, and answers
// with its address and rkey instead of the bytes (no second buffer is
// posted).
// The shared lock taken here lands in the same s.lockShared table
// GET_LOCATE uses, so a client that receives a two-stage response
// discharges it the same way: a GET_RELEASE naming the returned Addr,
// handled by doGetRelease regardless of which op produced the lock.
func (s *Shard) doGet(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	s.stats.GetCount++
	value, err := s.store.Get(pool, req.Key)
	if err != nil {
		s.stats.OpFailedRequestCount++
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}

	if uint64(len(value)) < s.cfg.twoStageThreshold() {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{
			Status: proto.StatusOK, RequestID: req.RequestID, DataLen: uint64(len(value)), InlineData: value,
		})
	}

	lr, err := s.store.Lock(pool, req.Key, backend.LockShared, uint64(len(value)))
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}
	region, err := h.conn.RegisterMemory(lr.Addr, value)
	if err != nil {
		_ = s.store.Unlock(pool, lr.Handle, false)
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusFail, RequestID: req.RequestID})
	}
	s.lockShared.add(lr.Addr, pool, lr.Handle, lr.Len, region)

	return s.post(h, proto.TypeIOResponse, proto.IOResponse{
		Status: proto.StatusOK, RequestID: req.RequestID, Addr: region.Addr, RKey: region.RKey, DataLen: lr.Len,
	})
}

func (s *Shard) doErase(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	err := s.store.Erase(pool, req.Key)
	s.stats.EraseCount++
	if err != nil {
		s.stats.OpFailedRequestCount++
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}
	if idx, ok := s.indexes[pool]; ok {
		idx.Remove(req.Key)
	}
	return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})
}

// doPutLocate is §4.3's direct-by-key write phase 1: lock a temporary key,
// register the memory, record a pending rename to the real key, and hand
// the client an address/rkey to RDMA-write into.
func (s *Shard) doPutLocate(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	if req.Flags.Has(proto.FlagDontStomp) {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusInval, RequestID: req.RequestID})
	}

	tempKey := pendingKeyPrefix + req.Key
	lr, err := s.store.Lock(pool, tempKey, backend.LockExclusive, req.Size)
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}

	buf := make([]byte, lr.Len)
	region, err := h.conn.RegisterMemory(lr.Addr, buf)
	if err != nil {
		_ = s.store.Unlock(pool, lr.Handle, false)
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusFail, RequestID: req.RequestID})
	}

	s.lockExclusive.add(lr.Addr, pool, lr.Handle, lr.Len, region)
	s.addPendingRename(pool, lr.Addr, tempKey, req.Key)
	h.heldExclusive[lr.Addr] = true

	return s.post(h, proto.TypeIOResponse, proto.IOResponse{
		Status: proto.StatusOK, RequestID: req.RequestID, Addr: region.Addr, RKey: region.RKey, DataLen: lr.Len,
	})
}

// doPutRelease is §4.3's direct-by-key write phase 2: land whatever the
// peer RDMA-wrote into the registered region back into the backend, then
// unlock with flush and discharge the pending rename.
func (s *Shard) doPutRelease(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	e, ok := s.lockExclusive.get(req.Addr)
	if !ok {
		return &FatalError{Msg: fmt.Sprintf("put_release: unknown lock address 0x%x", req.Addr)}
	}
	buf, err := h.conn.DerefMemory(req.Addr)
	if err != nil {
		return &FatalError{Msg: err.Error()}
	}
	if err := s.store.WriteLocked(pool, e.handle, buf); err != nil {
		return &FatalError{Msg: err.Error()}
	}
	if err := s.releaseLockedValueExclusive(pool, req.Addr); err != nil {
		return &FatalError{Msg: err.Error()}
	}
	if err := s.releasePendingRename(req.Addr); err != nil {
		return &FatalError{Msg: err.Error()}
	}
	delete(h.heldExclusive, req.Addr)
	return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})
}

// doGetLocate is the read counterpart of doPutLocate: lock shared, no
// rename bookkeeping since the key name does not change on a read.
func (s *Shard) doGetLocate(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	lr, err := s.store.Lock(pool, req.Key, backend.LockShared, 0)
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}
	value, err := s.store.Get(pool, req.Key)
	if err != nil {
		_ = s.store.Unlock(pool, lr.Handle, false)
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: mapLockError(err), RequestID: req.RequestID})
	}
	region, err := h.conn.RegisterMemory(lr.Addr, value)
	if err != nil {
		_ = s.store.Unlock(pool, lr.Handle, false)
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusFail, RequestID: req.RequestID})
	}
	s.lockShared.add(lr.Addr, pool, lr.Handle, lr.Len, region)

	return s.post(h, proto.TypeIOResponse, proto.IOResponse{
		Status: proto.StatusOK, RequestID: req.RequestID, Addr: region.Addr, RKey: region.RKey, DataLen: lr.Len,
	})
}

func (s *Shard) doGetRelease(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	if err := s.releaseLockedValueShared(pool, req.Addr); err != nil {
		return &FatalError{Msg: err.Error()}
	}
	return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})
}

// doLocate is §4.3's by-offset direct read/write: map the requested range
// onto the pool's regions, register the bounding memory, and record a
// space entry.
func (s *Shard) doLocate(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	_, regions, err := s.store.GetPoolRegions(pool)
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusNotSupported, RequestID: req.RequestID})
	}

	sg, mrLow, mrHigh, excess := OffsetToSGList(regions, req.Offset, req.Offset+req.Size)
	if len(sg) == 0 {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOutOfBounds, RequestID: req.RequestID})
	}

	buf := make([]byte, mrHigh-mrLow)
	region, err := h.conn.RegisterMemory(mrLow, buf)
	if err != nil {
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusFail, RequestID: req.RequestID})
	}

	key := spaceKey{pool: pool, lo: req.Offset, hi: req.Offset + req.Size}
	if e, ok := s.spaces[key]; ok {
		e.count++
	} else {
		s.spaces[key] = &spaceEntry{region: region, count: 1}
	}

	return s.post(h, proto.TypeIOResponse, proto.IOResponse{
		Status: proto.StatusOK, RequestID: req.RequestID, Addr: region.Addr, RKey: region.RKey,
		SGList: sg, ExcessLen: excess,
	})
}

func (s *Shard) doReleaseByOffset(h *Handler, pool backend.PoolID, req proto.IORequest, flush bool) error {
	lo, hi := req.Offset, req.Offset+req.Size
	if err := s.releaseSpace(pool, lo, hi, flush); err != nil {
		return &FatalError{Msg: err.Error()}
	}
	return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})
}

// doConfigure implements §4.3 CONFIGURE: AddIndex backfills a fresh
// VolatileTree by enumerating the backend's keys; RemoveIndex drops it.
func (s *Shard) doConfigure(h *Handler, pool backend.PoolID, req proto.IORequest) error {
	switch req.ConfigCmd {
	case "AddIndex::VolatileTree":
		tree := index.NewVolatileTree(s.cfg.IndexBTreeDegree)
		if err := s.store.MapKeys(pool, func(key string) error {
			tree.Insert(key)
			return nil
		}); err != nil {
			return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusFail, RequestID: req.RequestID})
		}
		s.indexes[pool] = tree
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})

	case "RemoveIndex::":
		delete(s.indexes, pool)
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusOK, RequestID: req.RequestID})

	default:
		return s.post(h, proto.TypeIOResponse, proto.IOResponse{Status: proto.StatusBadParam, RequestID: req.RequestID})
	}
}
