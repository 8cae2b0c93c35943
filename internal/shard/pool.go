package shard

import (
	"encoding/json"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/proto"
)

// adoPoolEntry is the ADO pool map's row (§3 "ADO pool map"): one proxy per
// pool, shared by every session that has opened it, with its own refcount
// distinct from the pool's backend-open refcount.
type adoPoolEntry struct {
	proxy    ado.Proxy
	refCount int
	owner    *Handler
}

func (s *Shard) handlePoolRequest(h *Handler, raw []byte) error {
	req, err := unmarshalBody[proto.PoolRequest](raw)
	if err != nil {
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusInval})
	}

	switch req.Op {
	case proto.PoolOpCreate:
		return s.doCreateOrOpen(h, req, true)
	case proto.PoolOpOpen:
		return s.doCreateOrOpen(h, req, false)
	case proto.PoolOpClose:
		return s.doClose(h, req)
	case proto.PoolOpDelete:
		return s.doDelete(h, req)
	default:
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusBadParam})
	}
}

// doCreateOrOpen implements §4.2 CREATE/OPEN, which are symmetric apart
// from which backend method is called and the `opened_existing` flag
// threaded into ADO bootstrap.
func (s *Shard) doCreateOrOpen(h *Handler, req proto.PoolRequest, create bool) error {
	if poolID, already := h.openPools[req.Name]; already {
		if create && req.Flags.Has(proto.FlagCreateOnly) {
			return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusFail})
		}
		h.poolRefs[poolID]++
		s.poolRefs[poolID]++
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK, PoolID: uint64(poolID)})
	}

	var poolID backend.PoolID
	var err error
	if create {
		poolID, err = s.store.CreatePool(req.Name, req.Size, req.ExpectedCount)
	} else {
		poolID, err = s.store.OpenPool(req.Name)
	}
	if err != nil {
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: mapPoolError(err)})
	}

	h.openPools[req.Name] = poolID
	h.poolRefs[poolID] = 1
	s.poolRefs[poolID]++
	s.poolNameByID[poolID] = req.Name
	if create {
		s.poolExpectedCount[poolID] = req.ExpectedCount
	}

	s.preRegisterPoolRegions(h, poolID)

	if s.adoMgr != nil {
		if err := s.bootstrapAdo(h, poolID, req.Name, !create); err != nil {
			s.log.Errorf("ado bootstrap for pool %q: %v", req.Name, err)
		}
	}

	return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK, PoolID: uint64(poolID)})
}

// preRegisterPoolRegions is §4.2's "on-demand register": every region the
// backend reports is pre-registered with the fabric so later direct
// transfers don't pay registration cost on the hot path. A backend that
// cannot enumerate regions (ErrUnsupported) is logged and ignored, not
// fatal; only ADO use of an unenumerable pool is fatal (§4.4).
func (s *Shard) preRegisterPoolRegions(h *Handler, poolID backend.PoolID) {
	_, regions, err := s.store.GetPoolRegions(poolID)
	if err != nil {
		s.log.Warnf("pool %d: cannot enumerate regions for pre-registration: %v", poolID, err)
		return
	}
	for _, r := range regions {
		buf := make([]byte, r.Len)
		if _, err := h.conn.RegisterMemory(r.Base, buf); err != nil {
			s.log.Warnf("pool %d: pre-register region at 0x%x: %v", poolID, r.Base, err)
		}
	}
}

// doClose implements §4.2 CLOSE: decrement the session's reference, and
// the global one; when the global refcount reaches zero, release any ADO
// reference and close the backend pool.
func (s *Shard) doClose(h *Handler, req proto.PoolRequest) error {
	poolID := backend.PoolID(req.PoolID)
	if h.poolRefs[poolID] == 0 {
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusBadParam})
	}
	s.releasePoolRefLocked(h, poolID)
	return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK, PoolID: uint64(poolID)})
}

// releasePoolRefLocked drops h's reference to poolID and, if that was the
// last session reference, tears down the ADO proxy reference and closes
// the backend handle. Used both by an explicit CLOSE and by
// Shard.closeHandler when a session drops with pools still open.
func (s *Shard) releasePoolRefLocked(h *Handler, poolID backend.PoolID) {
	h.poolRefs[poolID]--
	if h.poolRefs[poolID] <= 0 {
		delete(h.poolRefs, poolID)
		for name, id := range h.openPools {
			if id == poolID {
				delete(h.openPools, name)
			}
		}
	}

	s.poolRefs[poolID]--
	if s.poolRefs[poolID] > 0 {
		return
	}
	delete(s.poolRefs, poolID)

	if entry, ok := s.adoPools[poolID]; ok {
		entry.refCount--
		if entry.refCount <= 1 {
			_ = s.adoMgr.Shutdown(uint64(poolID))
			delete(s.adoPools, poolID)
			s.releaseLifetimeLocks(poolID)
		}
	}

	if err := s.store.ClosePool(poolID); err != nil {
		s.log.Warnf("close pool %d: %v", poolID, err)
	}
	delete(s.poolNameByID, poolID)
	delete(s.poolExpectedCount, poolID)
	delete(s.indexes, poolID)
}

// doDelete implements §4.2 DELETE. Delete-by-name is refused while the
// pool is open; delete-by-id with more than one outstanding reference is
// refused with E_BUSY rather than decrementing a refcount, matching
// original_source/shard.cpp:Shard::delete_pool.
func (s *Shard) doDelete(h *Handler, req proto.PoolRequest) error {
	if req.Name != "" {
		for _, name := range s.poolNameByID {
			if name == req.Name {
				return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusAlreadyOpen})
			}
		}
		if err := s.store.DeletePoolByName(req.Name); err != nil {
			return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: mapPoolError(err)})
		}
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK})
	}

	poolID := backend.PoolID(req.PoolID)
	if s.poolRefs[poolID] > 1 {
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusBusy})
	}

	if entry, ok := s.adoPools[poolID]; ok && s.adoMgr != nil {
		s.pendingPoolDelete[poolID] = true
		body, _ := json.Marshal(struct{ Op string }{"pool_delete"})
		_, err := entry.proxy.Invoke(ado.InvokeParams{RequestBody: body})
		if err != nil {
			delete(s.pendingPoolDelete, poolID)
			return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusFail})
		}
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK})
	}

	if err := s.finalizeDeletePool(poolID); err != nil {
		return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: mapPoolError(err)})
	}
	return s.post(h, proto.TypePoolResponse, proto.PoolResponse{Status: proto.StatusOK})
}

// finalizeDeletePool is the synchronous close+delete used directly by
// doDelete when no ADO is attached, and by the POOL_DELETE op-event
// callback (§4.4) when one is.
func (s *Shard) finalizeDeletePool(poolID backend.PoolID) error {
	if s.store.IsPoolOpen(poolID) {
		if err := s.store.ClosePool(poolID); err != nil {
			return err
		}
	}
	delete(s.pendingPoolDelete, poolID)
	delete(s.poolNameByID, poolID)
	delete(s.poolExpectedCount, poolID)
	delete(s.indexes, poolID)
	delete(s.poolRefs, poolID)
	return s.store.DeletePool(poolID)
}

func mapPoolError(err error) proto.Status {
	switch {
	case err == backend.ErrPoolExists:
		return proto.StatusAlreadyExists
	case err == backend.ErrPoolNotFound:
		return proto.StatusKeyNotFound
	case err == backend.ErrBadParam:
		return proto.StatusBadParam
	default:
		return proto.StatusFail
	}
}
