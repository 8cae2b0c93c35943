package shard

import (
	"encoding/json"
	"errors"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/fabric"
	"github.com/dreamware/mcasgo/internal/index"
	"github.com/dreamware/mcasgo/internal/proto"
)

// lockRef remembers enough to release a table-op lock later without
// re-deriving it: the address the lock tracker keys on, and which of the
// two tables (shared/exclusive) holds it.
type lockRef struct {
	addr uint64
	mode backend.LockMode
}

// workRequest is §3's "Work request": allocated when an ADO call is
// dispatched, removed on completion; its map key (ado.WorkID) is the
// work-id exchanged with the ADO proxy.
type workRequest struct {
	handler   *Handler
	pool      backend.PoolID
	keyHandle backend.KeyHandle
	keyLocked bool
	key       string
	lockType  backend.LockMode
	requestID uint64
	async     bool
}

func roundUp8(n uint64) uint64 { return (n + 7) &^ 7 }

// validateAdoFlags rejects flag combinations doAdoInvoke cannot give
// coherent meaning to. ADO_FLAG_DETACHED allocates pool memory for the
// value precisely because a detached ADO means to overwrite it; paired
// with ADO_FLAG_NO_OVERWRITE the combination has no consistent put
// behavior to fall into, so it is rejected up front rather than silently
// picking one side (§4.4).
func validateAdoFlags(flags proto.Flags) proto.Status {
	if flags.Has(proto.FlagAdoDetached) && flags.Has(proto.FlagAdoNoOverwrite) {
		return proto.StatusInval
	}
	return proto.StatusOK
}

// bootstrapAdo implements §4.4's "Conditional bootstrap": adopt an
// existing proxy for the same pool if one exists, otherwise spawn a new
// ADO child via the configured manager and pre-register every backend
// region with the fabric (or treat an unenumerable pool as fatal for
// ADO use, per §4.4 step 4).
func (s *Shard) bootstrapAdo(h *Handler, poolID backend.PoolID, name string, openedExisting bool) error {
	if entry, ok := s.adoPools[poolID]; ok {
		entry.refCount++
		return nil
	}

	if len(s.cfg.AdoPlugins) == 0 {
		return nil
	}

	proxy, err := s.adoMgr.Launch(uint64(poolID), s.cfg.AdoPlugins[0], s.cfg.AdoParams...)
	if err != nil {
		return err
	}

	_, regions, err := s.store.GetPoolRegions(poolID)
	if err != nil {
		_ = s.adoMgr.Shutdown(uint64(poolID))
		return &FatalError{Msg: "ado bootstrap: pool " + name + " cannot enumerate regions: " + err.Error()}
	}
	for _, r := range regions {
		buf := make([]byte, r.Len)
		if _, err := h.conn.RegisterMemory(r.Base, buf); err != nil {
			s.log.Warnf("ado bootstrap: register region 0x%x for pool %q: %v", r.Base, name, err)
		}
	}

	s.adoPools[poolID] = &adoPoolEntry{proxy: proxy, refCount: 2, owner: h}
	_ = openedExisting
	return nil
}

func (s *Shard) handleAdoRequest(h *Handler, raw []byte) error {
	req, err := unmarshalBody[proto.AdoRequest](raw)
	if err != nil {
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusInval})
	}
	return s.doAdoInvoke(h, backend.PoolID(req.PoolID), req.Key, nil, 0, req.RequestBody, req.Flags, req.RequestID, req.Async)
}

func (s *Shard) handlePutAdoRequest(h *Handler, raw []byte) error {
	req, err := unmarshalBody[proto.PutAdoRequest](raw)
	if err != nil {
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusInval})
	}
	return s.doAdoInvoke(h, backend.PoolID(req.PoolID), req.Key, req.Value, req.RootValLen, req.RequestBody, req.Flags, req.RequestID, req.Async)
}

// doAdoInvoke is §4.4's "ADO request paths", covering both ADO_REQUEST
// and PUT_ADO_REQUEST (value is nil for the former).
func (s *Shard) doAdoInvoke(h *Handler, pool backend.PoolID, key string, value []byte, rootValLen uint64, requestBody []byte, flags proto.Flags, requestID uint64, async bool) error {
	if s.adoMgr == nil {
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusNotSupported, RequestID: requestID})
	}
	if status := validateAdoFlags(flags); status != proto.StatusOK {
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: status, RequestID: requestID})
	}
	entry, ok := s.adoPools[pool]
	if !ok {
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusFail, RequestID: requestID})
	}

	lockMode := backend.LockExclusive
	if flags.Has(proto.FlagAdoReadOnly) {
		lockMode = backend.LockShared
	}

	if flags.Has(proto.FlagAdoCreateOnly) {
		if _, err := s.store.GetAttribute(pool, proto.AttrValueLen, key); err == nil {
			return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{
				Status:          proto.StatusAlreadyExists,
				RequestID:       requestID,
				ResponseBuffers: [][]byte{[]byte("ADO!ALREADY_EXISTS")},
			})
		}
		lr, err := s.store.Lock(pool, key, lockMode, 0)
		if err != nil {
			return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: mapLockError(err), RequestID: requestID})
		}
		if err := s.store.Unlock(pool, lr.Handle, false); err != nil {
			return &FatalError{Msg: "ado create-only: unlock: " + err.Error()}
		}
		status := proto.StatusOK
		if lr.Created {
			status = proto.StatusOKCreated
		}
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: status, RequestID: requestID})
	}

	var keyHandle backend.KeyHandle
	var detachedAddr, detachedLen uint64
	keyLocked := false
	newRoot := false

	if value != nil {
		_, existsErr := s.store.GetAttribute(pool, proto.AttrValueLen, key)
		exists := existsErr == nil

		switch {
		case exists && flags.Has(proto.FlagAdoNoOverwrite):
			// Skip the put entirely; the existing value is left untouched.

		case flags.Has(proto.FlagAdoDetached) && rootValLen > 0:
			lr, err := s.store.Lock(pool, key, lockMode, rootValLen)
			if err != nil {
				return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: mapLockError(err), RequestID: requestID})
			}
			keyHandle, keyLocked, newRoot = lr.Handle, true, true

			allocLen := roundUp8(uint64(len(value)))
			addr, err := s.store.AllocatePoolMemory(pool, allocLen)
			if err != nil {
				_ = s.store.Unlock(pool, keyHandle, false)
				return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusInsufficientSpace, RequestID: requestID})
			}
			// The value is passed to Invoke as-is; it is not copied into
			// this allocation.
			detachedAddr, detachedLen = addr, allocLen

		default:
			if err := s.store.Put(pool, key, value, false); err != nil {
				return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: mapLockError(err), RequestID: requestID})
			}
		}
	}

	if !keyLocked {
		lr, err := s.store.Lock(pool, key, lockMode, 0)
		if err != nil {
			return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: mapLockError(err), RequestID: requestID})
		}
		keyHandle, keyLocked = lr.Handle, true
	}

	workID, err := entry.proxy.Invoke(ado.InvokeParams{
		Key:          key,
		Value:        value,
		DetachedAddr: detachedAddr,
		DetachedLen:  detachedLen,
		RequestBody:  requestBody,
		NewRoot:      newRoot,
	})
	if err != nil {
		_ = s.store.Unlock(pool, keyHandle, false)
		return s.post(h, proto.TypeAdoResponse, proto.AdoResponse{Status: proto.StatusFail, RequestID: requestID})
	}

	s.outstanding[workID] = &workRequest{
		handler:   h,
		pool:      pool,
		keyHandle: keyHandle,
		keyLocked: keyLocked,
		key:       key,
		lockType:  lockMode,
		requestID: requestID,
		async:     async,
	}
	s.stats.AdoRequestCount++
	return nil
}

// drainAdoCompletions is §4.1 step 6 / §4.4's two draining passes: first
// synchronous callbacks (which block the ADO until answered), then
// terminal completions.
func (s *Shard) drainAdoCompletions() {
	for poolID, entry := range s.adoPools {
		for {
			cb, ok := entry.proxy.PollCallback()
			if !ok {
				break
			}
			result := s.handleAdoCallback(poolID, cb)
			_ = entry.proxy.PostCallbackResponse(cb.WorkID, result)
		}
		for {
			comp, ok := entry.proxy.PollCompletion()
			if !ok {
				break
			}
			s.handleAdoCompletion(poolID, comp)
		}
	}
}

// handleAdoCompletion is §4.4's "ADO completion draining", steps 1-7.
func (s *Shard) handleAdoCompletion(poolID backend.PoolID, comp ado.Completion) {
	status := proto.ClampAdoStatus(comp.Status)

	wr, ok := s.outstanding[comp.WorkID]
	if !ok {
		s.log.Warnf("ado completion for unknown work id %d on pool %d", comp.WorkID, poolID)
		return
	}
	delete(s.outstanding, comp.WorkID)

	if wr.keyLocked {
		if err := s.store.Unlock(poolID, wr.keyHandle, false); err != nil {
			s.log.Warnf("ado completion: unlock %q: %v", wr.key, err)
		}
	}

	if byKey, ok := s.deferredTableOpLocks[comp.WorkID]; ok {
		for _, key := range comp.DeferredUnlocks {
			if ref, ok := byKey[key]; ok {
				s.releaseTableOpLock(poolID, ref)
				delete(byKey, key)
			}
		}
		if len(byKey) == 0 {
			delete(s.deferredTableOpLocks, comp.WorkID)
		}
	}

	if comp.EraseTarget || comp.Status == proto.StatusEraseTarget {
		eraseKey := comp.Key
		if eraseKey == "" {
			eraseKey = wr.key
		}
		if err := s.store.Erase(poolID, eraseKey); err != nil {
			s.log.Warnf("ado erase target %q: %v", eraseKey, err)
			status = proto.StatusFail
		} else {
			status = proto.StatusEraseTarget
		}
	}

	if wr.async {
		if status.IsError() {
			s.failedAsync = append(s.failedAsync, FailedAsyncRequest{
				HandlerID: wr.handler.conn.ID(),
				RequestID: wr.requestID,
				Status:    status,
			})
		}
		return
	}

	if !wr.handler.clientConnected() {
		return
	}
	_ = s.post(wr.handler, proto.TypeAdoResponse, proto.AdoResponse{
		Status:          status,
		RequestID:       wr.requestID,
		ResponseBuffers: comp.ResponseBuffers,
	})
}

func (s *Shard) releaseTableOpLock(poolID backend.PoolID, ref lockRef) {
	delete(s.lockPolicy, ref.addr)
	if ref.mode == backend.LockExclusive {
		_ = s.releaseLockedValueExclusive(poolID, ref.addr)
		return
	}
	_ = s.releaseLockedValueShared(poolID, ref.addr)
}

// handleAdoCallback is §4.4's "ADO callbacks from the child": a
// synchronous request the worker makes while a work item is in flight.
func (s *Shard) handleAdoCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	switch cb.Kind {
	case ado.CallbackTableOp:
		return s.handleTableOpCallback(poolID, cb)
	case ado.CallbackPoolInfo:
		return s.handlePoolInfoCallback(poolID)
	case ado.CallbackOpEvent:
		return s.handleOpEventCallback(poolID, cb)
	case ado.CallbackIterate:
		return s.handleIterateCallback(poolID, cb)
	case ado.CallbackVector:
		return s.handleVectorCallback(poolID, cb)
	case ado.CallbackIndexFind:
		return s.handleIndexFindCallback(poolID, cb)
	case ado.CallbackUnlockRequest:
		return s.handleUnlockRequestCallback(poolID, cb)
	case ado.CallbackConfigure:
		return s.handleConfigureCallback(poolID, cb)
	default:
		return ado.CallbackResult{Status: proto.StatusNotImpl}
	}
}

func (s *Shard) handleTableOpCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	switch cb.Table {
	case ado.TableOpCreate, ado.TableOpOpen:
		mode := backend.LockExclusive
		lr, err := s.store.Lock(poolID, cb.Key, mode, cb.ValueLen)
		if err != nil {
			return ado.CallbackResult{Status: mapLockError(err)}
		}
		s.recordTableOpLock(poolID, cb.WorkID, cb.Key, lr, mode, cb.UnlockPolicy)
		return ado.CallbackResult{Status: proto.StatusOK, Addr: lr.Addr, Len: lr.Len, Created: lr.Created}

	case ado.TableOpErase:
		if err := s.store.Erase(poolID, cb.Key); err != nil {
			return ado.CallbackResult{Status: mapLockError(err)}
		}
		return ado.CallbackResult{Status: proto.StatusOK}

	case ado.TableOpValueResize:
		if err := s.store.ResizeValue(poolID, cb.Key, cb.ValueLen); err != nil {
			return ado.CallbackResult{Status: mapLockError(err)}
		}
		return ado.CallbackResult{Status: proto.StatusOK}

	case ado.TableOpAllocatePoolMemory:
		addr, err := s.store.AllocatePoolMemory(poolID, cb.Size)
		if err != nil {
			return ado.CallbackResult{Status: proto.StatusInsufficientSpace}
		}
		return ado.CallbackResult{Status: proto.StatusOK, Addr: addr, Len: cb.Size}

	case ado.TableOpFreePoolMemory:
		if err := s.store.FreePoolMemory(poolID, cb.Addr, cb.Size); err != nil {
			return ado.CallbackResult{Status: mapLockError(err)}
		}
		return ado.CallbackResult{Status: proto.StatusOK}

	default:
		return ado.CallbackResult{Status: proto.StatusNotImpl}
	}
}

// recordTableOpLock applies the unlock policy chosen for a table-op lock
// (§4.4): deferred locks are remembered per work-id for completion-time
// release, lifetime locks are remembered per pool for shutdown-time
// release, and no-implicit locks are left to an explicit unlock callback.
func (s *Shard) recordTableOpLock(poolID backend.PoolID, workID ado.WorkID, key string, lr backend.LockResult, mode backend.LockMode, policy ado.UnlockPolicy) {
	tracker := s.lockExclusive
	if mode == backend.LockShared {
		tracker = s.lockShared
	}
	tracker.add(lr.Addr, poolID, lr.Handle, lr.Len, fabric.MemoryRegion{Addr: lr.Addr, Len: lr.Len})
	s.lockPolicy[lr.Addr] = policy

	switch policy {
	case ado.UnlockAdoLifetime:
		s.lifetimeLocks[poolID] = append(s.lifetimeLocks[poolID], lockRef{addr: lr.Addr, mode: mode})
	case ado.UnlockNoImplicit:
		// Left locked until an explicit CallbackUnlockRequest.
	default:
		byKey, ok := s.deferredTableOpLocks[workID]
		if !ok {
			byKey = make(map[string]lockRef)
			s.deferredTableOpLocks[workID] = byKey
		}
		byKey[key] = lockRef{addr: lr.Addr, mode: mode}
	}
}

func (s *Shard) handlePoolInfoCallback(poolID backend.PoolID) ado.CallbackResult {
	name := s.poolNameByID[poolID]
	count, _ := s.store.Count(poolID)
	info := map[string]any{
		"pool_name":      name,
		"object_count":   count,
		"expected_count": s.poolExpectedCount[poolID],
	}
	data, _ := json.Marshal(info)
	return ado.CallbackResult{Status: proto.StatusOK, Data: data}
}

func (s *Shard) handleOpEventCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	switch cb.Event {
	case ado.OpEventPoolDelete:
		if err := s.finalizeDeletePool(poolID); err != nil {
			return ado.CallbackResult{Status: mapPoolError(err)}
		}
		if s.adoMgr != nil {
			_ = s.adoMgr.Shutdown(uint64(poolID))
		}
		delete(s.adoPools, poolID)
		// The pool is already gone by this point, so any remaining
		// lifetime-policy locks have nothing left to unlock against;
		// drop the bookkeeping rather than calling into the backend.
		delete(s.lifetimeLocks, poolID)
		return ado.CallbackResult{Status: proto.StatusOK}
	case ado.OpEventClose:
		return ado.CallbackResult{Status: proto.StatusOK}
	default:
		return ado.CallbackResult{Status: proto.StatusNotImpl}
	}
}

func (s *Shard) handleIterateCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	it := backend.IteratorHandle(cb.IteratorHandle)
	if it == 0 {
		opened, err := s.store.OpenIterator(poolID)
		if err != nil {
			return ado.CallbackResult{Status: proto.StatusFail}
		}
		it = opened
	}
	key, _, ok, err := s.store.DerefIterator(poolID, it)
	if err != nil || !ok {
		_ = s.store.CloseIterator(poolID, it)
		return ado.CallbackResult{Status: proto.StatusOutOfBounds, Done: true}
	}
	return ado.CallbackResult{Status: proto.StatusOK, MatchedKey: key, Addr: uint64(it)}
}

func (s *Shard) handleVectorCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	var records [][2]string
	n := uint64(0)
	err := s.store.MapKeys(poolID, func(key string) error {
		if cb.Count > 0 && n >= cb.Count {
			return errStopMapKeys
		}
		value, gerr := s.store.Get(poolID, key)
		if gerr == nil {
			records = append(records, [2]string{key, string(value)})
		}
		n++
		return nil
	})
	if err != nil && err != errStopMapKeys {
		return ado.CallbackResult{Status: proto.StatusFail}
	}
	data, _ := json.Marshal(records)
	return ado.CallbackResult{Status: proto.StatusOK, Data: data, Len: uint64(len(records))}
}

var errStopMapKeys = errors.New("shard: vector callback record limit reached")

func (s *Shard) handleIndexFindCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	idx, ok := s.indexes[poolID]
	if !ok {
		return ado.CallbackResult{Status: proto.StatusNoIndex}
	}
	status, pos, key := idx.Find(cb.FindExpr, cb.FindBegin, index.FindType(cb.FindType), cb.FindMaxComparisons)
	return ado.CallbackResult{Status: status, MatchedPos: pos, MatchedKey: key}
}

// handleUnlockRequestCallback forwards an explicit unlock to the backend
// (§4.4 "Unlock request"). A lock taken with an implicit unlock policy
// (anything but UnlockNoImplicit) is refused: it is released automatically
// at completion or shutdown time, and an explicit unlock here would race
// that automatic release.
func (s *Shard) handleUnlockRequestCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	if policy, ok := s.lockPolicy[cb.Addr]; ok && policy != ado.UnlockNoImplicit {
		return ado.CallbackResult{Status: proto.StatusBadParam}
	}
	if _, exists := s.lockExclusive.get(cb.Addr); exists {
		if e, _, err := s.lockExclusive.release(cb.Addr); err == nil {
			delete(s.lockPolicy, cb.Addr)
			if uerr := s.store.Unlock(poolID, e.handle, false); uerr != nil {
				return ado.CallbackResult{Status: proto.StatusFail}
			}
			return ado.CallbackResult{Status: proto.StatusOK}
		}
	}
	if _, exists := s.lockShared.get(cb.Addr); exists {
		if e, _, err := s.lockShared.release(cb.Addr); err == nil {
			delete(s.lockPolicy, cb.Addr)
			if uerr := s.store.Unlock(poolID, e.handle, false); uerr != nil {
				return ado.CallbackResult{Status: proto.StatusFail}
			}
			return ado.CallbackResult{Status: proto.StatusOK}
		}
	}
	return ado.CallbackResult{Status: proto.StatusBadParam}
}

func (s *Shard) handleConfigureCallback(poolID backend.PoolID, cb ado.Callback) ado.CallbackResult {
	entry, ok := s.adoPools[poolID]
	if !ok {
		return ado.CallbackResult{Status: proto.StatusFail}
	}
	switch cb.Config {
	case ado.ConfigIncRef:
		entry.refCount++
	case ado.ConfigDecRef:
		entry.refCount--
	default:
		return ado.CallbackResult{Status: proto.StatusNotImpl}
	}
	return ado.CallbackResult{Status: proto.StatusOK}
}

func mapLockError(err error) proto.Status {
	switch err {
	case backend.ErrLocked:
		return proto.StatusLocked
	case backend.ErrKeyNotFound:
		return proto.StatusKeyNotFound
	case backend.ErrKeyExists:
		return proto.StatusAlreadyExists
	case backend.ErrTooLarge:
		return proto.StatusTooLarge
	case backend.ErrBadParam:
		return proto.StatusBadParam
	case backend.ErrUnsupported:
		return proto.StatusNotSupported
	default:
		return proto.StatusFail
	}
}

