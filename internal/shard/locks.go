package shard

import (
	"fmt"
	"sort"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/fabric"
	"github.com/dreamware/mcasgo/internal/proto"
)

// lockEntry is one row of the shared or exclusive lock table (§3
// "Locked-value entry"): keyed by the value's virtual address, which is
// unique within a shard because values are pinned while locked.
type lockEntry struct {
	pool   backend.PoolID
	handle backend.KeyHandle
	length uint64
	region fabric.MemoryRegion
	count  int
}

// lockTracker is one of the two tables (shared, exclusive) described in
// §3/§4.5: a map keyed by address with per-entry counts so the same owner
// can register the same value twice without double-freeing.
type lockTracker struct {
	entries map[uint64]*lockEntry
}

func newLockTracker() *lockTracker {
	return &lockTracker{entries: make(map[uint64]*lockEntry)}
}

// add records or increments the entry for addr. Idempotent per §3's
// "count supports idempotent add/release from the same owner".
func (t *lockTracker) add(addr uint64, pool backend.PoolID, handle backend.KeyHandle, length uint64, region fabric.MemoryRegion) {
	if e, ok := t.entries[addr]; ok {
		e.count++
		return
	}
	t.entries[addr] = &lockEntry{pool: pool, handle: handle, length: length, region: region, count: 1}
}

// release decrements addr's count, removing the entry at zero. Releasing
// an address with no entry is a logic error per §4.5.
func (t *lockTracker) release(addr uint64) (*lockEntry, bool, error) {
	e, ok := t.entries[addr]
	if !ok {
		return nil, false, fmt.Errorf("release of unknown lock address 0x%x", addr)
	}
	e.count--
	removed := e.count <= 0
	if removed {
		delete(t.entries, addr)
	}
	return e, removed, nil
}

func (t *lockTracker) get(addr uint64) (*lockEntry, bool) {
	e, ok := t.entries[addr]
	return e, ok
}

// spaceKey is a half-open offset range within a pool (§3 "Space entry").
type spaceKey struct {
	pool backend.PoolID
	lo   uint64
	hi   uint64
}

type spaceEntry struct {
	region fabric.MemoryRegion
	count  int
}

// pendingRename is §3's bookkeeping record: a value locked under a
// provisional key, to be renamed to its intended key at release.
type pendingRename struct {
	pool     backend.PoolID
	fromKey  string
	toKey    string
}

// addPendingRename records target's rename, grounded on
// original_source/shard.cpp's Shard::add_pending_rename (asserts no
// existing entry for the same address, which holds here too since values
// are pinned while locked).
func (s *Shard) addPendingRename(pool backend.PoolID, addr uint64, from, to string) {
	s.renames[addr] = &pendingRename{pool: pool, fromKey: from, toKey: to}
}

// releasePendingRename discharges the rename recorded for addr, if any
// (§3, §4.5). It is a no-op if addr has no pending rename, since release
// may be reached from a plain GET_RELEASE that never went through a PUT
// path.
//
// Discharge order, grounded verbatim on
// original_source/shard.cpp:Shard::release_pending_rename: lock the final
// key (creating it if missing), unlock without flush, swap_keys, erase the
// temporary key, then add the final key to the pool's volatile index. Any
// step's failure is a logic error (§4.5).
func (s *Shard) releasePendingRename(addr uint64) error {
	info, ok := s.renames[addr]
	if !ok {
		return nil
	}

	lr, err := s.store.Lock(info.pool, info.toKey, backend.LockExclusive, 8)
	if err != nil {
		return fmt.Errorf("release_pending_rename: lock final key: %w", err)
	}
	if err := s.store.Unlock(info.pool, lr.Handle, false); err != nil {
		return fmt.Errorf("release_pending_rename: unlock final key: %w", err)
	}
	if err := s.store.SwapKeys(info.pool, info.fromKey, info.toKey); err != nil {
		return fmt.Errorf("release_pending_rename: swap_keys: %w", err)
	}
	if err := s.store.Erase(info.pool, info.fromKey); err != nil {
		return fmt.Errorf("release_pending_rename: erase temporary key: %w", err)
	}

	delete(s.renames, addr)

	if idx, ok := s.indexes[info.pool]; ok {
		idx.Insert(info.toKey)
	}
	return nil
}

// releaseLockedValueExclusive is the deferred action body: release the
// exclusive lock tracked at addr, unlocking the backend with a flush to
// guarantee durability (§4.1 step 5b, §4.5).
func (s *Shard) releaseLockedValueExclusive(pool backend.PoolID, addr uint64) error {
	e, removed, err := s.lockExclusive.release(addr)
	if err != nil {
		return err
	}
	if removed {
		if err := s.store.Unlock(pool, e.handle, true); err != nil {
			return fmt.Errorf("release_locked_value_exclusive: unlock: %w", err)
		}
	}
	return nil
}

// releaseLockedValueShared is the shared-table counterpart, used by
// GET_RELEASE and the inline two-stage GET path. No flush is implied for
// a read lock.
func (s *Shard) releaseLockedValueShared(pool backend.PoolID, addr uint64) error {
	e, removed, err := s.lockShared.release(addr)
	if err != nil {
		return err
	}
	if removed {
		if err := s.store.Unlock(pool, e.handle, false); err != nil {
			return fmt.Errorf("release_locked_value_shared: unlock: %w", err)
		}
	}
	return nil
}

// releaseSpace clears the space entry for [lo,hi) in pool, optionally
// flushing the covered memory first (RELEASE_WITH_FLUSH, §4.3).
func (s *Shard) releaseSpace(pool backend.PoolID, lo, hi uint64, flush bool) error {
	key := spaceKey{pool: pool, lo: lo, hi: hi}
	e, ok := s.spaces[key]
	if !ok {
		return fmt.Errorf("release of unknown space range [0x%x,0x%x)", lo, hi)
	}
	if flush {
		if err := s.store.FlushPoolMemory(pool, e.region.Addr, e.region.Len); err != nil {
			return fmt.Errorf("release_space: flush: %w", err)
		}
	}
	e.count--
	if e.count <= 0 {
		delete(s.spaces, key)
	}
	return nil
}

// releaseLifetimeLocks discharges every table-op lock taken under
// UnlockAdoLifetime for pool, called once the pool's ADO proxy is shut
// down (§4.4): unlike the deferred policy, these locks are never released
// at work-completion time, so shutdown is their only release point.
func (s *Shard) releaseLifetimeLocks(pool backend.PoolID) {
	for _, lr := range s.lifetimeLocks[pool] {
		delete(s.lockPolicy, lr.addr)
		var err error
		switch lr.mode {
		case backend.LockExclusive:
			err = s.releaseLockedValueExclusive(pool, lr.addr)
		default:
			err = s.releaseLockedValueShared(pool, lr.addr)
		}
		if err != nil {
			s.log.Warnf("release lifetime lock at 0x%x in pool %d: %v", lr.addr, pool, err)
		}
	}
	delete(s.lifetimeLocks, pool)
}

// OffsetToSGList implements §4.3's offset-mapping algorithm: given a
// pool's regions (logically concatenated in order) and a half-open byte
// range [lo,hi) over that concatenation, it returns the scatter-gather
// list of per-region spans covering the range, the registration bounds
// [mrLow,mrHigh) spanning every emitted element, and any excess length
// past the end of the last region, grounded on
// original_source/shard.cpp:Shard::offset_to_sg_list.
func OffsetToSGList(regions []backend.Region, lo, hi uint64) (sg []proto.LocateElement, mrLow, mrHigh, excess uint64) {
	if len(regions) == 0 {
		return nil, 0, 0, hi - lo
	}

	breaks := make([]uint64, len(regions))
	var cum uint64
	for i, r := range regions {
		cum += r.Len
		breaks[i] = cum
	}
	total := cum

	if lo >= total {
		return nil, 0, 0, hi - lo
	}

	searchHi := hi
	if searchHi > total {
		searchHi = total
	}

	iBegin := sort.Search(len(breaks), func(i int) bool { return breaks[i] > lo })
	iEnd := sort.Search(len(breaks), func(i int) bool { return breaks[i] > searchHi })
	if iBegin >= len(regions) {
		iBegin = len(regions) - 1
	}
	if iEnd >= len(regions) {
		iEnd = len(regions) - 1
	}

	prevBreak := func(i int) uint64 {
		if i == 0 {
			return 0
		}
		return breaks[i-1]
	}

	mrLow = ^uint64(0)
	mrHigh = 0

	beginOff := lo - prevBreak(iBegin)
	for i := iBegin; i < iEnd; i++ {
		r := regions[i]
		addr := r.Base + beginOff
		end := r.Base + r.Len
		sg = append(sg, proto.LocateElement{Addr: addr, Len: end - addr})
		if addr < mrLow {
			mrLow = addr
		}
		if end > mrHigh {
			mrHigh = end
		}
		beginOff = 0
	}

	last := regions[iEnd]
	endOff := hi - prevBreak(iEnd)
	if endOff > last.Len {
		excess = endOff - last.Len
		endOff = last.Len
	}
	addr := last.Base + beginOff
	end := last.Base + endOff
	if end < addr {
		end = addr
	}
	sg = append(sg, proto.LocateElement{Addr: addr, Len: end - addr})
	if addr < mrLow {
		mrLow = addr
	}
	if end > mrHigh {
		mrHigh = end
	}

	return sg, mrLow, mrHigh, excess
}
