// Package backend defines the KV store interface the shard consumes (§6)
// and the lock-mode / attribute / region vocabulary shared by every
// implementation. It is the external collaborator named in §1 as
// deliberately out of scope for deep feature work; the shard only needs the
// contract below to hold.
package backend

import (
	"errors"

	"github.com/dreamware/mcasgo/internal/proto"
)

// Common sentinel errors. Backends return these unwrapped, and callers in
// internal/shard compare them with ==.
var (
	ErrPoolNotFound = errors.New("backend: pool not found")
	ErrPoolExists   = errors.New("backend: pool already exists")
	ErrKeyNotFound  = errors.New("backend: key not found")
	ErrKeyExists    = errors.New("backend: key already exists")
	ErrLocked       = errors.New("backend: value locked")
	ErrTooLarge     = errors.New("backend: value too large for pool")
	ErrUnsupported  = errors.New("backend: operation not supported")
	ErrBadParam     = errors.New("backend: bad parameter")
)

// LockMode selects shared (read) or exclusive (write) locking semantics.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockShared
	LockExclusive
)

// PoolID identifies an open pool within a backend. Opaque to callers beyond
// equality comparison, per §3's "Pool handle" data model entry.
type PoolID uint64

// KeyHandle is an opaque backend-assigned identifier for a locked key,
// stable for the lifetime of the lock (Glossary: "Lock handle").
type KeyHandle uint64

// Region describes one contiguous virtual-address segment backing a pool
// (§3 "Region", §6 get_pool_regions).
type Region struct {
	Base uint64
	Len  uint64
}

// LockResult is returned by Lock; it reports whether the key was newly
// created as a side effect of taking the lock.
type LockResult struct {
	Addr    uint64
	Len     uint64
	Handle  KeyHandle
	Created bool
}

// Store is the KV backend contract consumed by the shard (§6). All
// implementations must be safe for use from the single shard goroutine that
// owns them; none of the methods block on anything other than local I/O.
type Store interface {
	CreatePool(name string, size uint64, expectedCount uint64) (PoolID, error)
	OpenPool(name string) (PoolID, error)
	ClosePool(pool PoolID) error
	DeletePool(pool PoolID) error
	DeletePoolByName(name string) error
	IsPoolOpen(pool PoolID) bool

	// GetPoolRegions reports the backing virtual-address regions for a
	// pool, used for fabric pre-registration (§4.2) and for offset-based
	// LOCATE (§4.3). Implementations that cannot enumerate regions return
	// ErrUnsupported; callers log and continue (§4.2).
	GetPoolRegions(pool PoolID) (name string, regions []Region, err error)

	Put(pool PoolID, key string, value []byte, dontStomp bool) error
	Get(pool PoolID, key string) (value []byte, err error)
	Erase(pool PoolID, key string) error

	// Lock locks key for the given mode, creating it (zero-filled, sized
	// valueLen) if it does not exist. Returns ErrLocked if already locked
	// incompatibly, or ErrTooLarge if valueLen exceeds pool capacity.
	Lock(pool PoolID, key string, mode LockMode, valueLen uint64) (LockResult, error)
	Unlock(pool PoolID, handle KeyHandle, flush bool) error

	// WriteLocked overwrites the value behind a lock still held under
	// handle, used to land a direct-transfer write (PUT_LOCATE's RDMA
	// target) into the backend before PUT_RELEASE unlocks and discharges
	// the pending rename (§4.3, §4.5).
	WriteLocked(pool PoolID, handle KeyHandle, value []byte) error

	// SwapKeys atomically exchanges the stored values under two keys
	// (§3 pending-rename discharge, §4.5).
	SwapKeys(pool PoolID, a, b string) error

	GetAttribute(pool PoolID, attr proto.Attribute, key string) (uint64, error)

	AllocatePoolMemory(pool PoolID, size uint64) (addr uint64, err error)
	FreePoolMemory(pool PoolID, addr uint64, size uint64) error
	FlushPoolMemory(pool PoolID, addr uint64, size uint64) error
	ResizeValue(pool PoolID, key string, newSize uint64) error

	// Count returns the number of keys in the pool.
	Count(pool PoolID) (uint64, error)

	// OpenIterator/DerefIterator/CloseIterator support §4.4's lazily-opened
	// ADO iterate callback.
	OpenIterator(pool PoolID) (IteratorHandle, error)
	DerefIterator(pool PoolID, it IteratorHandle) (key string, value []byte, ok bool, err error)
	CloseIterator(pool PoolID, it IteratorHandle) error

	// MapKeys visits every key in the pool, used to rebuild the volatile
	// index (§3 "Index map", §4.3 CONFIGURE AddIndex).
	MapKeys(pool PoolID, fn func(key string) error) error
}

// IteratorHandle is an opaque backend-assigned iterator identifier.
type IteratorHandle uint64
