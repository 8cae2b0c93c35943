// Package boltstore implements backend.Store on top of a boltdb/bolt file,
// generalizing gyuho-db's mvcc/backend.backend (a single bolt.DB wrapped in
// a batching transaction) from etcd's flat key space into MCAS's
// one-bucket-per-pool model.
//
// Values handed out by Lock are pinned in an in-memory overlay rather than
// addressed directly inside bolt's mmap: bolt relocates pages on commit, so
// a raw page pointer cannot survive the write that would normally follow a
// direct PUT. Unlock(flush=true) persists the overlay back into the bucket,
// which is the boltstore analogue of a persistent-memory flush.
package boltstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/proto"
)

var metaBucket = []byte("__pools__")

const nextIDKey = "__next_id__"

type lockState struct {
	mode   backend.LockMode
	handle backend.KeyHandle
	count  int
}

// overlay holds values pulled out of bolt while locked, plus per-pool lock
// and synthetic-address bookkeeping. Kept off the Store struct's hot path so
// a pool with no locks in flight costs nothing beyond the map entry.
type overlay struct {
	mu        sync.Mutex
	values    map[string][]byte
	locks     map[string]lockState
	addrByKey map[string]uint64
	nextAddr  uint64
	nextLock  backend.KeyHandle
	iterators map[backend.IteratorHandle][]string
	nextIter  backend.IteratorHandle
}

// Store is the bolt-backed backend.Store implementation. One bucket per
// pool, named "pool-<id>"; a metadata bucket tracks name<->id assignment.
type Store struct {
	mu       sync.Mutex
	db       *bolt.DB
	byName   map[string]backend.PoolID
	byID     map[backend.PoolID]string
	overlays map[backend.PoolID]*overlay
	nextBase uint64
}

// Open opens (creating if absent) the bolt file at path and loads any pools
// recorded in its metadata bucket.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		byName:   make(map[string]backend.PoolID),
		byID:     make(map[backend.PoolID]string),
		overlays: make(map[backend.PoolID]*overlay),
		nextBase: 0x2000_0000_0000,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if string(k) == nextIDKey {
				return nil
			}
			id := backend.PoolID(binary.BigEndian.Uint64(v))
			s.byName[string(k)] = id
			s.byID[id] = string(k)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func poolBucketName(id backend.PoolID) []byte {
	return []byte(fmt.Sprintf("pool-%d", id))
}

func (s *Store) nextPoolID(tx *bolt.Tx) (backend.PoolID, error) {
	b := tx.Bucket(metaBucket)
	var id backend.PoolID = 1
	if raw := b.Get([]byte(nextIDKey)); raw != nil {
		id = backend.PoolID(binary.BigEndian.Uint64(raw)) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	if err := b.Put([]byte(nextIDKey), buf); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CreatePool(name string, size uint64, expectedCount uint64) (backend.PoolID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return 0, backend.ErrPoolExists
	}

	var id backend.PoolID
	err := s.db.Update(func(tx *bolt.Tx) error {
		newID, err := s.nextPoolID(tx)
		if err != nil {
			return err
		}
		id = newID

		if _, err := tx.CreateBucketIfNotExists(poolBucketName(id)); err != nil {
			return err
		}

		b := tx.Bucket(metaBucket)
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, uint64(id))
		return b.Put([]byte(name), idBuf)
	})
	if err != nil {
		return 0, err
	}

	s.byName[name] = id
	s.byID[id] = name
	s.overlays[id] = newOverlay(s.nextBase)
	s.nextBase += size + (1 << 20)
	return id, nil
}

func newOverlay(base uint64) *overlay {
	return &overlay{
		values:    make(map[string][]byte),
		locks:     make(map[string]lockState),
		addrByKey: make(map[string]uint64),
		nextAddr:  base,
		nextLock:  1,
		iterators: make(map[backend.IteratorHandle][]string),
	}
}

func (s *Store) OpenPool(name string) (backend.PoolID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return 0, backend.ErrPoolNotFound
	}
	if _, ok := s.overlays[id]; !ok {
		s.overlays[id] = newOverlay(s.nextBase)
		s.nextBase += 1 << 20
	}
	return id, nil
}

func (s *Store) ClosePool(pool backend.PoolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pool]; !ok {
		return backend.ErrPoolNotFound
	}
	return nil
}

func (s *Store) DeletePool(pool backend.PoolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.byID[pool]
	if !ok {
		return backend.ErrPoolNotFound
	}
	return s.deleteLocked(name, pool)
}

func (s *Store) DeletePoolByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return backend.ErrPoolNotFound
	}
	return s.deleteLocked(name, id)
}

func (s *Store) deleteLocked(name string, id backend.PoolID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(poolBucketName(id)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(metaBucket).Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	delete(s.byName, name)
	delete(s.byID, id)
	delete(s.overlays, id)
	return nil
}

func (s *Store) IsPoolOpen(pool backend.PoolID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[pool]
	return ok
}

func (s *Store) overlayFor(id backend.PoolID) (*overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return nil, backend.ErrPoolNotFound
	}
	ov, ok := s.overlays[id]
	if !ok {
		return nil, backend.ErrPoolNotFound
	}
	return ov, nil
}

// GetPoolRegions always returns ErrUnsupported: a bolt bucket is a B+tree
// inside an mmap'd file whose pages move on every commit, so there is no
// stable virtual-address region to hand to the fabric for pre-registration
// (§4.2 explicitly allows a backend to decline here).
func (s *Store) GetPoolRegions(pool backend.PoolID) (string, []backend.Region, error) {
	s.mu.Lock()
	_, ok := s.byID[pool]
	s.mu.Unlock()
	if !ok {
		return "", nil, backend.ErrPoolNotFound
	}
	return "", nil, backend.ErrUnsupported
}

func (s *Store) Put(pool backend.PoolID, key string, value []byte, dontStomp bool) error {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return err
	}

	ov.mu.Lock()
	if ls, locked := ov.locks[key]; locked && ls.mode != backend.LockNone {
		ov.mu.Unlock()
		return backend.ErrLocked
	}
	ov.mu.Unlock()

	exists, err := s.keyExists(pool, key)
	if err != nil {
		return err
	}
	if exists && dontStomp {
		return backend.ErrKeyExists
	}

	stored := append([]byte(nil), value...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucketName(pool)).Put([]byte(key), stored)
	})
}

func (s *Store) keyExists(pool backend.PoolID, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucketName(pool))
		if b == nil {
			return backend.ErrPoolNotFound
		}
		found = b.Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

func (s *Store) Get(pool backend.PoolID, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucketName(pool))
		if b == nil {
			return backend.ErrPoolNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return backend.ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) Erase(pool backend.PoolID, key string) error {
	exists, err := s.keyExists(pool, key)
	if err != nil {
		return err
	}
	if !exists {
		return backend.ErrKeyNotFound
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucketName(pool)).Delete([]byte(key))
	})
}

func (s *Store) Lock(pool backend.PoolID, key string, mode backend.LockMode, valueLen uint64) (backend.LockResult, error) {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return backend.LockResult{}, err
	}

	ov.mu.Lock()
	defer ov.mu.Unlock()

	ls, locked := ov.locks[key]
	if locked {
		if mode == backend.LockExclusive && ls.mode != backend.LockNone {
			return backend.LockResult{}, backend.ErrLocked
		}
		if mode == backend.LockShared && ls.mode == backend.LockExclusive {
			return backend.LockResult{}, backend.ErrLocked
		}
	}

	val, ok := ov.values[key]
	created := false
	if !ok {
		existing, err := s.Get(pool, key)
		switch {
		case err == nil:
			val = existing
		case errors.Is(err, backend.ErrKeyNotFound):
			val = make([]byte, valueLen)
			created = true
		default:
			return backend.LockResult{}, err
		}
		ov.values[key] = val
	}

	if ls.mode == backend.LockNone {
		ls.mode = mode
		ls.handle = ov.nextLock
		ov.nextLock++
	}
	ls.count++
	ov.locks[key] = ls

	addr, ok := ov.addrByKey[key]
	if !ok {
		addr = ov.nextAddr
		ov.nextAddr += uint64(len(val)) + 64
		ov.addrByKey[key] = addr
	}

	return backend.LockResult{Addr: addr, Len: uint64(len(val)), Handle: ls.handle, Created: created}, nil
}

func (s *Store) Unlock(pool backend.PoolID, handle backend.KeyHandle, flush bool) error {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return err
	}

	ov.mu.Lock()
	var key string
	var found bool
	for k, ls := range ov.locks {
		if ls.mode != backend.LockNone && ls.handle == handle {
			key, found = k, true
			ls.count--
			if ls.count <= 0 {
				ls.mode = backend.LockNone
				ls.count = 0
			}
			ov.locks[k] = ls
			break
		}
	}
	var val []byte
	if found && flush {
		val = append([]byte(nil), ov.values[key]...)
	}
	ov.mu.Unlock()

	if !found {
		return fmt.Errorf("boltstore: unknown lock handle %d", handle)
	}
	if !flush {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucketName(pool)).Put([]byte(key), val)
	})
}

func (s *Store) WriteLocked(pool backend.PoolID, handle backend.KeyHandle, value []byte) error {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return err
	}

	ov.mu.Lock()
	defer ov.mu.Unlock()
	for k, ls := range ov.locks {
		if ls.mode != backend.LockNone && ls.handle == handle {
			ov.values[k] = append([]byte(nil), value...)
			return nil
		}
	}
	return fmt.Errorf("boltstore: unknown lock handle %d", handle)
}

func (s *Store) SwapKeys(pool backend.PoolID, a, b string) error {
	va, err := s.Get(pool, a)
	if err != nil {
		return err
	}
	vb, err := s.Get(pool, b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(poolBucketName(pool))
		if err := bucket.Put([]byte(a), vb); err != nil {
			return err
		}
		return bucket.Put([]byte(b), va)
	})
}

func (s *Store) GetAttribute(pool backend.PoolID, attr proto.Attribute, key string) (uint64, error) {
	switch attr {
	case proto.AttrCount:
		return s.Count(pool)
	case proto.AttrValueLen:
		v, err := s.Get(pool, key)
		if err != nil {
			return 0, err
		}
		return uint64(len(v)), nil
	case proto.AttrCRC32:
		return 0, backend.ErrUnsupported
	default:
		return 0, backend.ErrBadParam
	}
}

func (s *Store) AllocatePoolMemory(pool backend.PoolID, size uint64) (uint64, error) {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return 0, err
	}
	ov.mu.Lock()
	defer ov.mu.Unlock()
	addr := ov.nextAddr
	ov.nextAddr += size + 64
	return addr, nil
}

func (s *Store) FreePoolMemory(pool backend.PoolID, addr uint64, size uint64) error {
	_, err := s.overlayFor(pool)
	return err
}

func (s *Store) FlushPoolMemory(pool backend.PoolID, addr uint64, size uint64) error {
	_, err := s.overlayFor(pool)
	return err
}

func (s *Store) ResizeValue(pool backend.PoolID, key string, newSize uint64) error {
	v, err := s.Get(pool, key)
	if err != nil {
		return err
	}
	resized := make([]byte, newSize)
	copy(resized, v)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucketName(pool)).Put([]byte(key), resized)
	})
}

func (s *Store) Count(pool backend.PoolID) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucketName(pool))
		if b == nil {
			return backend.ErrPoolNotFound
		}
		stats := b.Stats()
		n = uint64(stats.KeyN)
		return nil
	})
	return n, err
}

// iteratorState is kept entirely in the overlay; bolt cursors cannot be
// held open across calls without pinning a long-lived read transaction, so
// DerefIterator snapshots the key list once on OpenIterator instead (same
// approach memstore uses, for the same §4.4 "lazily opened" contract).
func (s *Store) OpenIterator(pool backend.PoolID) (backend.IteratorHandle, error) {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return 0, err
	}

	var keys []string
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucketName(pool))
		if b == nil {
			return backend.ErrPoolNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	ov.mu.Lock()
	defer ov.mu.Unlock()
	ov.nextIter++
	h := ov.nextIter
	ov.iterators[h] = keys
	return h, nil
}

func (s *Store) DerefIterator(pool backend.PoolID, it backend.IteratorHandle) (string, []byte, bool, error) {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return "", nil, false, err
	}

	ov.mu.Lock()
	keys, ok := ov.iterators[it]
	if !ok {
		ov.mu.Unlock()
		return "", nil, false, backend.ErrBadParam
	}
	if len(keys) == 0 {
		ov.mu.Unlock()
		return "", nil, false, nil
	}
	key := keys[0]
	ov.iterators[it] = keys[1:]
	ov.mu.Unlock()

	v, err := s.Get(pool, key)
	if err != nil {
		return "", nil, false, err
	}
	return key, v, true, nil
}

func (s *Store) CloseIterator(pool backend.PoolID, it backend.IteratorHandle) error {
	ov, err := s.overlayFor(pool)
	if err != nil {
		return err
	}
	ov.mu.Lock()
	delete(ov.iterators, it)
	ov.mu.Unlock()
	return nil
}

func (s *Store) MapKeys(pool backend.PoolID, fn func(key string) error) error {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolBucketName(pool))
		if b == nil {
			return backend.ErrPoolNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

var _ backend.Store = (*Store)(nil)
