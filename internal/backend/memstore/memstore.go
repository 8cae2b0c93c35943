// Package memstore implements backend.Store entirely in memory, generalizing
// torua's internal/storage.MemoryStore (a single bare map behind an
// RWMutex) into a multi-pool store with locking, regions, attributes and
// iteration so the shard core can exercise every §4 operation without a
// real persistent-memory arena.
//
// memstore is single-shard-owned: callers (the shard event loop) never call
// it concurrently, so internal locking exists only to make the race
// detector happy under ado workers and tests that poke at it from a second
// goroutine, not to provide any cross-shard guarantee.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/proto"
)

type lockState struct {
	mode   backend.LockMode
	handle backend.KeyHandle
	count  int
}

type entry struct {
	value []byte
	lock  lockState
}

type pool struct {
	name      string
	id        backend.PoolID
	size      uint64
	expected  uint64
	data      map[string]*entry
	// arena simulates allocate_pool_memory/free_pool_memory: a byte slab
	// addressed by synthetic offsets from base.
	base      uint64
	next      uint64
	arena     map[uint64][]byte
	addrByKey map[string]uint64
	iterators map[backend.IteratorHandle][]string
	nextIter  backend.IteratorHandle
	nextLock  backend.KeyHandle
}

// Store is the in-memory backend.Store implementation.
type Store struct {
	mu       sync.Mutex
	byName   map[string]*pool
	byID     map[backend.PoolID]*pool
	nextID   backend.PoolID
	nextBase uint64
}

// New returns an empty in-memory backend.
func New() *Store {
	return &Store{
		byName:   make(map[string]*pool),
		byID:     make(map[backend.PoolID]*pool),
		nextID:   1,
		nextBase: 0x1000_0000_0000,
	}
}

func (s *Store) CreatePool(name string, size uint64, expectedCount uint64) (backend.PoolID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return 0, backend.ErrPoolExists
	}

	id := s.nextID
	s.nextID++
	base := s.nextBase
	s.nextBase += size + (1 << 20) // leave a gap between pools' synthetic address ranges

	p := &pool{
		name:      name,
		id:        id,
		size:      size,
		expected:  expectedCount,
		data:      make(map[string]*entry),
		base:      base,
		next:      base,
		arena:     make(map[uint64][]byte),
		addrByKey: make(map[string]uint64),
		iterators: make(map[backend.IteratorHandle][]string),
		nextLock:  1,
	}
	s.byName[name] = p
	s.byID[id] = p
	return id, nil
}

func (s *Store) OpenPool(name string) (backend.PoolID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byName[name]
	if !ok {
		return 0, backend.ErrPoolNotFound
	}
	return p.id, nil
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
	p, ok := s.byID[pool]
	if !ok {
		return backend.ErrPoolNotFound
	}
	delete(s.byID, pool)
	delete(s.byName, p.name)
	return nil
}

func (s *Store) DeletePoolByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byName[name]
	if !ok {
		return backend.ErrPoolNotFound
	}
	delete(s.byID, p.id)
	delete(s.byName, name)
	return nil
}

func (s *Store) IsPoolOpen(pool backend.PoolID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[pool]
	return ok
}

func (s *Store) pool(id backend.PoolID) (*pool, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, backend.ErrPoolNotFound
	}
	return p, nil
}

func (s *Store) GetPoolRegions(id backend.PoolID) (string, []backend.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return "", nil, err
	}
	return p.name, []backend.Region{{Base: p.base, Len: p.size}}, nil
}

func (s *Store) Put(id backend.PoolID, key string, value []byte, dontStomp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	if e, ok := p.data[key]; ok {
		if dontStomp {
			return backend.ErrKeyExists
		}
		if e.lock.mode != backend.LockNone {
			return backend.ErrLocked
		}
	}
	stored := append([]byte(nil), value...)
	p.data[key] = &entry{value: stored}
	return nil
}

func (s *Store) Get(id backend.PoolID, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return nil, err
	}
	e, ok := p.data[key]
	if !ok {
		return nil, backend.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Erase(id backend.PoolID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	if _, ok := p.data[key]; !ok {
		return backend.ErrKeyNotFound
	}
	delete(p.data, key)
	return nil
}

func (s *Store) Lock(id backend.PoolID, key string, mode backend.LockMode, valueLen uint64) (backend.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return backend.LockResult{}, err
	}

	e, existed := p.data[key]
	created := false
	if !existed {
		e = &entry{value: make([]byte, valueLen)}
		p.data[key] = e
		created = true
	} else if mode == backend.LockExclusive && e.lock.mode != backend.LockNone {
		return backend.LockResult{}, backend.ErrLocked
	} else if mode == backend.LockShared && e.lock.mode == backend.LockExclusive {
		return backend.LockResult{}, backend.ErrLocked
	}

	if e.lock.mode == backend.LockNone {
		e.lock.mode = mode
		e.lock.handle = p.nextLock
		p.nextLock++
	}
	e.lock.count++

	addr := p.allocValueAddr(key, e)
	return backend.LockResult{Addr: addr, Len: uint64(len(e.value)), Handle: e.lock.handle, Created: created}, nil
}

// allocValueAddr gives each live value a stable synthetic address derived
// from the pool's arena, matching the real backend's guarantee that a
// locked value's address is pinned (§9 "Lock tables" design note). The
// caller holds Store.mu.
func (p *pool) allocValueAddr(key string, e *entry) uint64 {
	if addr, ok := p.addrByKey[key]; ok {
		p.arena[addr] = e.value
		return addr
	}
	addr := p.next
	p.next += uint64(cap(e.value)) + 64
	p.arena[addr] = e.value
	p.addrByKey[key] = addr
	return addr
}

func (s *Store) Unlock(id backend.PoolID, handle backend.KeyHandle, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	for _, e := range p.data {
		if e.lock.mode != backend.LockNone && e.lock.handle == handle {
			e.lock.count--
			if e.lock.count <= 0 {
				e.lock.mode = backend.LockNone
				e.lock.count = 0
			}
			return nil
		}
	}
	return fmt.Errorf("memstore: unknown lock handle %d", handle)
}

func (s *Store) WriteLocked(id backend.PoolID, handle backend.KeyHandle, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	for k, e := range p.data {
		if e.lock.mode != backend.LockNone && e.lock.handle == handle {
			e.value = append([]byte(nil), value...)
			if addr, ok := p.addrByKey[k]; ok {
				p.arena[addr] = e.value
			}
			return nil
		}
	}
	return fmt.Errorf("memstore: unknown lock handle %d", handle)
}

func (s *Store) SwapKeys(id backend.PoolID, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	ea, aok := p.data[a]
	eb, bok := p.data[b]
	if !aok || !bok {
		return backend.ErrKeyNotFound
	}
	p.data[a], p.data[b] = eb, ea
	return nil
}

func (s *Store) GetAttribute(id backend.PoolID, attr proto.Attribute, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	switch attr {
	case proto.AttrCount:
		return uint64(len(p.data)), nil
	case proto.AttrValueLen:
		e, ok := p.data[key]
		if !ok {
			return 0, backend.ErrKeyNotFound
		}
		return uint64(len(e.value)), nil
	case proto.AttrCRC32:
		return 0, backend.ErrUnsupported
	default:
		return 0, backend.ErrBadParam
	}
}

func (s *Store) AllocatePoolMemory(id backend.PoolID, size uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	addr := p.next
	p.next += size + 64
	p.arena[addr] = make([]byte, size)
	return addr, nil
}

func (s *Store) FreePoolMemory(id backend.PoolID, addr uint64, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	delete(p.arena, addr)
	return nil
}

func (s *Store) FlushPoolMemory(id backend.PoolID, _ uint64, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.pool(id)
	return err
}

func (s *Store) ResizeValue(id backend.PoolID, key string, newSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	e, ok := p.data[key]
	if !ok {
		return backend.ErrKeyNotFound
	}
	resized := make([]byte, newSize)
	copy(resized, e.value)
	e.value = resized
	return nil
}

func (s *Store) Count(id backend.PoolID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	return uint64(len(p.data)), nil
}

func (s *Store) OpenIterator(id backend.PoolID) (backend.IteratorHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(p.data))
	for k := range p.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := p.nextIter
	p.nextIter++
	p.iterators[h] = keys
	return h, nil
}

func (s *Store) DerefIterator(id backend.PoolID, it backend.IteratorHandle) (string, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return "", nil, false, err
	}
	keys, ok := p.iterators[it]
	if !ok {
		return "", nil, false, backend.ErrBadParam
	}
	if len(keys) == 0 {
		return "", nil, false, nil
	}
	key := keys[0]
	p.iterators[it] = keys[1:]
	e := p.data[key]
	if e == nil {
		return "", nil, false, backend.ErrKeyNotFound
	}
	return key, append([]byte(nil), e.value...), true, nil
}

func (s *Store) CloseIterator(id backend.PoolID, it backend.IteratorHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	delete(p.iterators, it)
	return nil
}

func (s *Store) MapKeys(id backend.PoolID, fn func(key string) error) error {
	s.mu.Lock()
	p, err := s.pool(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	keys := make([]string, 0, len(p.data))
	for k := range p.data {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

var _ backend.Store = (*Store)(nil)
