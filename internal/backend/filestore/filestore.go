// Package filestore implements backend.Store as one flat file per key under
// a pool directory, generalizing the open/write/sync idioms of gyuho-db's
// pkg/fileutil (OpenToOverwrite, MkdirAll, ExistFileOrDir) from etcd's WAL
// segment files into a pool-per-directory, key-per-file KV backend, the
// simplest persistent-memory stand-in §2.3's backend menu allows.
package filestore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/proto"
)

const (
	privateFileMode os.FileMode = 0600
	privateDirMode  os.FileMode = 0700
	metaFileName                = "pool.meta"
)

// openToOverwrite creates or truncates fpath for writing, following the
// teacher pack's OpenToOverwrite naming.
func openToOverwrite(fpath string) (*os.File, error) {
	return os.OpenFile(fpath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, privateFileMode)
}

func existFileOrDir(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, privateDirMode)
}

type poolMeta struct {
	ID            backend.PoolID `json:"id"`
	Name          string         `json:"name"`
	Size          uint64         `json:"size"`
	ExpectedCount uint64         `json:"expected_count"`
}

type lockState struct {
	mode   backend.LockMode
	handle backend.KeyHandle
	count  int
}

type pool struct {
	meta      poolMeta
	dir       string
	mu        sync.Mutex
	locks     map[string]lockState
	nextLock  backend.KeyHandle
	addrByKey map[string]uint64
	nextAddr  uint64
	iterators map[backend.IteratorHandle][]string
	nextIter  backend.IteratorHandle
}

// Store is the file-backed backend.Store implementation. baseDir holds one
// subdirectory per pool, named by the pool's id.
type Store struct {
	mu       sync.Mutex
	baseDir  string
	byName   map[string]*pool
	byID     map[backend.PoolID]*pool
	nextID   backend.PoolID
	nextBase uint64
}

// Open loads (or creates) the pool directory tree rooted at baseDir.
func Open(baseDir string) (*Store, error) {
	if err := mkdirAll(baseDir); err != nil {
		return nil, fmt.Errorf("filestore: create base dir: %w", err)
	}

	s := &Store{
		baseDir:  baseDir,
		byName:   make(map[string]*pool),
		byID:     make(map[backend.PoolID]*pool),
		nextID:   1,
		nextBase: 0x3000_0000_0000,
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(baseDir, e.Name(), metaFileName)
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue // not a pool directory
		}
		var m poolMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		p := newPool(m, filepath.Join(baseDir, e.Name()), s.nextBase)
		s.nextBase += m.Size + (1 << 20)
		s.byName[m.Name] = p
		s.byID[m.ID] = p
		if m.ID >= s.nextID {
			s.nextID = m.ID + 1
		}
	}
	return s, nil
}

func newPool(m poolMeta, dir string, base uint64) *pool {
	return &pool{
		meta:      m,
		dir:       dir,
		locks:     make(map[string]lockState),
		nextLock:  1,
		addrByKey: make(map[string]uint64),
		nextAddr:  base,
		iterators: make(map[backend.IteratorHandle][]string),
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
	dir := filepath.Join(s.baseDir, fmt.Sprintf("%d", id))
	if err := mkdirAll(dir); err != nil {
		return 0, err
	}

	m := poolMeta{ID: id, Name: name, Size: size, ExpectedCount: expectedCount}
	raw, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), raw, privateFileMode); err != nil {
		return 0, err
	}

	p := newPool(m, dir, s.nextBase)
	s.nextBase += size + (1 << 20)
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
	return p.meta.ID, nil
}

func (s *Store) ClosePool(pool backend.PoolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pool]; !ok {
		return backend.ErrPoolNotFound
	}
	return nil
}

func (s *Store) DeletePool(id backend.PoolID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return backend.ErrPoolNotFound
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return err
	}
	delete(s.byID, id)
	delete(s.byName, p.meta.Name)
	return nil
}

func (s *Store) DeletePoolByName(name string) error {
	s.mu.Lock()
	id, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return backend.ErrPoolNotFound
	}
	return s.DeletePool(id.meta.ID)
}

func (s *Store) IsPoolOpen(id backend.PoolID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

func (s *Store) pool(id backend.PoolID) (*pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, backend.ErrPoolNotFound
	}
	return p, nil
}

// GetPoolRegions always returns ErrUnsupported: a directory of individually
// opened files has no single backing virtual-address range to register
// with the fabric for direct transfer (§4.2's documented decline path).
func (s *Store) GetPoolRegions(id backend.PoolID) (string, []backend.Region, error) {
	p, err := s.pool(id)
	if err != nil {
		return "", nil, err
	}
	return p.meta.Name, nil, backend.ErrUnsupported
}

// keyFile maps a key to its on-disk filename. Keys may contain any bytes
// (notably the pending-rename "___pending_" prefix), so the filename is the
// hex encoding of the key rather than the key itself.
func keyFile(dir, key string) string {
	return filepath.Join(dir, hex.EncodeToString([]byte(key))+".val")
}

func (s *Store) Put(id backend.PoolID, key string, value []byte, dontStomp bool) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := keyFile(p.dir, key)
	exists := existFileOrDir(path)
	if exists {
		if dontStomp {
			return backend.ErrKeyExists
		}
		if ls, locked := p.locks[key]; locked && ls.mode != backend.LockNone {
			return backend.ErrLocked
		}
	}

	f, err := openToOverwrite(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(value); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) Get(id backend.PoolID, key string) ([]byte, error) {
	p, err := s.pool(id)
	if err != nil {
		return nil, err
	}
	path := keyFile(p.dir, key)
	v, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrKeyNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) Erase(id backend.PoolID, key string) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	path := keyFile(p.dir, key)
	if !existFileOrDir(path) {
		return backend.ErrKeyNotFound
	}
	return os.Remove(path)
}

func (s *Store) Lock(id backend.PoolID, key string, mode backend.LockMode, valueLen uint64) (backend.LockResult, error) {
	p, err := s.pool(id)
	if err != nil {
		return backend.LockResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := keyFile(p.dir, key)
	ls, locked := p.locks[key]
	if locked {
		if mode == backend.LockExclusive && ls.mode != backend.LockNone {
			return backend.LockResult{}, backend.ErrLocked
		}
		if mode == backend.LockShared && ls.mode == backend.LockExclusive {
			return backend.LockResult{}, backend.ErrLocked
		}
	}

	created := false
	valLen := valueLen
	if !existFileOrDir(path) {
		f, err := openToOverwrite(path)
		if err != nil {
			return backend.LockResult{}, err
		}
		if _, err := f.Write(make([]byte, valueLen)); err != nil {
			f.Close()
			return backend.LockResult{}, err
		}
		f.Close()
		created = true
	} else {
		fi, err := os.Stat(path)
		if err != nil {
			return backend.LockResult{}, err
		}
		valLen = uint64(fi.Size())
	}

	if ls.mode == backend.LockNone {
		ls.mode = mode
		ls.handle = p.nextLock
		p.nextLock++
	}
	ls.count++
	p.locks[key] = ls

	addr, ok := p.addrByKey[key]
	if !ok {
		addr = p.nextAddr
		p.nextAddr += valLen + 64
		p.addrByKey[key] = addr
	}

	return backend.LockResult{Addr: addr, Len: valLen, Handle: ls.handle, Created: created}, nil
}

func (s *Store) Unlock(id backend.PoolID, handle backend.KeyHandle, flush bool) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for k, ls := range p.locks {
		if ls.mode != backend.LockNone && ls.handle == handle {
			ls.count--
			if ls.count <= 0 {
				ls.mode = backend.LockNone
				ls.count = 0
			}
			p.locks[k] = ls
			if flush {
				f, err := os.OpenFile(keyFile(p.dir, k), os.O_RDWR, privateFileMode)
				if err != nil {
					return err
				}
				err = f.Sync()
				f.Close()
				if err != nil {
					return err
				}
			}
			return nil
		}
	}
	return fmt.Errorf("filestore: unknown lock handle %d", handle)
}

func (s *Store) WriteLocked(id backend.PoolID, handle backend.KeyHandle, value []byte) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for k, ls := range p.locks {
		if ls.mode != backend.LockNone && ls.handle == handle {
			f, err := openToOverwrite(keyFile(p.dir, k))
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.Write(value); err != nil {
				return err
			}
			return f.Sync()
		}
	}
	return fmt.Errorf("filestore: unknown lock handle %d", handle)
}

func (s *Store) SwapKeys(id backend.PoolID, a, b string) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pathA, pathB := keyFile(p.dir, a), keyFile(p.dir, b)
	if !existFileOrDir(pathA) || !existFileOrDir(pathB) {
		return backend.ErrKeyNotFound
	}

	tmp := pathA + ".swap"
	if err := os.Rename(pathA, tmp); err != nil {
		return err
	}
	if err := os.Rename(pathB, pathA); err != nil {
		return err
	}
	return os.Rename(tmp, pathB)
}

func (s *Store) GetAttribute(id backend.PoolID, attr proto.Attribute, key string) (uint64, error) {
	switch attr {
	case proto.AttrCount:
		return s.Count(id)
	case proto.AttrValueLen:
		v, err := s.Get(id, key)
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

func (s *Store) AllocatePoolMemory(id backend.PoolID, size uint64) (uint64, error) {
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.nextAddr
	p.nextAddr += size + 64
	return addr, nil
}

func (s *Store) FreePoolMemory(id backend.PoolID, addr uint64, size uint64) error {
	_, err := s.pool(id)
	return err
}

func (s *Store) FlushPoolMemory(id backend.PoolID, addr uint64, size uint64) error {
	_, err := s.pool(id)
	return err
}

func (s *Store) ResizeValue(id backend.PoolID, key string, newSize uint64) error {
	v, err := s.Get(id, key)
	if err != nil {
		return err
	}
	resized := make([]byte, newSize)
	copy(resized, v)
	return s.Put(id, key, resized, false)
}

func (s *Store) Count(id backend.PoolID) (uint64, error) {
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, e := range entries {
		if e.Name() != metaFileName && !e.IsDir() {
			n++
		}
	}
	return n, nil
}

func (s *Store) listKeys(p *pool) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == metaFileName {
			continue
		}
		name := e.Name()
		const suffix = ".val"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		raw, err := hex.DecodeString(name[:len(name)-len(suffix)])
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) OpenIterator(id backend.PoolID) (backend.IteratorHandle, error) {
	p, err := s.pool(id)
	if err != nil {
		return 0, err
	}
	keys, err := s.listKeys(p)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextIter++
	h := p.nextIter
	p.iterators[h] = keys
	return h, nil
}

func (s *Store) DerefIterator(id backend.PoolID, it backend.IteratorHandle) (string, []byte, bool, error) {
	p, err := s.pool(id)
	if err != nil {
		return "", nil, false, err
	}

	p.mu.Lock()
	keys, ok := p.iterators[it]
	if !ok {
		p.mu.Unlock()
		return "", nil, false, backend.ErrBadParam
	}
	if len(keys) == 0 {
		p.mu.Unlock()
		return "", nil, false, nil
	}
	key := keys[0]
	p.iterators[it] = keys[1:]
	p.mu.Unlock()

	v, err := s.Get(id, key)
	if err != nil {
		return "", nil, false, err
	}
	return key, v, true, nil
}

func (s *Store) CloseIterator(id backend.PoolID, it backend.IteratorHandle) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.iterators, it)
	p.mu.Unlock()
	return nil
}

func (s *Store) MapKeys(id backend.PoolID, fn func(key string) error) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	keys, err := s.listKeys(p)
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
