// Package index implements the shard's pluggable volatile key index
// (§4.3 CONFIGURE AddIndex, §4.4 Index find, §4.7 FIND_KEY), generalizing
// gyuho-db's mvcc treeIndex (a bare `btree.BTree` guarded by a
// `sync.RWMutex`) into the ordered, position-aware `find(expr, begin,
// find_type, max_comparisons)` contract the ADO and FIND_KEY paths call.
package index

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/mcasgo/internal/proto"
)

// FindType selects how expr is matched against candidate keys.
type FindType uint8

const (
	// FindExact matches keys equal to expr.
	FindExact FindType = iota
	// FindPrefix matches keys with the given prefix.
	FindPrefix
	// FindRegex treats expr as a regular expression.
	FindRegex
	// FindNext ignores expr and returns the first key >= begin.
	FindNext
)

// KVIndex is the ordered key index a pool may be configured with.
type KVIndex interface {
	Insert(key string)
	Remove(key string)
	Len() int

	// Find scans keys in ascending order starting at begin, matching up to
	// maxComparisons candidates against expr per findType. It returns
	// proto.StatusOK with the match's ordinal position and key, or
	// proto.StatusOutOfBounds if maxComparisons was exhausted without a
	// match (key holds the last key examined, so a caller can resume the
	// scan past it on the next call), or proto.StatusKeyNotFound if the
	// tree was exhausted first.
	Find(expr string, begin string, findType FindType, maxComparisons uint64) (status proto.Status, pos uint64, key string)
}

type item string

func (i item) Less(than btree.Item) bool { return i < than.(item) }

// VolatileTree is the only KVIndex implementation the shard ships with
// (mirrors the "AddIndex::VolatileTree" configure command named in
// original_source/shard.cpp).
type VolatileTree struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewVolatileTree returns an empty index with the given btree degree.
func NewVolatileTree(degree int) *VolatileTree {
	if degree <= 0 {
		degree = 32
	}
	return &VolatileTree{tree: btree.New(degree)}
}

func (v *VolatileTree) Insert(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tree.ReplaceOrInsert(item(key))
}

func (v *VolatileTree) Remove(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tree.Delete(item(key))
}

func (v *VolatileTree) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree.Len()
}

func (v *VolatileTree) Find(expr string, begin string, findType FindType, maxComparisons uint64) (proto.Status, uint64, string) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var re *regexp.Regexp
	if findType == FindRegex {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return proto.StatusBadParam, 0, ""
		}
		re = compiled
	}

	matches := func(k string) bool {
		switch findType {
		case FindExact:
			return k == expr
		case FindPrefix:
			return strings.HasPrefix(k, expr)
		case FindRegex:
			return re.MatchString(k)
		case FindNext:
			return true
		default:
			return false
		}
	}

	var pos uint64
	var comparisons uint64
	var status proto.Status = proto.StatusKeyNotFound
	var matchedKey string
	var lastKey string

	v.tree.AscendGreaterOrEqual(item(begin), func(it btree.Item) bool {
		k := string(it.(item))
		lastKey = k
		comparisons++
		if matches(k) {
			status = proto.StatusOK
			matchedKey = k
			return false
		}
		pos++
		if maxComparisons > 0 && comparisons >= maxComparisons {
			status = proto.StatusOutOfBounds
			return false
		}
		return true
	})

	switch status {
	case proto.StatusOK:
		return status, pos, matchedKey
	case proto.StatusOutOfBounds:
		return status, pos, lastKey
	default:
		return status, 0, ""
	}
}

var _ KVIndex = (*VolatileTree)(nil)
