// Package clustersvc provides the two process-wide services named in §5: a
// cluster-signal queue that every shard polls and rebroadcasts to its ADO
// proxies, and a registry of mapped device-DAX paths that stops two shards
// from mapping the same DAX file.
//
// Both are generalized from torua's internal/coordinator registries
// (shard_registry.go's copy-out-read/exclusive-write pattern, and
// health_monitor.go's ticker-driven polling loop) into process-wide
// singletons that Shard instances are handed at construction time rather
// than reaching for as free-floating globals (§9 "Global state").
package clustersvc

import (
	"fmt"
	"sync"
)

// Signal is one message posted to the queue; the shard that drains it
// passes it on to its ADO proxies.
// The payload is opaque to the queue; shards decide what it means.
type Signal struct {
	Kind    string
	Payload []byte
}

// SignalQueue is a process-wide FIFO of cluster-wide signals. Every shard
// drains it on its own schedule (§4.1 step 4, CHECK_CLUSTER_SIGNAL_INTERVAL)
// and rebroadcasts whatever it finds to its ADO proxies.
//
// §9's Open Question notes that the original `service_cluster_signals`
// begins with `return`, i.e. is disabled. We keep that behavior literally:
// the queue exists and can be posted to, but Shard.Run only calls Drain when
// its Config.ClusterSignalsEnabled is true (default false).
type SignalQueue struct {
	mu   sync.Mutex
	buf  []Signal
}

// NewSignalQueue returns an empty queue.
func NewSignalQueue() *SignalQueue {
	return &SignalQueue{}
}

// Post appends a signal for every shard to observe on its next drain.
func (q *SignalQueue) Post(s Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, s)
}

// Drain removes and returns every signal currently queued, leaving the
// queue empty. Shards sharing one queue each call this independently, so a
// signal is consumed by the first shard that drains it; a later drain sees
// only signals posted since.
//
// Shards do not share a cursor into the queue; this single-drain-per-queue
// model is correct for a single-shard process (the common case here) and is
// documented as a simplification for multi-shard processes, where only the
// first shard to drain in a tick would see a given signal. A production
// multi-shard build would give each shard its own cursor rather than a
// shared destructive drain.
func (q *SignalQueue) Drain() []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Len reports how many signals are currently queued, mainly for tests.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// DaxRegistry tracks which device-DAX paths are currently mapped by some
// shard in this process, so a second shard configured with the same path
// fails fast instead of corrupting the first shard's mapping.
type DaxRegistry struct {
	mu     sync.RWMutex
	byPath map[string]int // path -> owning shard's core id
}

// NewDaxRegistry returns an empty registry.
func NewDaxRegistry() *DaxRegistry {
	return &DaxRegistry{byPath: make(map[string]int)}
}

// AlreadyMappedError is returned by Register when another shard already
// claimed the path.
type AlreadyMappedError struct {
	Path       string
	OwnerCore  int
}

func (e *AlreadyMappedError) Error() string {
	return fmt.Sprintf("clustersvc: dax path %q already mapped by core %d", e.Path, e.OwnerCore)
}

// Register claims path for coreID. It fails if another core already holds
// it; registering the same path twice for the same core is a no-op success
// (idempotent, matching the pool-manager refcount style used elsewhere).
func (r *DaxRegistry) Register(path string, coreID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byPath[path]; ok && owner != coreID {
		return &AlreadyMappedError{Path: path, OwnerCore: owner}
	}
	r.byPath[path] = coreID
	return nil
}

// Release removes path's claim if it is held by coreID. Releasing an
// unclaimed or foreign-owned path is a no-op.
func (r *DaxRegistry) Release(path string, coreID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byPath[path]; ok && owner == coreID {
		delete(r.byPath, path)
	}
}

// OwnerOf reports which core currently holds path, if any.
func (r *DaxRegistry) OwnerOf(path string) (coreID int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coreID, ok = r.byPath[path]
	return
}
