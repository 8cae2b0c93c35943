// Package shard implements the per-CPU event loop that multiplexes client
// connections over the fabric, routes protocol messages to a storage
// backend, coordinates zero-copy direct transfers, spawns and proxies
// requests to ADO worker processes, and maintains the lock/rename/register
// state required for correct concurrent operation (§2-§8).
//
// It generalizes torua's internal/shard.Shard (a per-unit struct with a
// stats block and a mutex-guarded state machine, one in-memory store per
// shard) from "owns one in-memory store" to "owns a backend handle, a
// fabric endpoint, many connection handlers, and an ADO pool map", and
// torua's cmd/node dispatch-by-path switch into dispatch-by-TypeID
// (§9 "cast-by-tag rather than RTTI").
package shard

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/clustersvc"
	"github.com/dreamware/mcasgo/internal/fabric"
	"github.com/dreamware/mcasgo/internal/index"
	"github.com/dreamware/mcasgo/internal/proto"
	"github.com/dreamware/mcasgo/internal/xlog"
)

// Tick intervals from §4.1, named exactly as §4.1 names them so the mapping
// from prose to code stays obvious.
const (
	CheckConnectionInterval    = 1000
	CheckClusterSignalInterval = 10000
	idleSleep                  = 50 * time.Millisecond
)

// pendingKeyPrefix is the exact, non-configurable temporary-key literal
// used by the pending-rename protocol (§3, §9): "___pending_" + the
// store key.
const pendingKeyPrefix = "___pending_"

// defaultTwoStageThreshold is TWO_STAGE_THRESHOLD from §4.3: GET values at
// or above this size are locked, registered, and answered with their
// address rather than copied inline.
const defaultTwoStageThreshold = 4096

// Config wires a Shard's dependencies and the process-wide parameters named
// in §6 "Configuration". Configuration file parsing is out of scope per
// §1; cmd/shardd builds this from environment variables instead.
type Config struct {
	CoreID                int
	NetworkAddr           string
	Port                  int
	ProviderName          string
	DaxConfig             string
	AdoPlugins            []string
	AdoParams             []string
	DefaultBackend        string
	CertPath              string
	ForcedExit            bool
	ClusterSignalsEnabled bool // §9 Open Question: kept disabled by default
	TwoStageThreshold     uint64
	IndexBTreeDegree      int
}

func (c Config) twoStageThreshold() uint64 {
	if c.TwoStageThreshold == 0 {
		return defaultTwoStageThreshold
	}
	return c.TwoStageThreshold
}

// StatusError is a client- or backend-mapped failure (§7 classes 2-4):
// surfaced as a response status, never fatal to the shard.
type StatusError struct {
	Status proto.Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Status.String() + ": " + e.Err.Error()
	}
	return e.Status.String()
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusErr(s proto.Status, err error) *StatusError { return &StatusError{Status: s, Err: err} }

// FatalError is an invariant violation or initialization failure (§7
// classes 5-6): the dispatcher does not catch it, so it propagates out of
// Shard.Run to the caller, which logs and exits, mirroring torua's
// logFatal indirection.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "shard: fatal: " + e.Msg }

// Shard is the single-threaded, CPU-pinned worker described by §2: one
// fabric endpoint, one backend handle, many connection handlers, and the
// lock/space/rename/pool/ADO bookkeeping that makes concurrent client
// access to the backend safe.
type Shard struct {
	cfg Config
	log *xlog.Logger

	store  backend.Store
	fab    fabric.Endpoint
	adoMgr ado.Manager // nil if ADO is disabled

	signals *clustersvc.SignalQueue
	dax     *clustersvc.DaxRegistry

	handlers     []*Handler
	pendingClose map[*Handler]bool

	lockShared    *lockTracker
	lockExclusive *lockTracker
	spaces        map[spaceKey]*spaceEntry
	renames       map[uint64]*pendingRename

	poolRefs          map[backend.PoolID]int // global open refcount across sessions
	poolNameByID      map[backend.PoolID]string
	poolExpectedCount map[backend.PoolID]uint64
	pendingPoolDelete map[backend.PoolID]bool

	adoPools map[backend.PoolID]*adoPoolEntry
	indexes  map[backend.PoolID]index.KVIndex

	// deferredTableOpLocks resolves a table-op callback's key name back to
	// the lock it took, for the default UnlockDeferred policy (§4.4): the
	// completion only carries key names, so the address/mode used to take
	// the lock has to be remembered per work-id until drain time.
	deferredTableOpLocks map[ado.WorkID]map[string]lockRef
	// lifetimeLocks holds table-op locks taken with UnlockAdoLifetime,
	// released when the owning ADO proxy is shut down rather than at any
	// single work completion.
	lifetimeLocks        map[backend.PoolID][]lockRef
	// lockPolicy records the unlock policy chosen when a table-op lock was
	// taken, keyed by the value's address, so an explicit CallbackUnlockRequest
	// can be refused for a lock carrying an implicit unlock policy (§4.4).
	lockPolicy           map[uint64]ado.UnlockPolicy

	tasks       []Task
	outstanding map[ado.WorkID]*workRequest
	failedAsync []FailedAsyncRequest

	stats proto.StatsSnapshot

	tickCount  uint64
	terminate  bool
	nextTempID uint64
}

// FailedAsyncRequest records an async ADO invocation that failed, so a
// later INFO request can retrieve it (§4.4, §7 class 4).
type FailedAsyncRequest struct {
	HandlerID string
	RequestID uint64
	Status    proto.Status
}

// New constructs a Shard. adoMgr may be nil to disable ADO support
// entirely; signals/dax may be nil, in which case cluster-signal draining
// and DAX registration are skipped.
func New(cfg Config, store backend.Store, fab fabric.Endpoint, adoMgr ado.Manager, signals *clustersvc.SignalQueue, dax *clustersvc.DaxRegistry) *Shard {
	if cfg.IndexBTreeDegree == 0 {
		cfg.IndexBTreeDegree = 32
	}
	return &Shard{
		cfg:                  cfg,
		log:                  xlog.New("shard", os.Stderr, xlog.LevelInfo),
		store:                store,
		fab:                  fab,
		adoMgr:               adoMgr,
		signals:              signals,
		dax:                  dax,
		pendingClose:         make(map[*Handler]bool),
		lockShared:           newLockTracker(),
		lockExclusive:        newLockTracker(),
		spaces:               make(map[spaceKey]*spaceEntry),
		renames:              make(map[uint64]*pendingRename),
		poolRefs:             make(map[backend.PoolID]int),
		poolNameByID:         make(map[backend.PoolID]string),
		poolExpectedCount:    make(map[backend.PoolID]uint64),
		pendingPoolDelete:    make(map[backend.PoolID]bool),
		adoPools:             make(map[backend.PoolID]*adoPoolEntry),
		indexes:              make(map[backend.PoolID]index.KVIndex),
		outstanding:          make(map[ado.WorkID]*workRequest),
		deferredTableOpLocks: make(map[ado.WorkID]map[string]lockRef),
		lifetimeLocks:        make(map[backend.PoolID][]lockRef),
		lockPolicy:           make(map[uint64]ado.UnlockPolicy),
	}
}

// RequestTerminate sets the shard's termination flag, equivalent to §4.1
// step 1 observing SIGINT.
func (s *Shard) RequestTerminate() { s.terminate = true }

// Stats returns a copy of the shard's operation counters (§4.7 GET_STATS).
func (s *Shard) Stats() proto.StatsSnapshot {
	snap := s.stats
	snap.OpenPoolCount = len(s.poolRefs)
	return snap
}

// Run executes the main loop of §4.1 until termination: it returns nil on
// a clean forced-exit shutdown, or a *FatalError if an invariant violation
// was observed and the shard must be torn down by the caller.
func (s *Shard) Run() error {
	for {
		if len(s.handlers) == 0 {
			time.Sleep(idleSleep)
			s.acceptConnections()
			s.serviceClusterSignals()
			if s.terminate || (s.cfg.ForcedExit && len(s.handlers) == 0 && s.allClosed()) {
				return nil
			}
			continue
		}

		s.tickCount++
		if s.tickCount%CheckConnectionInterval == 0 {
			s.acceptConnections()
		}
		if s.tickCount%CheckClusterSignalInterval == 0 {
			s.serviceClusterSignals()
		}

		for _, h := range s.handlers {
			if s.pendingClose[h] {
				continue
			}
			if err := s.tickHandler(h); err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					return err
				}
				s.log.Errorf("handler %s: %v", h.conn.ID(), err)
			}
		}

		s.drainAdoCompletions()
		s.advanceTasks()
		s.reapClosedHandlers()

		if len(s.handlers) == 0 && s.cfg.ForcedExit {
			return nil
		}
	}
}

// allClosed reports whether every handler the shard still tracks is marked
// for close, used by the idle path's forced-exit check.
func (s *Shard) allClosed() bool {
	for _, h := range s.handlers {
		if !s.pendingClose[h] {
			return false
		}
	}
	return true
}

// acceptConnections pulls newly accepted connections off the fabric
// endpoint and wraps each in a Handler (§4.1 step 3).
func (s *Shard) acceptConnections() {
	for _, conn := range s.fab.Tick() {
		s.handlers = append(s.handlers, newHandler(conn))
	}
}

// serviceClusterSignals drains the process-wide signal queue and
// rebroadcasts to every pool's ADO proxy (§5 "Cross-shard globals", §9
// Open Question: disabled unless explicitly configured).
func (s *Shard) serviceClusterSignals() {
	if !s.cfg.ClusterSignalsEnabled || s.signals == nil {
		return
	}
	sigs := s.signals.Drain()
	if len(sigs) == 0 {
		return
	}
	for _, entry := range s.adoPools {
		for range sigs {
			// Broadcasting is best-effort; a proxy with no room for the
			// invocation simply misses this round's signal.
			_, _ = entry.proxy.Invoke(ado.InvokeParams{})
		}
	}
}

// tickHandler is §4.1 step 5: drain deferred actions, dispatch at most one
// pending protocol message, and mark the handler for close if its
// connection dropped or the shard is terminating.
func (s *Shard) tickHandler(h *Handler) error {
	if err := s.drainDeferred(h); err != nil {
		return err
	}

	if len(h.pending) == 0 {
		if msg, ok := h.conn.Poll(); ok {
			h.pending = append(h.pending, msg)
		}
	}

	if len(h.pending) > 0 {
		msg := h.pending[0]
		err := s.dispatch(h, msg)
		if errors.Is(err, fabric.ErrResourceUnavailable) {
			// Leave the message queued; retry next tick (§5 "Suspension
			// points").
		} else {
			h.pending = h.pending[1:]
			if err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					return err
				}
				s.log.Warnf("dispatch error on %s: %v", h.conn.ID(), err)
			}
		}
	}

	if h.conn.Closed() || s.terminate {
		if err := s.closeHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// closeHandler marks h for close at the end of this tick, releases any
// exclusive direct-transfer locks it still held via the deferred-action
// path (§4.1 step 5b), and releases all of its open pool references
// (§4.1 step 5a).
func (s *Shard) closeHandler(h *Handler) error {
	if s.pendingClose[h] {
		return nil
	}

	for addr := range h.heldExclusive {
		var pool backend.PoolID
		if e, ok := s.lockExclusive.get(addr); ok {
			pool = e.pool
		}
		h.addDeferredReleaseExclusive(pool, addr)
	}
	if err := s.drainDeferred(h); err != nil {
		return err
	}

	s.pendingClose[h] = true
	for poolID := range h.poolRefs {
		s.releasePoolRefLocked(h, poolID)
	}
	return nil
}

// reapClosedHandlers deletes handlers marked pending-close (§4.1 step 8).
func (s *Shard) reapClosedHandlers() {
	if len(s.pendingClose) == 0 {
		return
	}
	kept := s.handlers[:0]
	for _, h := range s.handlers {
		if s.pendingClose[h] {
			_ = h.conn.Close()
			continue
		}
		kept = append(kept, h)
	}
	s.handlers = kept
	s.pendingClose = make(map[*Handler]bool)
}

// drainDeferred applies every queued deferred action for h (§4.1 step 5b).
// The only defined action is releasing an exclusive value lock followed by
// discharging any pending rename on the same address; an unknown action
// kind is an invariant violation.
func (s *Shard) drainDeferred(h *Handler) error {
	for len(h.deferred) > 0 {
		action := h.deferred[0]
		h.deferred = h.deferred[1:]
		switch action.kind {
		case deferredReleaseExclusive:
			if err := s.releaseLockedValueExclusive(action.pool, action.addr); err != nil {
				return &FatalError{Msg: err.Error()}
			}
			if err := s.releasePendingRename(action.addr); err != nil {
				return &FatalError{Msg: err.Error()}
			}
		default:
			return &FatalError{Msg: "unknown deferred action kind"}
		}
	}
	return nil
}

// dispatch decodes the wire envelope and routes it by TypeID to the
// appropriate handler (§4.1 step 5c, §4.2-§4.7).
func (s *Shard) dispatch(h *Handler, msg []byte) error {
	typ, body, err := proto.Decode(msg)
	if err != nil {
		s.log.Warnf("malformed message from %s: %v", h.conn.ID(), err)
		return nil
	}

	switch typ {
	case proto.TypePoolRequest:
		return s.handlePoolRequest(h, body)
	case proto.TypeIORequest:
		return s.handleIORequest(h, body)
	case proto.TypeAdoRequest:
		return s.handleAdoRequest(h, body)
	case proto.TypePutAdoRequest:
		return s.handlePutAdoRequest(h, body)
	case proto.TypeInfoRequest:
		return s.handleInfoRequest(h, body)
	default:
		s.log.Warnf("unknown message type %d from %s", typ, h.conn.ID())
		return nil
	}
}

// post encodes and sends a response, returning fabric.ErrResourceUnavailable
// unchanged so callers (ultimately dispatch) can leave the triggering
// request queued for retry.
func (s *Shard) post(h *Handler, typ proto.TypeID, body any) error {
	wire, err := proto.Encode(typ, body)
	if err != nil {
		return &FatalError{Msg: "encode response: " + err.Error()}
	}
	return h.conn.Post(wire)
}

func unmarshalBody[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
