// Package ado defines the shard's view of an active-data-object child
// process (§1 "ADO side-process", §6 "ADO proxy interface"): invoking it,
// draining its callbacks, and matching asynchronous completions back to
// the work request that started them.
//
// The interfaces here are grounded on gyuho-db/rafthttp's peer/pipeline
// split (09_peer.go, 06_pipeline.go): a request is handed to the proxy
// without blocking, a background goroutine does the actual blocking I/O,
// and the caller polls a channel for whatever comes back matched by id,
// generalized from raft messages matched by peer id to ADO invocations
// matched by work id.
package ado

import (
	"errors"

	"github.com/dreamware/mcasgo/internal/proto"
)

// WorkID identifies one in-flight ADO invocation, stable for its lifetime
// (§3 "Work request / work-id").
type WorkID uint64

// ErrShutdown is returned by Proxy methods once the underlying ADO process
// has exited or Close has been called.
var ErrShutdown = errors.New("ado: proxy shut down")

// TableOp enumerates the §4.4 "Table ops" callback kinds.
type TableOp uint8

const (
	TableOpCreate TableOp = iota + 1
	TableOpOpen
	TableOpErase
	TableOpValueResize
	TableOpAllocatePoolMemory
	TableOpFreePoolMemory
)

// UnlockPolicy selects what happens to a table-op lock once the work
// request that created it completes (§4.4).
type UnlockPolicy uint8

const (
	// UnlockDeferred queues a deferred unlock keyed by work_id; the
	// default policy when the ADO specifies neither flag.
	UnlockDeferred UnlockPolicy = iota
	// UnlockNoImplicit keeps the lock held until the ADO explicitly
	// unlocks it (FLAGS_NO_IMPLICIT_UNLOCK).
	UnlockNoImplicit
	// UnlockAdoLifetime keeps the lock held until the ADO process exits
	// (FLAGS_ADO_LIFETIME_UNLOCK).
	UnlockAdoLifetime
)

// CallbackKind tags the §4.4 "ADO callbacks from the child" variants.
type CallbackKind uint8

const (
	CallbackTableOp CallbackKind = iota + 1
	CallbackPoolInfo
	CallbackOpEvent
	CallbackIterate
	CallbackVector
	CallbackIndexFind
	CallbackUnlockRequest
	CallbackConfigure
)

// OpEvent enumerates the §4.4 "Op-event response" callback subtypes.
type OpEvent uint8

const (
	OpEventPoolDelete OpEvent = iota + 1
	OpEventClose
)

// ConfigOp enumerates the §4.4 "Configure" callback subtypes.
type ConfigOp uint8

const (
	ConfigIncRef ConfigOp = iota + 1
	ConfigDecRef
)

// Callback is one synchronous request the ADO makes back to the shard
// while a work request is outstanding.
type Callback struct {
	Kind   CallbackKind
	WorkID WorkID

	// Table ops
	Table        TableOp
	Key          string
	ValueLen     uint64
	UnlockPolicy UnlockPolicy
	Addr         uint64
	Size         uint64

	// Op-event
	Event OpEvent

	// Iterate
	IteratorHandle  uint64
	TimeBoundsBegin int64
	TimeBoundsEnd   int64

	// Vector
	Count uint64

	// Index find
	FindExpr           string
	FindBegin          string
	FindType           uint8
	FindMaxComparisons uint64

	// Configure
	Config ConfigOp
}

// CallbackResult is the shard's synchronous reply to one Callback.
type CallbackResult struct {
	Status     proto.Status
	Addr       uint64
	Len        uint64
	Created    bool
	Data       []byte
	MatchedPos uint64
	MatchedKey string
	Done       bool // iterate: no more entries
}

// Completion is the terminal, asynchronous result of one Invoke/
// InvokeWithValue call (§4.4 "Completion draining").
type Completion struct {
	WorkID          WorkID
	Status          proto.Status
	ResponseBuffers [][]byte
	// DeferredUnlocks lists keys whose lock (taken via a deferred-policy
	// table op during this work request) should now be released.
	DeferredUnlocks []string
	// EraseTarget mirrors S_ERASE_TARGET: the shard must erase Key and
	// propagate the erase status rather than Status itself.
	EraseTarget     bool
	Key             string
}

// InvokeParams is the shard-side view of §6's send_work_request: everything
// the shard has already resolved (locked key, detached allocation, request
// body) before handing the invocation to the proxy.
type InvokeParams struct {
	Key          string
	Value        []byte // non-nil only for the PUT_ADO_REQUEST variant
	DetachedAddr uint64 // non-zero when ADO_FLAG_DETACHED allocated a payload
	DetachedLen  uint64
	RequestBody  []byte
	NewRoot      bool
}

// Proxy is the shard's handle to one running ADO child attached to a pool
// (§6's "ADO proxy interface consumed"). All methods except Close are
// non-blocking; Close waits for the child process to exit. The underlying
// process communication happens on a background goroutine.
type Proxy interface {
	PoolID() uint64

	Invoke(params InvokeParams) (WorkID, error)

	// PollCallback returns at most one pending callback, if any.
	PollCallback() (Callback, bool)
	// PostCallbackResponse answers a callback previously returned by
	// PollCallback.
	PostCallbackResponse(work WorkID, result CallbackResult) error

	// PollCompletion returns at most one finished work request, if any.
	PollCompletion() (Completion, bool)

	IncRef() int32
	DecRef() int32
	RefCount() int32

	Close() error
}

// Manager launches and tracks one Proxy per pool (§1's "ADO side-process").
type Manager interface {
	Launch(poolID uint64, pluginPath string, pluginArgs ...string) (Proxy, error)
	Lookup(poolID uint64) (Proxy, bool)
	Shutdown(poolID uint64) error
	ShutdownAll() error
}
