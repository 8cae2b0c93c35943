package shard

import (
	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/fabric"
)

// deferredActionKind tags the one defined deferred-action kind (§4.1 step
// 5b). Any other value observed in a handler's deferred queue is a logic
// error.
type deferredActionKind uint8

const deferredReleaseExclusive deferredActionKind = 1

type deferredAction struct {
	kind deferredActionKind
	pool backend.PoolID
	addr uint64
}

// Handler is one client session (§3 "Connection handler"): a fabric
// connection plus its pending-message queue, deferred-action queue, and
// the set of pools this session has open, each with its own refcount.
type Handler struct {
	conn fabric.Connection

	pending  [][]byte
	deferred []deferredAction

	// openPools maps a pool's name to its backend id for this session,
	// used by POOL_REQUEST CREATE/OPEN to detect "already open by me".
	openPools map[string]backend.PoolID
	// poolRefs is this session's own refcount per pool id, distinct from
	// Shard.poolRefs which sums across every session (§3 "Pool handle").
	poolRefs map[backend.PoolID]int

	// heldExclusive is the set of value addresses this session currently
	// holds an exclusive direct-transfer lock on (PUT_ADVANCE/PUT_LOCATE),
	// used only to queue their release as deferred actions if the session
	// disconnects before sending the matching PUT_RELEASE.
	heldExclusive map[uint64]bool
}

func newHandler(conn fabric.Connection) *Handler {
	return &Handler{
		conn:          conn,
		openPools:     make(map[string]backend.PoolID),
		poolRefs:      make(map[backend.PoolID]int),
		heldExclusive: make(map[uint64]bool),
	}
}

func (h *Handler) addDeferredReleaseExclusive(pool backend.PoolID, addr uint64) {
	h.deferred = append(h.deferred, deferredAction{kind: deferredReleaseExclusive, pool: pool, addr: addr})
}

// clientConnected reports whether the handler's underlying connection is
// still open, used by the ADO completion path (§4.4 step 6, §5
// "Cancellation and timeouts": "the response path checks
// client_connected()").
func (h *Handler) clientConnected() bool {
	return !h.conn.Closed()
}
