// Package fabric defines the transport contract the shard multiplexes
// connections over (§1 "fabric provider", §4.1, §4.2, §5). It generalizes
// torua's net/http server-loop shape (cmd/node/main.go) from a blocking
// handler-per-request model into the polling, non-blocking tick() model §4.1
// requires, and borrows the "ResourceUnavailable means leave it on the queue
// and retry next tick" behavior from gyuho-db's rafthttp peer/pipeline split.
//
// No pure-Go RDMA verbs library exists without cgo, and §1 treats the
// fabric provider as an external collaborator the shard only needs a
// contract for, so this package ships one implementation, loopback, that
// simulates memory registration and direct transfer with shared-process
// byte slices and synthetic remote keys, enough to drive the shard's
// dispatch logic in tests and in a single-process deployment.
package fabric

import "errors"

// ErrResourceUnavailable is returned by Connection.Post when no send buffer
// is currently available. Per §5, the caller must leave the message queued
// and retry on a later tick rather than block.
var ErrResourceUnavailable = errors.New("fabric: resource unavailable")

// ErrNotRegistered is returned when a direct-transfer operation references
// an address range that was never registered with RegisterMemory.
var ErrNotRegistered = errors.New("fabric: memory not registered")

// MemoryRegion is a registered, RDMA-addressable span. RKey is the remote
// key a peer would use to address it directly; in loopback this is a
// synthetic per-registration token, not a real NIC-level key.
type MemoryRegion struct {
	Addr uint64
	Len  uint64
	RKey uint64
}

// Endpoint is one fabric listener: it accepts connections and must be
// polled every tick so pending sends/receives make progress. Implementations
// must never block in Tick.
type Endpoint interface {
	// Tick advances all connections' pending work by one step and returns
	// any connections accepted since the last call.
	Tick() (accepted []Connection)
	// Close tears down the endpoint and all its connections.
	Close() error
}

// Connection is one client session over the fabric (§3 "Connection
// handler"). All methods are non-blocking.
type Connection interface {
	ID() string

	// Post enqueues msg for transmission. Returns ErrResourceUnavailable if
	// the outbound queue is full; the caller is expected to retry on a
	// later tick rather than treat this as a terminal error.
	Post(msg []byte) error

	// Poll returns the next received message, if any, without blocking.
	Poll() (msg []byte, ok bool)

	// RegisterMemory makes the byte range backing buf addressable by a
	// peer's direct-transfer (LOCATE) requests, returning a synthetic rkey.
	RegisterMemory(addr uint64, buf []byte) (MemoryRegion, error)

	// DerefMemory resolves a previously registered addr back to its bytes,
	// for the loopback peer simulating the other side of a direct write.
	DerefMemory(addr uint64) ([]byte, error)

	// DeregisterMemory releases a registration made with RegisterMemory.
	DeregisterMemory(addr uint64) error

	// Closed reports whether this connection itself has been closed; it
	// does not reflect the peer's side.
	Closed() bool

	Close() error
}
