package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultQueueDepth = 64

// LoopbackEndpoint is an in-process Endpoint: Dial creates a connected pair
// of Connections wired directly to each other's queues, standing in for a
// fabric listener when no real RDMA device is present (§1 scope note).
type LoopbackEndpoint struct {
	mu       sync.Mutex
	accepted []Connection
	nextID   uint64
}

// NewLoopbackEndpoint returns an endpoint with no connections yet.
func NewLoopbackEndpoint() *LoopbackEndpoint {
	return &LoopbackEndpoint{}
}

// Dial creates a connected pair of loopback connections: the first return
// value is the "client" side, the second the "shard" side that Tick will
// surface as accepted.
func (e *LoopbackEndpoint) Dial() (client Connection, shardSide Connection) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	a := newLoopbackConn(fmt.Sprintf("client-%d", id))
	b := newLoopbackConn(fmt.Sprintf("shard-%d", id))
	a.peer, b.peer = b, a

	e.mu.Lock()
	e.accepted = append(e.accepted, b)
	e.mu.Unlock()

	return a, b
}

func (e *LoopbackEndpoint) Tick() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.accepted
	e.accepted = nil
	return out
}

func (e *LoopbackEndpoint) Close() error {
	return nil
}

type loopbackConn struct {
	id     string
	peer   *loopbackConn
	inbox  chan []byte
	closed atomic.Bool

	mu        sync.Mutex
	registry  map[uint64][]byte
	nextToken uint64
}

func newLoopbackConn(id string) *loopbackConn {
	return &loopbackConn{
		id:       id,
		inbox:    make(chan []byte, defaultQueueDepth),
		registry: make(map[uint64][]byte),
	}
}

func (c *loopbackConn) ID() string { return c.id }

func (c *loopbackConn) Post(msg []byte) error {
	if c.peer == nil || c.peer.closed.Load() {
		return ErrResourceUnavailable
	}
	select {
	case c.peer.inbox <- msg:
		return nil
	default:
		return ErrResourceUnavailable
	}
}

func (c *loopbackConn) Poll() ([]byte, bool) {
	select {
	case msg := <-c.inbox:
		return msg, true
	default:
		return nil, false
	}
}

func (c *loopbackConn) RegisterMemory(addr uint64, buf []byte) (MemoryRegion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	c.registry[addr] = buf
	return MemoryRegion{Addr: addr, Len: uint64(len(buf)), RKey: c.nextToken}, nil
}

func (c *loopbackConn) DerefMemory(addr uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.registry[addr]
	if !ok {
		return nil, ErrNotRegistered
	}
	return buf, nil
}

func (c *loopbackConn) DeregisterMemory(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[addr]; !ok {
		return ErrNotRegistered
	}
	delete(c.registry, addr)
	return nil
}

func (c *loopbackConn) Closed() bool {
	return c.closed.Load()
}

func (c *loopbackConn) Close() error {
	c.closed.Store(true)
	return nil
}

var (
	_ Endpoint   = (*LoopbackEndpoint)(nil)
	_ Connection = (*loopbackConn)(nil)
)
