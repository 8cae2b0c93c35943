package ado

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
)

// ProcessManager launches one real child process per pool and speaks the
// length-framed gob protocol in wire.go over its stdin/stdout pipes. It
// stands in for the ADO side-process's plugin host named in §1; the
// plugin ABI itself is out of scope, but the shard needs a concrete peer
// to exercise the proxy contract against, grounded on gyuho-db/rafthttp's
// peer/pipeline split (a background goroutine owns the blocking I/O; the
// shard-facing methods never block).
type ProcessManager struct {
	mu      sync.Mutex
	proxies map[uint64]*processProxy
	binPath string
}

// NewProcessManager returns a Manager that launches binPath (typically
// cmd/adoworker) as the child for every pool.
func NewProcessManager(binPath string) *ProcessManager {
	return &ProcessManager{
		proxies: make(map[uint64]*processProxy),
		binPath: binPath,
	}
}

func (m *ProcessManager) Launch(poolID uint64, pluginPath string, pluginArgs ...string) (Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[poolID]; ok {
		return p, nil
	}

	args := append([]string{pluginPath}, pluginArgs...)
	cmd := exec.Command(m.binPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ado: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ado: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ado: start worker: %w", err)
	}

	p := &processProxy{
		poolID:       poolID,
		cmd:          cmd,
		stdin:        stdin,
		callbackCh:   make(chan Callback, 64),
		completionCh: make(chan Completion, 64),
		done:         make(chan struct{}),
	}
	p.connected.Store(true)
	go p.readLoop(bufio.NewReader(stdout))

	m.proxies[poolID] = p
	return p, nil
}

func (m *ProcessManager) Lookup(poolID uint64) (Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[poolID]
	return p, ok
}

func (m *ProcessManager) Shutdown(poolID uint64) error {
	m.mu.Lock()
	p, ok := m.proxies[poolID]
	if ok {
		delete(m.proxies, poolID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

func (m *ProcessManager) ShutdownAll() error {
	m.mu.Lock()
	proxies := make([]*processProxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		proxies = append(proxies, p)
	}
	m.proxies = make(map[uint64]*processProxy)
	m.mu.Unlock()

	var firstErr error
	for _, p := range proxies {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processProxy is the Manager-side handle to one running worker process.
type processProxy struct {
	poolID uint64
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	writeMu    sync.Mutex
	nextWorkID uint64

	callbackCh   chan Callback
	completionCh chan Completion

	refCount  int32
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

func (p *processProxy) PoolID() uint64 { return p.poolID }

func (p *processProxy) Invoke(params InvokeParams) (WorkID, error) {
	if p.closed.Load() {
		return 0, ErrShutdown
	}
	id := WorkID(atomic.AddUint64(&p.nextWorkID, 1))
	order := WorkOrder{
		WorkID:       id,
		PoolID:       p.poolID,
		Key:          params.Key,
		Value:        params.Value,
		DetachedAddr: params.DetachedAddr,
		DetachedLen:  params.DetachedLen,
		RequestBody:  params.RequestBody,
		NewRoot:      params.NewRoot,
	}
	p.writeMu.Lock()
	err := writeFrame(p.stdin, frameWorkOrder, order)
	p.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("ado: send work order: %w", err)
	}
	return id, nil
}

func (p *processProxy) PollCallback() (Callback, bool) {
	select {
	case cb := <-p.callbackCh:
		return cb, true
	default:
		return Callback{}, false
	}
}

func (p *processProxy) PostCallbackResponse(work WorkID, result CallbackResult) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	type reply struct {
		WorkID WorkID
		Result CallbackResult
	}
	p.writeMu.Lock()
	err := writeFrame(p.stdin, frameCallbackResponse, reply{WorkID: work, Result: result})
	p.writeMu.Unlock()
	return err
}

func (p *processProxy) PollCompletion() (Completion, bool) {
	select {
	case c := <-p.completionCh:
		return c, true
	default:
		return Completion{}, false
	}
}

func (p *processProxy) IncRef() int32 { return atomic.AddInt32(&p.refCount, 1) }
func (p *processProxy) DecRef() int32 { return atomic.AddInt32(&p.refCount, -1) }
func (p *processProxy) RefCount() int32 { return atomic.LoadInt32(&p.refCount) }

func (p *processProxy) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.writeMu.Lock()
	_ = writeFrame(p.stdin, frameShutdown, nil)
	p.stdin.Close()
	p.writeMu.Unlock()
	<-p.done
	_ = p.cmd.Wait()
	return nil
}

// readLoop is the single goroutine that owns blocking reads from the
// worker's stdout, demultiplexing frames into the callback/completion
// channels the shard-facing methods poll non-blockingly.
func (p *processProxy) readLoop(r *bufio.Reader) {
	defer close(p.done)
	defer p.connected.Store(false)
	for {
		kind, body, err := readFrame(r)
		if err != nil {
			return
		}
		switch kind {
		case frameCallback:
			var cb Callback
			if decode(body, &cb) == nil {
				p.callbackCh <- cb
			}
		case frameCompletion:
			var c Completion
			if decode(body, &c) == nil {
				p.completionCh <- c
			}
		}
	}
}

var (
	_ Manager = (*ProcessManager)(nil)
	_ Proxy   = (*processProxy)(nil)
)
