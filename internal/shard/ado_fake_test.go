package shard

import (
	"sync"

	"github.com/dreamware/mcasgo/internal/ado"
)

// fakeAdoManager launches fakeAdoProxy instances in-process, standing in
// for ado.NewProcessManager when a test needs a deterministic ADO side
// without spawning cmd/adoworker.
type fakeAdoManager struct {
	mu      sync.Mutex
	proxies map[uint64]*fakeAdoProxy
}

func newFakeAdoManager() *fakeAdoManager {
	return &fakeAdoManager{proxies: make(map[uint64]*fakeAdoProxy)}
}

func (m *fakeAdoManager) Launch(poolID uint64, pluginPath string, pluginArgs ...string) (ado.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[poolID]; ok {
		return p, nil
	}
	p := &fakeAdoProxy{poolID: poolID}
	m.proxies[poolID] = p
	return p, nil
}

func (m *fakeAdoManager) Lookup(poolID uint64) (ado.Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[poolID]
	return p, ok
}

func (m *fakeAdoManager) Shutdown(poolID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proxies, poolID)
	return nil
}

func (m *fakeAdoManager) ShutdownAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies = make(map[uint64]*fakeAdoProxy)
	return nil
}

// fakeAdoProxy records every Invoke call and lets a test inject a
// completion for drainAdoCompletions to pick up, without any process or
// pipe framing involved.
type fakeAdoProxy struct {
	mu       sync.Mutex
	poolID   uint64
	nextWork ado.WorkID
	invokes  []ado.InvokeParams
	comps    []ado.Completion
	refCount int32
}

func (p *fakeAdoProxy) PoolID() uint64 { return p.poolID }

func (p *fakeAdoProxy) Invoke(params ado.InvokeParams) (ado.WorkID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextWork++
	p.invokes = append(p.invokes, params)
	return p.nextWork, nil
}

func (p *fakeAdoProxy) PollCallback() (ado.Callback, bool) { return ado.Callback{}, false }

func (p *fakeAdoProxy) PostCallbackResponse(work ado.WorkID, result ado.CallbackResult) error {
	return nil
}

// pushCompletion queues a completion, ready for the shard's next
// drainAdoCompletions pass to pick up.
func (p *fakeAdoProxy) pushCompletion(c ado.Completion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comps = append(p.comps, c)
}

func (p *fakeAdoProxy) lastWorkID() ado.WorkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextWork
}

func (p *fakeAdoProxy) PollCompletion() (ado.Completion, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.comps) == 0 {
		return ado.Completion{}, false
	}
	c := p.comps[0]
	p.comps = p.comps[1:]
	return c, true
}

func (p *fakeAdoProxy) IncRef() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount++
	return p.refCount
}

func (p *fakeAdoProxy) DecRef() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount--
	return p.refCount
}

func (p *fakeAdoProxy) RefCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

func (p *fakeAdoProxy) Close() error { return nil }

var _ ado.Manager = (*fakeAdoManager)(nil)
var _ ado.Proxy = (*fakeAdoProxy)(nil)
