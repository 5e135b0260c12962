package work

import (
	"sync"

	"github.com/perfwatch/agent/lib"
)

// BrowserFactory builds a Browser instance for one job.
type BrowserFactory func(job *lib.Job) Browser

// RegistryPool is a BrowserPool backed by a name to factory registry. It is
// ready as soon as at least one browser is registered.
type RegistryPool struct {
	mu        sync.RWMutex
	factories map[string]BrowserFactory
}

// NewRegistryPool creates an empty pool.
func NewRegistryPool() *RegistryPool {
	return &RegistryPool{factories: make(map[string]BrowserFactory)}
}

// Register adds a named browser factory, replacing any previous registration
// under the same name.
func (p *RegistryPool) Register(name string, factory BrowserFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[name] = factory
}

// IsReady implements BrowserPool.
func (p *RegistryPool) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.factories) > 0
}

// GetBrowser implements BrowserPool.
func (p *RegistryPool) GetBrowser(name string, job *lib.Job) Browser {
	p.mu.RLock()
	factory, ok := p.factories[name]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return factory(job)
}

var _ BrowserPool = &RegistryPool{}
