package coverage

import (
	"sync"

	"golang.org/x/exp/maps"
)

type key struct {
	id   ModuleID
	size int
}

// Pool maps (module-id, size) to a module proxy, inserting a new proxy on
// first access. Multiple registrations across different processes for the
// same (module-id, size) collapse into a single logical module.
type Pool struct {
	mu      sync.Mutex
	proxies map[key]*Proxy
}

func NewPool() *Pool {
	return &Pool{proxies: make(map[key]*Proxy)}
}

// GetOrCreate returns the proxy for (id, size), creating it if absent.
func (p *Pool) GetOrCreate(id ModuleID, size int) (*Proxy, error) {
	k := key{id, size}
	p.mu.Lock()
	defer p.mu.Unlock()
	if proxy, ok := p.proxies[k]; ok {
		return proxy, nil
	}
	proxy, err := NewProxy(id, size)
	if err != nil {
		return nil, err
	}
	p.proxies[k] = proxy
	return proxy, nil
}

// Proxies returns a snapshot of all registered proxies.
func (p *Pool) Proxies() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Values(p.proxies)
}

// Measure calls Measure on every proxy and sums the results.
func (p *Pool) Measure() int {
	total := 0
	for _, proxy := range p.Proxies() {
		total += proxy.Measure()
	}
	return total
}

// Accumulate calls Accumulate on every proxy and sums the results.
func (p *Pool) Accumulate() int {
	total := 0
	for _, proxy := range p.Proxies() {
		total += proxy.Accumulate()
	}
	return total
}

// GetCoverage sums GetCoverage across all proxies.
func (p *Pool) GetCoverage() (numPCs, numFeatures int) {
	for _, proxy := range p.Proxies() {
		pcs, features := proxy.GetCoverage()
		numPCs += pcs
		numFeatures += features
	}
	return numPCs, numFeatures
}

// Clear resets accumulated features on every proxy.
func (p *Pool) Clear() {
	for _, proxy := range p.Proxies() {
		proxy.Clear()
	}
}
