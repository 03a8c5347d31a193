package connectivity

import "sync"

// Capabilities are the transports a network reports
type Capabilities struct {
	WiFi     bool `json:"wifi"`
	Cellular bool `json:"cellular"`
}

// CapabilityProber queries the platform for a network's current capabilities.
// ok is false when the platform no longer knows the network.
type CapabilityProber interface {
	Capabilities(network string) (caps Capabilities, ok bool)
}

// MapProber is a CapabilityProber backed by reported capabilities
type MapProber struct {
	mu       sync.RWMutex
	networks map[string]Capabilities
}

// NewMapProber creates an empty prober
func NewMapProber() *MapProber {
	return &MapProber{networks: make(map[string]Capabilities)}
}

// Set records the capabilities of network
func (p *MapProber) Set(network string, caps Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.networks[network] = caps
}

// Remove forgets network
func (p *MapProber) Remove(network string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.networks, network)
}

// Capabilities implements CapabilityProber
func (p *MapProber) Capabilities(network string) (Capabilities, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	caps, ok := p.networks[network]
	return caps, ok
}
