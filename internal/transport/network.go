package transport

import (
	"sync"

	"github.com/roach88/dcop/internal/agent"
)

// HTTPNetwork resolves agent names to HTTP clients.
type HTTPNetwork struct {
	mu      sync.RWMutex
	clients map[string]*Client
	opts    []ClientOption
}

// NewHTTPNetwork creates an empty network. opts apply to every client it
// creates.
func NewHTTPNetwork(opts ...ClientOption) *HTTPNetwork {
	return &HTTPNetwork{clients: make(map[string]*Client), opts: opts}
}

// SetAddresses registers agent addresses. A known agent whose address
// changed gets a new client.
func (n *HTTPNetwork) SetAddresses(addrs map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, addr := range addrs {
		if c, ok := n.clients[name]; ok && c.BaseURL() == addr {
			continue
		}
		n.clients[name] = NewClient(name, addr, n.opts...)
	}
}

// Peer implements agent.Network.
func (n *HTTPNetwork) Peer(name string) (agent.Peer, bool) {
	c, ok := n.Client(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// Client returns the client of an agent.
func (n *HTTPNetwork) Client(name string) (*Client, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.clients[name]
	return c, ok
}
