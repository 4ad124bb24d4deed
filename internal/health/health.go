// Package health holds the process-wide readiness gate. The gate owns no
// reconnection logic; the publisher and bus flip their own bits as their
// connections come and go.
package health

import "sync"

// Gate is true only while the queue publisher has a confirmed connection AND
// the fan-out bus subscription is active.
type Gate struct {
	mu                 sync.Mutex
	publisherConnected bool
	busSubscribed      bool
}

func NewGate() *Gate {
	return &Gate{}
}

// SetPublisherConnected records the queue publisher connection state.
func (g *Gate) SetPublisherConnected(connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.publisherConnected = connected
}

// SetBusSubscribed records whether the fan-out bus subscription is active.
func (g *Gate) SetBusSubscribed(subscribed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busSubscribed = subscribed
}

// Ready reports whether both dependencies are up.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.publisherConnected && g.busSubscribed
}
