package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate(t *testing.T) {
	gate := NewGate()
	assert.False(t, gate.Ready(), "fresh gate is not ready")

	gate.SetPublisherConnected(true)
	assert.False(t, gate.Ready(), "publisher alone is not enough")

	gate.SetBusSubscribed(true)
	assert.True(t, gate.Ready())

	gate.SetPublisherConnected(false)
	assert.False(t, gate.Ready(), "losing either dependency drops readiness")

	gate.SetPublisherConnected(true)
	assert.True(t, gate.Ready())
}
