package session

import (
	"testing"

	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
)

func readyGate() *gate {
	g := newGate(nil)
	g.Set(StateReady)
	return g
}

func TestGateHoldsWhileAckPending(t *testing.T) {
	testlog.Start(t)
	g := readyGate()
	assert.True(t, g.Begin(true, false))
	assert.Equal(t, StateInFlight, g.Load())

	assert.False(t, g.Release(false), "notification must not free the channel before the ack")
	assert.Equal(t, StateInFlight, g.Load())

	g.Acked(true)
	assert.Equal(t, StateReady, g.Load())
}

func TestGateIgnoresPreviousRunCompletedAfterStart(t *testing.T) {
	testlog.Start(t)
	g := readyGate()
	assert.True(t, g.Begin(false, true))

	assert.False(t, g.Release(true))
	assert.Equal(t, StateInFlight, g.Load())

	assert.True(t, g.Release(false))
	assert.Equal(t, StateReady, g.Load())

	assert.True(t, g.Begin(false, true))
	assert.True(t, g.Release(false), "new run reported in")
	assert.True(t, g.Begin(false, true))
	g.Release(false)
	assert.True(t, g.Release(true), "the started run's own COMPLETED is not held")
}

func TestGateBeginRequiresReady(t *testing.T) {
	testlog.Start(t)
	g := newGate(nil)
	g.Set(StateNotReady)
	assert.False(t, g.Begin(true, false))
	assert.Equal(t, StateNotReady, g.Load())

	g = readyGate()
	assert.True(t, g.Begin(true, true))
	g.Set(StateDisconnected)
	g.Set(StateReady)
	assert.True(t, g.Release(true), "reset clears expectations of the dropped command")
}

func TestGateAckedWithoutSettleKeepsInFlight(t *testing.T) {
	testlog.Start(t)
	g := readyGate()
	assert.True(t, g.Begin(true, true))
	g.Acked(false)
	assert.Equal(t, StateInFlight, g.Load())
	assert.True(t, g.Release(false))
	assert.Equal(t, StateReady, g.Load())
}
