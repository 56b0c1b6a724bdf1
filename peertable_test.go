package livetorrent

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	return b
}

func TestAddIfNotSeenOnlyCreatesOnce(t *testing.T) {
	table := NewPeerTable()
	e1, created1 := table.AddIfNotSeen("1.2.3.4:6881", testBackoff)
	e2, created2 := table.AddIfNotSeen("1.2.3.4:6881", testBackoff)
	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, e1, e2)
	assert.EqualValues(t, 1, table.Counts.Queued.Int64())
}

func TestStateMachineHappyPath(t *testing.T) {
	table := NewPeerTable()
	e, _ := table.AddIfNotSeen("1.2.3.4:6881", testBackoff)

	e.Lock()
	require.True(t, table.MarkConnecting(e))
	e.Unlock()
	assert.EqualValues(t, 0, table.Counts.Queued.Int64())
	assert.EqualValues(t, 1, table.Counts.Connecting.Int64())

	e.Lock()
	live, ok := table.ConnectingToLive(e, [20]byte{1}, make(chan any, 1))
	e.Unlock()
	require.True(t, ok)
	require.NotNil(t, live)
	assert.EqualValues(t, 1, table.Counts.Live.Int64())

	e.Lock()
	table.TransitionToNotNeeded(e)
	e.Unlock()
	assert.EqualValues(t, 1, table.Counts.NotNeeded.Int64())
	assert.EqualValues(t, 0, table.Counts.Live.Int64())
}

func TestDeathWithInflightRequestsDrainsThem(t *testing.T) {
	table := NewPeerTable()
	e, _ := table.AddIfNotSeen("1.2.3.4:6881", testBackoff)
	e.Lock()
	table.MarkConnecting(e)
	table.ConnectingToLive(e, [20]byte{1}, make(chan any, 1))
	e.Live.InflightRequests[InflightRequest{Piece: 0, Begin: 0, Length: 16384}] = struct{}{}
	e.Live.InflightRequests[InflightRequest{Piece: 0, Begin: 16384, Length: 16384}] = struct{}{}
	drained := table.TransitionToDeadWithInflight(e)
	e.Unlock()

	assert.Len(t, drained, 2)
	assert.Equal(t, Dead, e.State())
	assert.Nil(t, e.Live)
}

func TestRequeueOnlyFromDead(t *testing.T) {
	table := NewPeerTable()
	e, _ := table.AddIfNotSeen("1.2.3.4:6881", testBackoff)

	e.Lock()
	ok := table.Requeue(e)
	e.Unlock()
	assert.False(t, ok, "cannot requeue from Queued")

	e.Lock()
	table.MarkConnecting(e)
	table.ConnectingToLive(e, [20]byte{1}, make(chan any, 1))
	table.TransitionToDeadWithInflight(e)
	ok = table.Requeue(e)
	e.Unlock()
	assert.True(t, ok)
	assert.Equal(t, Queued, e.State())
}
