package livetorrent

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionFreshStartIsEmpty(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}})
	stats := s.StatsSnapshot()
	assert.Zero(t, stats.HaveBytes)
	assert.Equal(t, int64(8), stats.BytesLeft)
	assert.False(t, stats.Finished)
}

func TestCheckFinishedTransitionsAndNotifiesLivePeers(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	notified := ph.entry.FinishedNotify.Signaled()

	s.ledger.Reserve(0, ph.addr, time.Now())
	s.ledger.MarkChunkDownloaded(0, 0, 4)
	s.ledger.MarkPieceDownloaded(0)

	require.True(t, s.checkFinished())
	s.onFinished()
	assert.True(t, s.IsFinished())

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected FinishedNotify to fire for the live peer")
	}

	// onFinished is idempotent: calling it again must not panic or re-fire
	// in a way that breaks IsFinished.
	s.onFinished()
	assert.True(t, s.IsFinished())
}

func TestPauseProducesResumableSnapshotAndBlocksFurtherIO(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	s := newTestSession(t, 4, [][]byte{data})
	s.info.Options.PauseGraceTimeout = 5 * time.Millisecond

	s.ledger.Reserve(0, "peer", time.Now())
	s.ledger.MarkChunkDownloaded(0, 0, 4)
	s.ledger.MarkPieceDownloaded(0)
	require.NoError(t, s.layout.WriteAt(data, 0))

	snap, err := s.Pause()
	require.NoError(t, err)
	assert.Equal(t, s.info.InfoHash, snap.InfoHash)
	assert.EqualValues(t, 4, snap.HaveBytes)
	require.Len(t, snap.HaveBitfield, 1)
	assert.Equal(t, byte(0x80), snap.HaveBitfield[0])

	err = s.layout.WriteAt([]byte{9}, 0)
	assert.Error(t, err, "writes after pause must hit the null file slot")
}

func TestPerPeerStatsSnapshotFiltersByState(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()
	ph.entry.Stats.Counters.FetchedBytes.Add(42)

	live := s.PerPeerStatsSnapshot(FilterLivePeers)
	require.Len(t, live, 1)
	assert.Equal(t, "test-peer", live[0].Addr)
	assert.EqualValues(t, 42, live[0].Counters.FetchedBytes.Int64())

	all := s.PerPeerStatsSnapshot(FilterAllPeers)
	if diff := cmp.Diff(len(live), 1); diff != "" {
		t.Fatalf("unexpected live peer count (-got +want): %s", diff)
	}
	require.Len(t, all, 1) // the one peer is Live, so it appears once total
}

func TestFinishedPeerAdderDoesNotDialQueuedPeers(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}})
	s.ledger.Reserve(0, "x", time.Now())
	s.ledger.MarkChunkDownloaded(0, 0, 4)
	s.ledger.MarkPieceDownloaded(0)
	require.True(t, s.checkFinished())
	s.onFinished()

	s.adder.AddPeerIfNotSeen("203.0.113.1:6881")
	done := make(chan struct{})
	go func() {
		s.adder.Run(s.cancelled)
		close(done)
	}()

	ctx := s.cancelled
	_ = ctx
	time.Sleep(50 * time.Millisecond)
	s.cancel()
	<-done

	entry, ok := s.peers.Get("203.0.113.1:6881")
	require.True(t, ok)
	assert.Equal(t, NotNeeded, entry.State())
}
