package livetorrent

import (
	"context"
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/livetorrent/internal/metainfo"
	"github.com/dannyzb/livetorrent/internal/peerprotocol"
)

func newTestSession(t *testing.T, pieceLength int64, pieceData [][]byte) *LiveSession {
	t.Helper()
	var hashes []metainfo.Hash
	var total int64
	for _, p := range pieceData {
		hashes = append(hashes, metainfo.Hash(sha1.Sum(p)))
		total += int64(len(p))
	}
	opts := DefaultSessionOptions()
	opts.UnchokeWaitTimeout = 50 * time.Millisecond
	opts.RequestPermitTimeout = 50 * time.Millisecond
	opts.IdleRescanInterval = 20 * time.Millisecond

	info := SessionInfo{
		Name:     "test",
		InfoHash: [20]byte{9, 9, 9},
		PeerID:   [20]byte{1, 1, 1},
		Lengths: Lengths{
			TotalLength: total,
			PieceLength: pieceLength,
			ChunkSize:   pieceLength,
			NumPieces:   len(pieceData),
		},
		PieceHashes: hashes,
		Files:       []FileSpec{{Path: "data.bin", Length: total}},
		Options:     opts,
	}

	dir := t.TempDir()
	s, err := New(info, []string{filepath.Join(dir, "data.bin")}, nil)
	require.NoError(t, err)
	return s
}

func newTestPeerHandler(t *testing.T, s *LiveSession) (*PeerHandler, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	entry, _ := s.peers.AddIfNotSeen("test-peer", newPeerBackoff)
	entry.Lock()
	require.True(t, s.peers.MarkConnecting(entry))
	live, ok := s.peers.ConnectingToLive(entry, [20]byte{2, 2, 2}, make(chan any, 64))
	require.True(t, ok)
	entry.Unlock()

	conn := newPeerConn(serverSide)
	live.Writer = conn.mail
	go conn.runWriter(s.logger)

	ph := &PeerHandler{
		session: s,
		addr:    "test-peer",
		entry:   entry,
		live:    live,
		locked:  NewPeerHandlerLocked(),
		conn:    conn,
		permits: newRequestPermits(),
	}
	return ph, clientSide
}

func TestOnBitfieldMarksPeerBitfieldAndNotifies(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	notified := ph.entry.BitfieldNotify.Signaled()
	err := ph.onBitfield([]byte{0xC0}) // both pieces set
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected BitfieldNotify to fire")
	}

	ph.entry.Lock()
	assert.True(t, ph.live.Bitfield.Contains(0))
	assert.True(t, ph.live.Bitfield.Contains(1))
	ph.entry.Unlock()
}

func TestOnBitfieldNoUsefulPiecesSendsNotInterested(t *testing.T) {
	c := qt.New(t)
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	// Pretend we already have the only piece, so the peer's bitfield offers
	// nothing we need.
	s.ledger.Reserve(0, "test-peer", time.Now())
	s.ledger.MarkChunkDownloaded(0, 0, 4)
	s.ledger.MarkPieceDownloaded(0)

	go func() {
		ph.onBitfield([]byte{0x80})
	}()

	reader := peerprotocol.NewReader(clientConn)
	first, err := reader.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(first.ID, qt.Equals, peerprotocol.Unchoke)

	second, err := reader.ReadMessage()
	c.Assert(err, qt.IsNil)
	c.Assert(second.ID, qt.Equals, peerprotocol.NotInterested)
}

func TestOnUnchokeGrantsPermitsAndBroadcasts(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 2, 3, 4}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	notified := ph.entry.UnchokeNotify.Signaled()
	ph.onUnchoke()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected UnchokeNotify to fire")
	}
	require.NoError(t, ph.permits.AcquireWithRetry(context.Background(), time.Second))
}

func TestOnPieceHappyPathVerifiesAndWrites(t *testing.T) {
	data := []byte{10, 20, 30, 40}
	s := newTestSession(t, 4, [][]byte{data})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	s.ledger.Reserve(0, ph.addr, time.Now())
	req := InflightRequest{Piece: 0, Begin: 0, Length: 4}
	ph.entry.Lock()
	ph.live.InflightRequests[req] = struct{}{}
	ph.entry.Unlock()

	err := ph.onPiece(0, 0, data)
	require.NoError(t, err)

	assert.True(t, s.ledger.IsPieceComplete(0))
	assert.EqualValues(t, 4, s.counters.DownloadedCheckedBytes.Int64())
	assert.True(t, s.IsFinished())
}

func TestOnPieceChecksumFailureMarksBroken(t *testing.T) {
	good := []byte{1, 2, 3, 4}
	s := newTestSession(t, 4, [][]byte{good})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	s.ledger.Reserve(0, ph.addr, time.Now())
	req := InflightRequest{Piece: 0, Begin: 0, Length: 4}
	ph.entry.Lock()
	ph.live.InflightRequests[req] = struct{}{}
	ph.entry.Unlock()

	bad := []byte{9, 9, 9, 9}
	err := ph.onPiece(0, 0, bad)
	require.NoError(t, err)

	assert.False(t, s.ledger.IsPieceComplete(0))
	assert.False(t, s.IsFinished())
}

func TestStealSlowPiecePicksLongestInflight(t *testing.T) {
	s := newTestSession(t, 4, [][]byte{{1, 1, 1, 1}, {2, 2, 2, 2}, {3, 3, 3, 3}})
	ph, clientConn := newTestPeerHandler(t, s)
	defer clientConn.Close()

	ph.entry.Lock()
	ph.live.Bitfield.Add(0)
	ph.live.Bitfield.Add(1)
	ph.entry.Unlock()

	s.counters.DownloadedCheckedPieces.Add(20)
	s.counters.TotalPieceDownloadMS.Add(20 * 100) // avg 100ms

	now := time.Now()
	s.ledger.Reserve(0, "other-peer", now.Add(-2*time.Second))
	s.ledger.Reserve(1, "other-peer", now.Add(-10*time.Second))

	piece, ok := ph.stealSlowPiece(2)
	require.True(t, ok)
	assert.Equal(t, 1, piece)
}

func TestRequestPermitsAcquireRetriesUntilAvailable(t *testing.T) {
	p := newRequestPermits()
	done := make(chan error, 1)
	go func() {
		done <- p.AcquireWithRetry(context.Background(), 10*time.Millisecond)
	}()
	time.Sleep(30 * time.Millisecond)
	p.Add(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire never completed")
	}
}

func TestRequestPermitsAcquireRespectsCancellation(t *testing.T) {
	p := newRequestPermits()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.AcquireWithRetry(ctx, time.Second)
	assert.Error(t, err)
}
