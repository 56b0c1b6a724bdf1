package livetorrent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func testSessionInfo() SessionInfo {
	opts := DefaultSessionOptions()
	opts.ForceTrackerInterval = 0
	opts.TrackerFailureBackoff = 10 * time.Millisecond
	return SessionInfo{
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{4, 5, 6},
		Lengths:  Lengths{TotalLength: 100, PieceLength: 100, ChunkSize: 16 * 1024, NumPieces: 1},
		Options:  opts,
	}
}

func TestTrackerMonitorAnnounceOnceAddsPeers(t *testing.T) {
	compact := string([]byte{10, 0, 0, 1, 0x1a, 0xe1})
	body, err := bencode.EncodeBytes(map[string]interface{}{
		"interval": int64(1800),
		"peers":    compact,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	var got []string
	var downloaded, uploaded Count
	m := NewTrackerMonitor(srv.URL, testSessionInfo(), func(addr string) {
		got = append(got, addr)
	}, &uploaded, &downloaded, func() int64 { return 0 })

	interval := m.announceOnce(context.Background(), 0)
	assert.Equal(t, 1800*time.Second, interval)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1:6881", got[0])
	assert.True(t, m.Status.IsWorking())
}

func TestTrackerMonitorAnnounceFailureSetsErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	info := testSessionInfo()
	info.Options.Logger = log.Default
	var downloaded, uploaded Count
	m := NewTrackerMonitor(srv.URL, info, func(string) {}, &uploaded, &downloaded, func() int64 { return 0 })

	interval := m.announceOnce(context.Background(), 0)
	assert.Equal(t, info.Options.TrackerFailureBackoff, interval)
	assert.Error(t, m.Status.LastError)
	assert.False(t, m.Status.IsWorking())
}

func TestTrackerMonitorRunStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 10)
	body, err := bencode.EncodeBytes(map[string]interface{}{"interval": int64(1)})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	info := testSessionInfo()
	info.Options.ForceTrackerInterval = time.Millisecond
	var downloaded, uploaded Count
	m := NewTrackerMonitor(srv.URL, info, func(string) {}, &uploaded, &downloaded, func() int64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker monitor never announced")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker monitor did not stop after cancellation")
	}
}
