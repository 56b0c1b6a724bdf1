package trackerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestBuildURLEncodesRawBytes(t *testing.T) {
	req := AnnounceRequest{
		InfoHash: [20]byte{0xff, 0x00, 0x01},
		PeerID:   [20]byte{'-', 'l', 't'},
		Port:     6881,
		Left:     1000,
		Event:    EventStarted,
	}
	s, err := BuildURL("http://tracker.example/announce", req)
	require.NoError(t, err)
	u, err := url.Parse(s)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "1", q.Get("compact"))
	assert.Equal(t, "started", q.Get("event"))
	assert.Equal(t, "6881", q.Get("port"))
	assert.Equal(t, string(req.InfoHash[:]), q.Get("info_hash"))
}

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	compact := string([]byte{127, 0, 0, 1, 0x1a, 0xe1})
	resp := map[string]interface{}{
		"interval": int64(1800),
		"peers":    compact,
	}
	body, err := bencode.EncodeBytes(resp)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	got, status, err := Announce(context.Background(), srv.Client(), srv.URL, AnnounceRequest{Port: 1})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, 1800, got.Interval)
	require.Len(t, got.Peers, 1)
	assert.Equal(t, netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 6881), got.Peers[0])
}

func TestAnnounceFailureEnvelope(t *testing.T) {
	body, err := bencode.EncodeBytes(map[string]interface{}{"failure reason": "not registered"})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	_, _, err = Announce(context.Background(), srv.Client(), srv.URL, AnnounceRequest{})
	require.Error(t, err)
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ErrKindTrackerNotFound, Classify(assertErr, 404))
	assert.Equal(t, ErrKindTrackerUnavailable, Classify(assertErr, 503))
}

var assertErr = fmtErrorf()

func fmtErrorf() error {
	return &url.Error{Op: "Get", URL: "http://x", Err: http.ErrHandlerTimeout}
}
