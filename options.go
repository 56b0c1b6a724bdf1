package livetorrent

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dannyzb/livetorrent/internal/chunktracker"
	"github.com/dannyzb/livetorrent/internal/metainfo"
)

// Lengths is the torrent's size/shape, re-exported from the chunk tracker
// so callers outside internal/ don't need to import it directly.
type Lengths = chunktracker.Lengths

// FileSpec is one file in the torrent's on-disk layout.
type FileSpec struct {
	Path   string
	Length int64
}

// SessionOptions configures a LiveSession. CLI flag parsing, config file
// loading, and logging setup live outside this core; cmd/livetorrentd
// wires them to this struct.
type SessionOptions struct {
	// MaxActivePeers bounds simultaneously active peer tasks (§5, §8.7).
	MaxActivePeers int64
	// UnchokeRequestPermits is the number of request permits each Unchoke
	// grants. Permits start at 0 per peer (§5); each received Piece grants
	// one more.
	UnchokeRequestPermits int64

	PeerConnectTimeout   time.Duration
	PeerReadWriteTimeout time.Duration
	UnchokeWaitTimeout   time.Duration
	RequestPermitTimeout time.Duration
	IdleRescanInterval   time.Duration
	TrackerFailureBackoff time.Duration
	ForceTrackerInterval time.Duration
	PauseGraceTimeout    time.Duration

	Logger log.Logger

	// MetricsRegisterer receives the session's Prometheus collectors; nil
	// disables metrics entirely (used by tests, which don't want repeated
	// runs colliding on collector registration).
	MetricsRegisterer prometheus.Registerer
}

// DefaultSessionOptions returns the option values named explicitly in the
// specification (§5's timeouts, §4.4's semaphore width, §4.3.1's permit
// grants).
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxActivePeers:        128,
		UnchokeRequestPermits: 16,
		PeerConnectTimeout:    30 * time.Second,
		PeerReadWriteTimeout:  2 * time.Minute,
		UnchokeWaitTimeout:    60 * time.Second,
		RequestPermitTimeout:  10 * time.Second,
		IdleRescanInterval:    10 * time.Second,
		TrackerFailureBackoff: 60 * time.Second,
		PauseGraceTimeout:     5 * time.Second,
		Logger:                log.Default,
	}
}

// SessionInfo is the torrent's immutable metadata: the pieces it's made
// of, the files it unpacks into, and where to announce.
type SessionInfo struct {
	Name        string
	InfoHash    [20]byte
	PeerID      [20]byte
	Lengths     Lengths
	PieceHashes []metainfo.Hash
	Files       []FileSpec
	Trackers    []string
	Options     SessionOptions
}

// BitfieldBytes is the number of bytes needed for one bit per piece.
func (i SessionInfo) BitfieldBytes() int {
	return i.Lengths.BitfieldBytes()
}
