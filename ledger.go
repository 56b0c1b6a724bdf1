package livetorrent

import (
	"time"

	g "github.com/anacrolix/generics"
	xsync "github.com/anacrolix/sync"

	"github.com/dannyzb/livetorrent/internal/chunktracker"
)

// InflightPiece records who a reserved piece is currently assigned to and
// when the reservation began, for steal-candidate timing (§4.3.3).
type InflightPiece struct {
	Peer    string
	Started time.Time
}

// PieceLedger is the locked central state (C1): the source of truth for
// needed pieces, inflight reservations, per-chunk cancellation, and byte
// accounting. One reader-writer lock (L1) guards it; callers must acquire
// any per-peer entry lock (L2) first (see locking.go).
type PieceLedger struct {
	mu xsync.RWMutex

	// chunks is present while the session is live; pause() takes it out as
	// a sentinel for "no longer authoritative".
	chunks g.Option[*chunktracker.Tracker]

	// inflightPieces holds one entry per piece currently reserved for
	// download. Invariant: a piece index appears here iff the chunk
	// tracker has it reserved (not needed, not completed).
	inflightPieces map[int]InflightPiece

	// fatalErrorsTx is drained on the first fatal error, then absent.
	fatalErrorsTx g.Option[chan<- error]
}

// NewPieceLedger constructs a ledger from a live chunk tracker (built from
// a resumed have-bitfield, or empty for a fresh download) and the one-shot
// fatal-error channel the caller will read from.
func NewPieceLedger(tracker *chunktracker.Tracker, fatalErrorsTx chan<- error) *PieceLedger {
	l := &PieceLedger{
		inflightPieces: make(map[int]InflightPiece),
	}
	l.chunks = g.Some(tracker)
	l.fatalErrorsTx = g.Some(fatalErrorsTx)
	return l
}

// NeededPieceIndices calls yield for each piece not yet completed and not
// currently reserved, sequential by piece index, stopping early if yield
// returns false. The read lock is held for the entire scan, so yield must
// not call back into the ledger (it would deadlock against L1).
func (l *PieceLedger) NeededPieceIndices(yield func(int) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return
	}
	tracker.NeededPieceIndices()(yield)
}

// Reserve marks all of piece's chunks as requested and records the
// reservation's owner, atomically under the write lock.
func (l *PieceLedger) Reserve(piece int, peer string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return
	}
	tracker.Reserve(piece)
	l.inflightPieces[piece] = InflightPiece{Peer: peer, Started: now}
}

// ReserveFirstNeeded scans for the first piece satisfying want (typically
// "the peer has this piece"), reserves it for peer, and returns it — all
// under a single write-lock acquisition, so two peers racing this method
// for the same piece cannot both win it (§4.3.3 tier 2).
func (l *PieceLedger) ReserveFirstNeeded(want func(piece int) bool, peer string, now time.Time) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return 0, false
	}
	found := -1
	tracker.NeededPieceIndices()(func(piece int) bool {
		if want(piece) {
			found = piece
			return false
		}
		return true
	})
	if found < 0 {
		return 0, false
	}
	tracker.Reserve(found)
	l.inflightPieces[found] = InflightPiece{Peer: peer, Started: now}
	return found, true
}

// Steal reassigns an already-reserved piece to a new peer, overwriting the
// inflight entry. The caller (tier 1/3 of the selection policy) is
// responsible for having chosen a piece owned by a different peer.
func (l *PieceLedger) Steal(piece int, newPeer string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	l.inflightPieces[piece] = InflightPiece{Peer: newPeer, Started: now}
}

// CancelChunk re-marks a chunk as needed; used when a peer dies holding
// inflight requests for it.
func (l *PieceLedger) CancelChunk(piece, chunk int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	if tracker, ok := l.chunks.Value, l.chunks.Ok; ok {
		tracker.CancelChunk(piece, chunk)
	}
}

// MarkChunkDownloaded records a downloaded chunk's bytes.
func (l *PieceLedger) MarkChunkDownloaded(piece int, begin, length int64) chunktracker.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return chunktracker.Invalid
	}
	return tracker.MarkChunkDownloaded(piece, begin, length)
}

// MarkChunkDownloadedIfOwner checks that piece's current inflight owner is
// peer and, if so, records the downloaded chunk — both under a single
// write-lock acquisition, so a steal landing between the ownership check
// and the mark (§4.3.2 step 5) cannot let two peers write the same piece.
// owned is false if peer no longer (or never) owned the piece, in which
// case the caller should discard the received block. started is the
// reservation's start time, for the caller's download-duration accounting.
func (l *PieceLedger) MarkChunkDownloadedIfOwner(piece int, begin, length int64, peer string) (result chunktracker.Result, started time.Time, owned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	info, ok := l.inflightPieces[piece]
	if !ok || info.Peer != peer {
		return chunktracker.Invalid, time.Time{}, false
	}
	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return chunktracker.Invalid, time.Time{}, false
	}
	return tracker.MarkChunkDownloaded(piece, begin, length), info.Started, true
}

// MarkPieceDownloaded finalises piece as verified and written, removing its
// inflight reservation.
func (l *PieceLedger) MarkPieceDownloaded(piece int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	if tracker, ok := l.chunks.Value, l.chunks.Ok; ok {
		tracker.MarkPieceDownloaded(piece)
	}
	delete(l.inflightPieces, piece)
}

// MarkPieceBroken un-reserves a piece whose checksum failed (or whose
// in-flight state is being discarded, e.g. on pause).
func (l *PieceLedger) MarkPieceBroken(piece int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	if tracker, ok := l.chunks.Value, l.chunks.Ok; ok {
		tracker.MarkPieceBroken(piece)
	}
	delete(l.inflightPieces, piece)
}

// InflightSnapshot returns a copy of all current reservations, for the
// piece-selection policy's steal scan.
func (l *PieceLedger) InflightSnapshot() map[int]InflightPiece {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int]InflightPiece, len(l.inflightPieces))
	for k, v := range l.inflightPieces {
		out[k] = v
	}
	return out
}

// HavePiecesBitfield returns the bit-exact byte buffer used to serialise
// outgoing Bitfield messages.
func (l *PieceLedger) HavePiecesBitfield() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return nil
	}
	return tracker.HavePiecesBitfield()
}

// IsPieceComplete reports whether a piece is already verified and written,
// used by on_request's ready-to-upload check.
func (l *PieceLedger) IsPieceComplete(piece int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return false
	}
	return tracker.IsPieceComplete(piece)
}

// CalcHaveBytes recomputes the verified-byte total from the tracker;
// used on pause to reconstruct the paused snapshot.
func (l *PieceLedger) CalcHaveBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return 0
	}
	return tracker.HaveBytes()
}

// TakeChunks removes the chunk tracker from the ledger (pause), marking
// every currently reserved piece as broken first so partially-completed
// pieces are discarded on resume, and returns the tracker plus the
// have-bitfield to persist.
func (l *PieceLedger) TakeChunks() (*chunktracker.Tracker, []byte, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	tracker, ok := l.chunks.Value, l.chunks.Ok
	if !ok {
		return nil, nil, 0
	}
	for piece := range l.inflightPieces {
		tracker.MarkPieceBroken(piece)
	}
	l.inflightPieces = make(map[int]InflightPiece)
	bitfield := tracker.HavePiecesBitfield()
	haveBytes := tracker.HaveBytes()
	l.chunks = g.None[*chunktracker.Tracker]()
	return tracker, bitfield, haveBytes
}

// TakeFatalErrorsTx takes the fatal-error channel out of the ledger,
// returning ok=false on the second and subsequent calls (ledger state
// violation per §7, logged as a bug by the caller).
func (l *PieceLedger) TakeFatalErrorsTx() (chan<- error, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	globalLockOrder.onLedgerLock()
	defer globalLockOrder.onLedgerUnlock()

	tx, ok := l.fatalErrorsTx.Value, l.fatalErrorsTx.Ok
	if !ok {
		return nil, false
	}
	l.fatalErrorsTx = g.None[chan<- error]()
	return tx, true
}
