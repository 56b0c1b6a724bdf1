// Package chunktracker holds the piece/chunk bookkeeping primitives the
// piece ledger wraps under a lock: iteration over needed pieces,
// reserve/cancel/mark-downloaded/mark-broken, have-bitfield export, and
// byte accounting. Nothing in this package is safe for concurrent use;
// callers (the ledger) supply their own exclusion.
package chunktracker

import (
	"github.com/RoaringBitmap/roaring"
)

const DefaultChunkSize = 16 * 1024

// Result is the outcome of marking a chunk as downloaded.
type Result int

const (
	NotCompleted Result = iota
	Completed
	PreviouslyCompleted
	Invalid
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case PreviouslyCompleted:
		return "previously_completed"
	case Invalid:
		return "invalid"
	default:
		return "not_completed"
	}
}

// Lengths describes a torrent's size/shape, independent of any particular
// peer connection.
type Lengths struct {
	TotalLength int64
	PieceLength int64
	ChunkSize   int64
	NumPieces   int
}

// PieceLengthAt returns the length of the piece at index, accounting for a
// shorter final piece.
func (l Lengths) PieceLengthAt(index int) int64 {
	if index == l.NumPieces-1 {
		last := l.TotalLength - int64(index)*l.PieceLength
		if last > 0 {
			return last
		}
	}
	return l.PieceLength
}

// ChunksInPiece returns the number of chunks the piece at index is divided into.
func (l Lengths) ChunksInPiece(index int) int {
	pl := l.PieceLengthAt(index)
	return int((pl + l.ChunkSize - 1) / l.ChunkSize)
}

// ChunkIndexAt maps a chunk's byte offset within its piece to a chunk index,
// returning false if begin/length do not land on a chunk boundary.
func (l Lengths) ChunkIndexAt(pieceIndex int, begin, length int64) (int, bool) {
	if l.ChunkSize == 0 || begin%l.ChunkSize != 0 {
		return 0, false
	}
	idx := int(begin / l.ChunkSize)
	if idx < 0 || idx >= l.ChunksInPiece(pieceIndex) {
		return 0, false
	}
	expected := l.ChunkLength(pieceIndex, idx)
	if expected != length {
		return 0, false
	}
	return idx, true
}

// ChunkLength returns the length in bytes of the given chunk of a piece.
func (l Lengths) ChunkLength(pieceIndex, chunkIndex int) int64 {
	pl := l.PieceLengthAt(pieceIndex)
	begin := int64(chunkIndex) * l.ChunkSize
	if begin >= pl {
		return 0
	}
	remain := pl - begin
	if remain > l.ChunkSize {
		return l.ChunkSize
	}
	return remain
}

// BitfieldBytes is the number of bytes needed to hold one bit per piece.
func (l Lengths) BitfieldBytes() int {
	return (l.NumPieces + 7) / 8
}

// Tracker is the concrete chunk tracker: piece/chunk bookkeeping backed by
// roaring bitmaps, sized for torrents with many thousands of pieces.
type Tracker struct {
	lengths Lengths

	completed *roaring.Bitmap // piece-level: fully verified and written
	reserved  *roaring.Bitmap // piece-level: currently assigned in inflight_pieces

	// requested/downloaded chunk indices, keyed by piece index. Entries only
	// exist for pieces currently reserved.
	requestedChunks map[int]*roaring.Bitmap
	downloadedChunks map[int]*roaring.Bitmap
}

// New builds a tracker with the given shape and an initial have-bitfield
// (as produced by HavePiecesBitfield / a resumed snapshot).
func New(lengths Lengths, haveBitfield []byte) *Tracker {
	t := &Tracker{
		lengths:          lengths,
		completed:        roaring.New(),
		reserved:         roaring.New(),
		requestedChunks:  make(map[int]*roaring.Bitmap),
		downloadedChunks: make(map[int]*roaring.Bitmap),
	}
	for i := 0; i < lengths.NumPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(haveBitfield) {
			break
		}
		bit := byte(0x80) >> uint(i%8)
		if haveBitfield[byteIdx]&bit != 0 {
			t.completed.Add(uint32(i))
		}
	}
	return t
}

// NeededPieceIndices is a lazy, finite iterator over pieces not yet
// completed and not currently reserved, in sequential piece-index order.
func (t *Tracker) NeededPieceIndices() func(yield func(int) bool) {
	return func(yield func(int) bool) {
		for i := 0; i < t.lengths.NumPieces; i++ {
			u := uint32(i)
			if t.completed.Contains(u) || t.reserved.Contains(u) {
				continue
			}
			if !yield(i) {
				return
			}
		}
	}
}

// IsPieceNeeded reports whether piece is neither completed nor reserved.
func (t *Tracker) IsPieceNeeded(piece int) bool {
	u := uint32(piece)
	return !t.completed.Contains(u) && !t.reserved.Contains(u)
}

// Reserve marks all chunks of piece as requested.
func (t *Tracker) Reserve(piece int) {
	t.reserved.Add(uint32(piece))
	full := roaring.New()
	n := t.lengths.ChunksInPiece(piece)
	for c := 0; c < n; c++ {
		full.Add(uint32(c))
	}
	t.requestedChunks[piece] = full
	t.downloadedChunks[piece] = roaring.New()
}

// CancelChunk re-marks a single chunk of a reserved piece as needed. The
// piece itself stays reserved (the ledger's inflight_pieces map is the
// authority on that); this only lets the chunk be re-requested.
func (t *Tracker) CancelChunk(piece, chunk int) {
	if b, ok := t.requestedChunks[piece]; ok {
		b.Remove(uint32(chunk))
	}
}

// MarkChunkDownloaded records a downloaded chunk and reports whether its
// piece is now fully downloaded.
func (t *Tracker) MarkChunkDownloaded(piece int, begin, length int64) Result {
	if t.completed.Contains(uint32(piece)) {
		return PreviouslyCompleted
	}
	chunkIdx, ok := t.lengths.ChunkIndexAt(piece, begin, length)
	if !ok {
		return Invalid
	}
	downloaded, ok := t.downloadedChunks[piece]
	if !ok {
		return Invalid
	}
	downloaded.Add(uint32(chunkIdx))
	if int(downloaded.GetCardinality()) >= t.lengths.ChunksInPiece(piece) {
		return Completed
	}
	return NotCompleted
}

// MarkPieceDownloaded finalises a piece as verified and written.
func (t *Tracker) MarkPieceDownloaded(piece int) {
	t.completed.Add(uint32(piece))
	t.reserved.Remove(uint32(piece))
	delete(t.requestedChunks, piece)
	delete(t.downloadedChunks, piece)
}

// MarkPieceBroken un-reserves a piece whose checksum failed (or whose
// in-flight download was discarded, e.g. on pause), returning its chunks to
// the needed set.
func (t *Tracker) MarkPieceBroken(piece int) {
	t.reserved.Remove(uint32(piece))
	delete(t.requestedChunks, piece)
	delete(t.downloadedChunks, piece)
}

// IsPieceComplete reports whether a piece has been verified and written.
func (t *Tracker) IsPieceComplete(piece int) bool {
	return t.completed.Contains(uint32(piece))
}

// HavePiecesBitfield renders the completed set as a BEP3 bitfield (MSB
// first within each byte).
func (t *Tracker) HavePiecesBitfield() []byte {
	buf := make([]byte, t.lengths.BitfieldBytes())
	it := t.completed.Iterator()
	for it.HasNext() {
		i := it.Next()
		buf[i/8] |= 0x80 >> (i % 8)
	}
	return buf
}

// HaveBytes recomputes the total size of completed pieces from scratch, so
// it never drifts from the completed set.
func (t *Tracker) HaveBytes() int64 {
	var total int64
	it := t.completed.Iterator()
	for it.HasNext() {
		total += t.lengths.PieceLengthAt(int(it.Next()))
	}
	return total
}

// Lengths returns the shape this tracker was built for.
func (t *Tracker) Lengths() Lengths {
	return t.lengths
}
