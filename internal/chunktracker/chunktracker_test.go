package chunktracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLengths() Lengths {
	return Lengths{
		TotalLength: 2 * 16384,
		PieceLength: 16384,
		ChunkSize:   16384,
		NumPieces:   2,
	}
}

func TestReservationRoundTrip(t *testing.T) {
	tr := New(testLengths(), nil)
	require.True(t, tr.IsPieceNeeded(0))
	tr.Reserve(0)
	require.False(t, tr.IsPieceNeeded(0))
	tr.CancelChunk(0, 0)
	// cancel_chunk alone does not restore needed status; the ledger's
	// inflight_pieces map is the authority on reservation.
	require.False(t, tr.IsPieceNeeded(0))
	tr.MarkPieceBroken(0)
	require.True(t, tr.IsPieceNeeded(0))
}

func TestMarkChunkDownloadedCompletion(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(0)
	res := tr.MarkChunkDownloaded(0, 0, 16384)
	assert.Equal(t, Completed, res)
}

func TestMarkChunkDownloadedPreviouslyCompleted(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(0)
	tr.MarkPieceDownloaded(0)
	res := tr.MarkChunkDownloaded(0, 0, 16384)
	assert.Equal(t, PreviouslyCompleted, res)
}

func TestMarkChunkDownloadedInvalidOffset(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(0)
	res := tr.MarkChunkDownloaded(0, 1, 16384)
	assert.Equal(t, Invalid, res)
}

func TestNeededPieceIndicesSkipsCompletedAndReserved(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(0)
	var got []int
	for i := range tr.NeededPieceIndices() {
		got = append(got, i)
	}
	assert.Equal(t, []int{1}, got)
}

func TestHaveBitfieldRoundTrip(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(1)
	tr.MarkPieceDownloaded(1)
	bf := tr.HavePiecesBitfield()
	require.Len(t, bf, 1)
	assert.Equal(t, byte(0x40), bf[0]) // bit 1 set, MSB-first

	tr2 := New(testLengths(), bf)
	assert.True(t, tr2.IsPieceComplete(1))
	assert.False(t, tr2.IsPieceComplete(0))
}

func TestHaveBytes(t *testing.T) {
	tr := New(testLengths(), nil)
	tr.Reserve(0)
	tr.MarkPieceDownloaded(0)
	assert.EqualValues(t, 16384, tr.HaveBytes())
}
