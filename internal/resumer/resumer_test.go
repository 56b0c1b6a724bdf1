package resumer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "resume.bolt"))
	require.NoError(t, err)
	defer store.Close()

	snap := &Snapshot{
		InfoHash:     [20]byte{1, 2, 3},
		Name:         "greeting",
		PieceLength:  16384,
		TotalLength:  32768,
		ChunkSize:    16384,
		Filenames:    []string{"greeting.txt"},
		FileLengths:  []int64{32768},
		Trackers:     []string{"http://tracker.example/announce"},
		HaveBitfield: []byte{0x80},
		HaveBytes:    16384,
	}
	require.NoError(t, store.Save(snap))

	got, err := store.Load(snap.InfoHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Name, got.Name)
	assert.Equal(t, snap.HaveBitfield, got.HaveBitfield)
	assert.Equal(t, snap.HaveBytes, got.HaveBytes)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "resume.bolt"))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Load([20]byte{9, 9, 9})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "resume.bolt"))
	require.NoError(t, err)
	defer store.Close()

	snap := &Snapshot{InfoHash: [20]byte{4, 4, 4}}
	require.NoError(t, store.Save(snap))
	require.NoError(t, store.Delete(snap.InfoHash))

	got, err := store.Load(snap.InfoHash)
	require.NoError(t, err)
	assert.Nil(t, got)
}
