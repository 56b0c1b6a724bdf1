package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeTestTorrent(t *testing.T) []byte {
	t.Helper()
	info := map[string]interface{}{
		"name":         "greeting.txt",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 40)), // two zeroed hashes
		"length":       int64(20000),
	}
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)

	env := struct {
		Info     bencode.RawMessage `bencode:"info"`
		Announce string             `bencode:"announce"`
	}{
		Info:     bencode.RawMessage(infoBytes),
		Announce: "http://tracker.example/announce",
	}
	out, err := bencode.EncodeBytes(env)
	require.NoError(t, err)
	return out
}

func TestParseSingleFile(t *testing.T) {
	mi, err := Parse(encodeTestTorrent(t))
	require.NoError(t, err)
	require.Equal(t, "greeting.txt", mi.Info.Name)
	require.Equal(t, int64(16384), mi.Info.PieceLength)
	require.Equal(t, 2, mi.Info.NumPieces())
	require.Equal(t, int64(20000), mi.Info.TotalLength)
	require.Len(t, mi.Info.Files, 1)
	require.Equal(t, "http://tracker.example/announce", mi.AnnounceList[0][0])
}

func TestPieceLengthAtLastPieceShorter(t *testing.T) {
	mi, err := Parse(encodeTestTorrent(t))
	require.NoError(t, err)
	require.Equal(t, int64(16384), mi.Info.PieceLengthAt(0))
	require.Equal(t, int64(20000-16384), mi.Info.PieceLengthAt(1))
}

func TestBitfieldBytes(t *testing.T) {
	mi, err := Parse(encodeTestTorrent(t))
	require.NoError(t, err)
	require.Equal(t, 1, mi.Info.BitfieldBytes())
}
