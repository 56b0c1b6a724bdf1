// Package metainfo decodes the bencoded .torrent file format into the
// piece/file layout the rest of the session needs.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

const HashSize = 20

type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// FileEntry is one file inside a (possibly multi-file) torrent.
type FileEntry struct {
	// Path is the file's path relative to the torrent's root, joined with "/".
	Path string
	// Length is the file's length in bytes.
	Length int64
}

// Info is the decoded, ready-to-use form of a torrent's info dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []Hash
	Files       []FileEntry
	TotalLength int64
}

// MetaInfo is a fully decoded .torrent file.
type MetaInfo struct {
	Info         Info
	InfoHash     Hash
	AnnounceList [][]string
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []rawFile  `bencode:"files,omitempty"`
}

type rawMetaInfo struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
}

// Parse decodes a .torrent file's bytes into a MetaInfo.
func Parse(data []byte) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencode.DecodeBytes(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding torrent envelope")
	}
	var ri rawInfo
	if err := bencode.DecodeBytes(raw.Info, &ri); err != nil {
		return nil, errors.Wrap(err, "decoding info dict")
	}
	info, err := buildInfo(ri)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(raw.Info)

	announceList := raw.AnnounceList
	if len(announceList) == 0 && raw.Announce != "" {
		announceList = [][]string{{raw.Announce}}
	}

	return &MetaInfo{
		Info:         info,
		InfoHash:     Hash(sum),
		AnnounceList: announceList,
	}, nil
}

func buildInfo(ri rawInfo) (Info, error) {
	if ri.PieceLength <= 0 {
		return Info{}, errors.New("metainfo: non-positive piece length")
	}
	if len(ri.Pieces)%HashSize != 0 {
		return Info{}, errors.New("metainfo: pieces string not a multiple of hash size")
	}
	numPieces := len(ri.Pieces) / HashSize
	hashes := make([]Hash, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], ri.Pieces[i*HashSize:(i+1)*HashSize])
	}

	var files []FileEntry
	var total int64
	if len(ri.Files) > 0 {
		files = make([]FileEntry, len(ri.Files))
		for i, f := range ri.Files {
			path := joinPath(append([]string{ri.Name}, f.Path...))
			files[i] = FileEntry{Path: path, Length: f.Length}
			total += f.Length
		}
	} else {
		files = []FileEntry{{Path: ri.Name, Length: ri.Length}}
		total = ri.Length
	}

	return Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Pieces:      hashes,
		Files:       files,
		TotalLength: total,
	}, nil
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// PieceLengthAt returns the length of the piece at index, accounting for a
// possibly-shorter final piece.
func (i Info) PieceLengthAt(index int) int64 {
	if index == len(i.Pieces)-1 {
		last := i.TotalLength - int64(index)*i.PieceLength
		if last > 0 {
			return last
		}
	}
	return i.PieceLength
}

// NumPieces returns the number of pieces described by the info dict.
func (i Info) NumPieces() int {
	return len(i.Pieces)
}

// BitfieldBytes returns the number of bytes needed to hold one bit per piece.
func (i Info) BitfieldBytes() int {
	return (len(i.Pieces) + 7) / 8
}
