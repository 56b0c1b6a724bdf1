// Package resumer persists the paused-session snapshot — info, file
// paths, the chunk tracker's have-bitfield and have-bytes — across process
// restarts. This is the external "paused-state snapshot" collaborator the
// live session is constructed from and pauses into.
package resumer

import (
	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
	bolt "go.etcd.io/bbolt"

	"github.com/dannyzb/livetorrent/internal/metainfo"
)

var bucketName = []byte("livetorrent-resume")

// Snapshot is the opaque value carrying the ledger contents and file
// layout across a pause/resume boundary. It deliberately does not carry
// live FileSlot handles: those are re-opened by the caller from Filenames.
type Snapshot struct {
	InfoHash     [20]byte            `bencode:"info_hash"`
	Name         string              `bencode:"name"`
	PieceLength  int64               `bencode:"piece_length"`
	TotalLength  int64               `bencode:"total_length"`
	ChunkSize    int64               `bencode:"chunk_size"`
	PieceHashes  []metainfo.Hash     `bencode:"piece_hashes"`
	Filenames    []string            `bencode:"filenames"`
	FileLengths  []int64             `bencode:"file_lengths"`
	Trackers     []string            `bencode:"trackers"`
	HaveBitfield []byte              `bencode:"have_bitfield"`
	HaveBytes    int64               `bencode:"have_bytes"`
}

// Store persists snapshots in a bbolt database, keyed by info-hash.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) a bbolt-backed resume store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening resume database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating resume bucket")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap under its info-hash.
func (s *Store) Save(snap *Snapshot) error {
	payload, err := bencode.EncodeBytes(snap)
	if err != nil {
		return errors.Wrap(err, "encoding resume snapshot")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(snap.InfoHash[:], payload)
	})
}

// Load reads back the snapshot for infoHash, returning (nil, nil) if absent.
func (s *Store) Load(infoHash [20]byte) (*Snapshot, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(infoHash[:])
		if v != nil {
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := bencode.DecodeBytes(payload, &snap); err != nil {
		return nil, errors.Wrap(err, "decoding resume snapshot")
	}
	return &snap, nil
}

// Delete removes any persisted snapshot for infoHash (e.g. after a torrent
// is fully removed rather than merely paused).
func (s *Store) Delete(infoHash [20]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(infoHash[:])
	})
}
