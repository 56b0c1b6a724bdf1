package livetorrent

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/dannyzb/livetorrent/internal/peerprotocol"
)

// dialAndHandshake opens a TCP connection to addr and performs the
// BitTorrent handshake, returning the framed connection and the remote
// peer id. This core only ever dials out (adapted from the teacher's
// socket.go/dialer.go, which also listen and support uTP/WebRTC/holepunch
// branches this spec has no listener component to exercise).
func (s *LiveSession) dialAndHandshake(ctx context.Context, addr string) (*PeerConn, [20]byte, error) {
	var peerID [20]byte

	dialCtx, cancel := context.WithTimeout(ctx, s.info.Options.PeerConnectTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, peerID, errors.Wrap(err, "dialing peer")
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	if err := peerprotocol.WriteHandshake(nc, peerprotocol.Handshake{
		InfoHash: s.info.InfoHash,
		PeerID:   s.info.PeerID,
	}); err != nil {
		nc.Close()
		return nil, peerID, errors.Wrap(err, "writing handshake")
	}

	hs, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, peerID, errors.Wrap(err, "reading handshake")
	}
	if hs.InfoHash != s.info.InfoHash {
		nc.Close()
		return nil, peerID, errors.New("livetorrent: handshake info hash mismatch")
	}

	nc.SetDeadline(time.Time{})
	return newPeerConn(nc), hs.PeerID, nil
}
