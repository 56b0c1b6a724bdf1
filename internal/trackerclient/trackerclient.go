// Package trackerclient is the external tracker HTTP client collaborator:
// it builds announce requests, issues them, and decodes the bencoded
// response into peer address batches and a re-announce interval.
package trackerclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"

	perrors "github.com/pkg/errors"
	"github.com/zeebo/bencode"

	"github.com/dannyzb/livetorrent/version"
)

// Event is the tracker announce event field.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest is one announce call's parameters.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResponse is the decoded, successful tracker reply.
type AnnounceResponse struct {
	Interval int
	Peers    []netip.AddrPort
	Warning  string
}

// TrackerErrorKind classifies a tracker failure for operator-facing
// monitoring, mirroring the error taxonomy surfaced by status reporting.
type TrackerErrorKind string

const (
	ErrKindTorrentNotRegistered TrackerErrorKind = "torrent_not_registered"
	ErrKindTrackerNotFound      TrackerErrorKind = "tracker_not_found"
	ErrKindTrackerUnavailable   TrackerErrorKind = "tracker_unavailable"
	ErrKindTrackerHTTPError     TrackerErrorKind = "tracker_http_error"
	ErrKindTrackerFailure       TrackerErrorKind = "tracker_failure"
	ErrKindAuthenticationFailed TrackerErrorKind = "authentication_failed"
	ErrKindDNSError             TrackerErrorKind = "dns_error"
	ErrKindTimeout              TrackerErrorKind = "timeout"
	ErrKindCancelled            TrackerErrorKind = "cancelled"
	ErrKindNetworkError         TrackerErrorKind = "network_error"
	ErrKindUnknown              TrackerErrorKind = "unknown"
)

// Classify maps an announce error (and, where available, the HTTP status
// code) onto a TrackerErrorKind for operator-facing monitoring.
func Classify(err error, statusCode int) TrackerErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrKindDNSError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}
	switch statusCode {
	case http.StatusNotFound:
		return ErrKindTrackerNotFound
	case http.StatusServiceUnavailable:
		return ErrKindTrackerUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrKindAuthenticationFailed
	}
	if statusCode != 0 && statusCode >= 400 {
		return ErrKindTrackerHTTPError
	}
	var netOpErr *net.OpError
	if errors.As(err, &netOpErr) {
		return ErrKindNetworkError
	}
	return ErrKindUnknown
}

type rawFailure struct {
	Reason string `bencode:"failure reason"`
}

type rawResponse struct {
	Interval int                `bencode:"interval"`
	Peers    bencode.RawMessage `bencode:"peers"`
	Warning  string             `bencode:"warning message,omitempty"`
}

// BuildURL renders an announce request as a GET URL against base.
func BuildURL(base string, req AnnounceRequest) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", perrors.Wrap(err, "parsing tracker URL")
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "0")
	if s := req.Event.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Announce issues an announce request and decodes the response. A
// tracker-side failure envelope (the bencoded {"failure reason": ...}
// object) is surfaced as a plain error; the caller treats it as a
// transient failure and retries per the session's backoff policy.
func Announce(ctx context.Context, client *http.Client, trackerURL string, req AnnounceRequest) (*AnnounceResponse, int, error) {
	u, err := BuildURL(trackerURL, req)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, perrors.Wrap(err, "building announce request")
	}
	httpReq.Header.Set("User-Agent", version.HTTPUserAgent)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("trackerclient: non-2xx response: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, perrors.Wrap(err, "reading tracker response body")
	}

	var fail rawFailure
	if err := bencode.DecodeBytes(body, &fail); err == nil && fail.Reason != "" {
		return nil, resp.StatusCode, fmt.Errorf("trackerclient: tracker failure: %s", fail.Reason)
	}

	var raw rawResponse
	if err := bencode.DecodeBytes(body, &raw); err != nil {
		return nil, resp.StatusCode, perrors.Wrap(err, "decoding tracker response")
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return &AnnounceResponse{Interval: raw.Interval, Peers: peers, Warning: raw.Warning}, resp.StatusCode, nil
}

// decodePeers handles both the compact (binary blob) and the legacy
// dictionary-list peer encodings.
func decodePeers(raw bencode.RawMessage) ([]netip.AddrPort, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var compact string
	if err := bencode.DecodeBytes(raw, &compact); err == nil {
		return decodeCompactPeers([]byte(compact))
	}
	type dictPeer struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	var list []dictPeer
	if err := bencode.DecodeBytes(raw, &list); err != nil {
		return nil, perrors.Wrap(err, "decoding peers field")
	}
	out := make([]netip.AddrPort, 0, len(list))
	for _, p := range list {
		addr, err := netip.ParseAddr(p.IP)
		if err != nil {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, p.Port))
	}
	return out, nil
}

func decodeCompactPeers(b []byte) ([]netip.AddrPort, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("trackerclient: compact peers field not a multiple of 6 bytes")
	}
	out := make([]netip.AddrPort, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		addr := netip.AddrFrom4([4]byte{b[i], b[i+1], b[i+2], b[i+3]})
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out, nil
}
