package livetorrent

import (
	"context"
	"net/http"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/livetorrent/internal/trackerclient"
)

// TrackerMonitor (C5) runs one task per tracker URL: periodic announce
// with event transitions, feeding discovered peers into the peer adder.
type TrackerMonitor struct {
	url    string
	client *http.Client
	logger log.Logger

	info       SessionInfo
	addPeer    func(addr string)
	uploaded   *Count
	downloaded *Count
	left       func() int64

	forceInterval time.Duration
	failureBackoff time.Duration

	// Status is the last-observed outcome, for operator-facing monitoring
	// (the supplemented tracker-warning surfacing in SPEC_FULL §4).
	Status TrackerStatus
}

// TrackerStatus is the per-URL monitoring snapshot.
type TrackerStatus struct {
	URL          string
	LastAnnounce time.Time
	NumPeers     int
	Interval     time.Duration
	LastError    error
	ErrorKind    trackerclient.TrackerErrorKind
	Warning      string
}

func NewTrackerMonitor(
	url string,
	info SessionInfo,
	addPeer func(addr string),
	uploaded, downloaded *Count,
	left func() int64,
) *TrackerMonitor {
	return &TrackerMonitor{
		url:            url,
		client:         &http.Client{Timeout: 30 * time.Second},
		logger:         info.Options.Logger,
		info:           info,
		addPeer:        addPeer,
		uploaded:       uploaded,
		downloaded:     downloaded,
		left:           left,
		forceInterval:  info.Options.ForceTrackerInterval,
		failureBackoff: info.Options.TrackerFailureBackoff,
		Status:         TrackerStatus{URL: url},
	}
}

// Run loops announcing until ctx is cancelled (pause's broadcast signal).
func (m *TrackerMonitor) Run(ctx context.Context) {
	event := trackerclient.EventStarted
	for {
		if ctx.Err() != nil {
			return
		}
		interval := m.announceOnce(ctx, event)
		event = trackerclient.EventNone

		if m.forceInterval > 0 {
			interval = m.forceInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (m *TrackerMonitor) announceOnce(ctx context.Context, event trackerclient.Event) time.Duration {
	req := trackerclient.AnnounceRequest{
		InfoHash:   m.info.InfoHash,
		PeerID:     m.info.PeerID,
		Port:       6881,
		Uploaded:   m.uploaded.Int64(),
		Downloaded: m.downloaded.Int64(),
		Left:       m.left(),
		Event:      event,
	}
	resp, status, err := trackerclient.Announce(ctx, m.client, m.url, req)
	if err != nil {
		kind := trackerclient.Classify(err, status)
		m.Status.LastError = err
		m.Status.ErrorKind = kind
		m.logger.WithDefaultLevel(log.Debug).Printf("tracker %s announce failed: %v (%s)", m.url, err, kind)
		return m.failureBackoff
	}

	m.Status.LastError = nil
	m.Status.ErrorKind = ""
	m.Status.LastAnnounce = time.Now()
	m.Status.NumPeers = len(resp.Peers)
	m.Status.Warning = resp.Warning
	if resp.Warning != "" {
		m.logger.WithDefaultLevel(log.Debug).Printf("tracker %s warning: %s", m.url, resp.Warning)
	}

	for _, p := range resp.Peers {
		m.addPeer(p.String())
	}

	interval := time.Duration(resp.Interval) * time.Second
	m.Status.Interval = interval
	if interval <= 0 {
		interval = m.failureBackoff
	}
	return interval
}

// IsWorking reports whether the most recent announce succeeded.
func (s TrackerStatus) IsWorking() bool {
	return s.LastError == nil && !s.LastAnnounce.IsZero()
}
