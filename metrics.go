package livetorrent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sessionMetrics mirrors AtomicSessionCounters and the peer-state totals of
// §5 as Prometheus collectors, registered per-session so multiple sessions
// in one process don't collide on metric identity.
type sessionMetrics struct {
	fetchedBytes  prometheus.Counter
	checkedBytes  prometheus.Counter
	uploadedBytes prometheus.Counter
	peersByState  *prometheus.GaugeVec
	inflightPieces prometheus.Gauge
}

func newSessionMetrics(reg prometheus.Registerer, infoHashHex string) *sessionMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"info_hash": infoHashHex}
	return &sessionMetrics{
		fetchedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livetorrent_fetched_bytes_total",
			Help:        "Bytes received from peers, verified or not.",
			ConstLabels: labels,
		}),
		checkedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livetorrent_checked_bytes_total",
			Help:        "Bytes belonging to pieces that passed SHA-1 verification.",
			ConstLabels: labels,
		}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livetorrent_uploaded_bytes_total",
			Help:        "Bytes served to peers in response to Request messages.",
			ConstLabels: labels,
		}),
		peersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "livetorrent_peers",
			Help:        "Current peer count by lifecycle state.",
			ConstLabels: labels,
		}, []string{"state"}),
		inflightPieces: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "livetorrent_inflight_pieces",
			Help:        "Pieces currently reserved or stolen by a peer task.",
			ConstLabels: labels,
		}),
	}
}

// sample mirrors the session's monotonic byte counters into the Prometheus
// counters (as a delta against the last-seen total, since Count is a plain
// running total but prometheus.Counter only grows via Add) and snapshots
// the peer table and inflight-piece count into the gauges. It is cheap
// enough to call from the same ticker that drives the speed estimator.
func (m *sessionMetrics) sample(s *LiveSession, last *AtomicSessionCounters) {
	if m == nil {
		return
	}
	fetched := s.counters.FetchedBytes.Int64()
	checked := s.counters.DownloadedCheckedBytes.Int64()
	uploaded := s.counters.UploadedBytes.Int64()

	if d := fetched - last.FetchedBytes.Int64(); d > 0 {
		m.fetchedBytes.Add(float64(d))
	}
	if d := checked - last.DownloadedCheckedBytes.Int64(); d > 0 {
		m.checkedBytes.Add(float64(d))
	}
	if d := uploaded - last.UploadedBytes.Int64(); d > 0 {
		m.uploadedBytes.Add(float64(d))
	}
	last.FetchedBytes = Count{}
	last.FetchedBytes.Add(fetched)
	last.DownloadedCheckedBytes = Count{}
	last.DownloadedCheckedBytes.Add(checked)
	last.UploadedBytes = Count{}
	last.UploadedBytes.Add(uploaded)

	counts := s.peers.Counts
	m.peersByState.WithLabelValues("queued").Set(float64(counts.Queued.Int64()))
	m.peersByState.WithLabelValues("connecting").Set(float64(counts.Connecting.Int64()))
	m.peersByState.WithLabelValues("live").Set(float64(counts.Live.Int64()))
	m.peersByState.WithLabelValues("dead").Set(float64(counts.Dead.Int64()))
	m.peersByState.WithLabelValues("not_needed").Set(float64(counts.NotNeeded.Int64()))
	m.inflightPieces.Set(float64(len(s.ledger.InflightSnapshot())))
}
