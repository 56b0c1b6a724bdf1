package livetorrent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"golang.org/x/sync/errgroup"

	"github.com/dannyzb/livetorrent/internal/chunktracker"
	"github.com/dannyzb/livetorrent/internal/fileio"
	"github.com/dannyzb/livetorrent/internal/metainfo"
	"github.com/dannyzb/livetorrent/internal/peerprotocol"
	"github.com/dannyzb/livetorrent/internal/resumer"
)

// AtomicSessionCounters are the session-wide monitoring and
// completion-predicate counters (§3, §7). FetchedBytes/HaveBytes and the
// pieces/ms accumulators drive the speed estimator and the steal policy's
// average; they must be release-on-write, acquire-on-read in spirit, which
// Count's plain atomic int64 load/store already gives on every architecture
// Go supports.
type AtomicSessionCounters struct {
	FetchedBytes            Count
	HaveBytes               Count
	DownloadedCheckedBytes  Count
	DownloadedCheckedPieces Count
	TotalPieceDownloadMS    Count
	UploadedBytes           Count
}

// PeerStatsFilter selects which peers PerPeerStatsSnapshot reports on — the
// supplemented per-peer-stats filtering (SPEC_FULL §4 item 1).
type PeerStatsFilter int

const (
	FilterAllPeers PeerStatsFilter = iota
	FilterLivePeers
	FilterSeedingPeers // Live peers reporting a complete bitfield
)

// PeerStatsEntry is one peer's reported snapshot for PerPeerStatsSnapshot.
type PeerStatsEntry struct {
	Addr     string
	State    PeerState
	Counters AtomicPeerCounters
}

// LiveSession is C6, the supervisor tying together the piece ledger, peer
// table, peer adder, tracker monitors, and file layout into one running
// torrent download/seed session.
type LiveSession struct {
	info SessionInfo

	peers  *PeerTable
	ledger *PieceLedger
	layout *fileio.Layout
	adder  *PeerAdder
	trackers []*TrackerMonitor

	counters     AtomicSessionCounters
	metrics      *sessionMetrics
	metricsDelta AtomicSessionCounters
	speed        SpeedEstimator
	logger       log.Logger

	cancel    context.CancelFunc
	cancelled context.Context

	tasks *errgroup.Group

	finished chansync.SetOnce

	fatalOnce sync.Once
	fatalErr  error
}

// New constructs a session from its immutable metadata and either a fresh
// start (paused == nil) or a resumed snapshot (§4.6, §8.6). The returned
// session is not yet running; call Run to start its background tasks.
func New(info SessionInfo, paths []string, paused *resumer.Snapshot) (*LiveSession, error) {
	haveBitfield := make([]byte, info.BitfieldBytes())
	if paused != nil {
		copy(haveBitfield, paused.HaveBitfield)
	}
	tracker := chunktracker.New(info.Lengths, haveBitfield)

	files := make([]metainfo.FileEntry, len(info.Files))
	for i, f := range info.Files {
		files[i] = metainfo.FileEntry{Path: f.Path, Length: f.Length}
	}

	slots := make([]fileio.FileSlot, len(paths))
	for i, p := range paths {
		slot, err := fileio.OpenReadWrite(p, files[i].Length)
		if err != nil {
			return nil, err
		}
		slots[i] = slot
	}
	layout := fileio.NewLayout(files, slots)

	fatalErrorsTx := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())

	s := &LiveSession{
		info:      info,
		peers:     NewPeerTable(),
		ledger:    NewPieceLedger(tracker, fatalErrorsTx),
		layout:    layout,
		logger:    info.Options.Logger,
		cancel:    cancel,
		cancelled: ctx,
	}
	s.adder = NewPeerAdder(s.peers, info.Options.MaxActivePeers, newPeerBackoff, s.IsFinished, s.ManagePeer, s.logger)
	if info.Options.MetricsRegisterer != nil {
		s.metrics = newSessionMetrics(info.Options.MetricsRegisterer, fmt.Sprintf("%x", info.InfoHash))
	}

	for _, url := range info.Trackers {
		s.trackers = append(s.trackers, NewTrackerMonitor(
			url, info, s.adder.AddPeerIfNotSeen,
			&s.counters.UploadedBytes, &s.counters.FetchedBytes,
			s.bytesLeft,
		))
	}

	go s.drainFatalErrors(fatalErrorsTx)

	return s, nil
}

// Run starts the peer adder, every tracker monitor, and the speed
// estimator loop under one errgroup.Group so Wait can block for the whole
// task fleet's shutdown after Pause or cancellation; it returns
// immediately.
func (s *LiveSession) Run() {
	g, ctx := errgroup.WithContext(s.cancelled)
	s.tasks = g
	g.Go(func() error {
		s.adder.Run(ctx)
		return nil
	})
	for _, tm := range s.trackers {
		tm := tm
		g.Go(func() error {
			tm.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.speedEstimatorLoop(ctx)
		return nil
	})
}

// Wait blocks until every background task spawned by Run has exited, which
// happens once Pause or an onFatalError cancellation propagates through
// s.cancelled. It is meant for the process entrypoint's shutdown path, not
// the request-serving hot path.
func (s *LiveSession) Wait() error {
	if s.tasks == nil {
		return nil
	}
	return s.tasks.Wait()
}

func (s *LiveSession) speedEstimatorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.speed.Update(s.counters.FetchedBytes.Int64(), s.bytesLeft(), now)
			s.logger.WithDefaultLevel(log.Debug).Printf("%s: %s", s.info.Name, s.speed.String())
			s.metrics.sample(s, &s.metricsDelta)
		}
	}
}

// bytesLeft is the tracker announce's "left" field and the speed
// estimator's remaining-bytes input, derived from the ledger's verified
// byte total so it never drifts from the chunk tracker's own bookkeeping.
func (s *LiveSession) bytesLeft() int64 {
	left := s.info.Lengths.TotalLength - s.ledger.CalcHaveBytes()
	if left < 0 {
		return 0
	}
	return left
}

// IsFinished reports whether every piece has been downloaded and verified.
func (s *LiveSession) IsFinished() bool {
	return s.finished.IsSet()
}

// checkFinished reports whether the torrent has just become complete; it
// is cheap to call after every piece verification since NeededPieceIndices
// is a finite scan capped at NumPieces.
func (s *LiveSession) checkFinished() bool {
	if s.IsFinished() {
		return false
	}
	done := true
	s.ledger.NeededPieceIndices(func(int) bool {
		done = false
		return false
	})
	return done
}

// onFinished marks the session complete and broadcasts FinishedNotify on
// every Live peer's entry.
func (s *LiveSession) onFinished() {
	if !s.finished.Set() {
		return
	}
	s.peers.ForEachLive(func(addr string, e *PeerEntry) {
		e.FinishedNotify.Broadcast()
	})
}

// WaitUntilCompleted blocks until every piece is downloaded and verified,
// ctx is cancelled, or a fatal error occurs.
func (s *LiveSession) WaitUntilCompleted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.finished.Done():
		return nil
	case <-s.cancelled.Done():
		return s.FatalError()
	}
}

// verifyPiece checks data's SHA-1 against the expected piece hash.
func (s *LiveSession) verifyPiece(index int, data []byte) bool {
	if index < 0 || index >= len(s.info.PieceHashes) {
		return false
	}
	return fileio.VerifyPiece(data, s.info.PieceHashes[index])
}

// maybeTransmitHaves fans a Have(index) out to every Live peer lacking the
// piece, per §4.3.2/§4.6; it is spawned so the caller (the piece-reception
// path) is never delayed by a slow peer's mailbox.
func (s *LiveSession) maybeTransmitHaves(index int) {
	go s.peers.ForEachLive(func(addr string, e *PeerEntry) {
		if e.Live == nil {
			return
		}
		if e.Live.Bitfield.Contains(bitmap.BitIndex(index)) {
			return
		}
		select {
		case e.Live.Writer <- peerprotocol.Message{ID: peerprotocol.Have, Index: index}:
		default:
			// Peer's mailbox is saturated; a stale Have is not worth
			// blocking the piece-reception path over.
		}
	})
}

// onFatalError records the first fatal error and cancels the session (§7):
// subsequent calls are no-ops.
func (s *LiveSession) onFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.logger.WithDefaultLevel(log.Error).Printf("fatal session error: %v", err)
		s.cancel()
	})
}

// FatalError returns the error that triggered cancellation, if any.
func (s *LiveSession) FatalError() error {
	return s.fatalErr
}

func (s *LiveSession) drainFatalErrors(rx <-chan error) {
	select {
	case err, ok := <-rx:
		if ok && err != nil {
			s.onFatalError(err)
		}
	case <-s.cancelled.Done():
	}
}

// Pause tears the session down into a resumable snapshot within
// PauseGraceTimeout (§4.6, §8.6): cancel every background task, take the
// chunk tracker out of the ledger (discarding partially-downloaded
// pieces), swap every file to a null-device sentinel, and render the
// result as a Snapshot ready for resumer.Store.Save.
func (s *LiveSession) Pause() (*resumer.Snapshot, error) {
	s.cancel()

	if s.tasks != nil {
		taskDone := make(chan struct{})
		go func() {
			s.tasks.Wait()
			close(taskDone)
		}()
		select {
		case <-taskDone:
		case <-time.After(s.info.Options.PauseGraceTimeout):
		}
	}

	null := make([]fileio.FileSlot, len(s.info.Files))
	for i := range null {
		null[i] = fileio.NullFileSlot{}
	}
	old := s.layout.ReplaceSlots(null)
	for _, slot := range old {
		slot.Close()
	}

	_, bitfield, haveBytes := s.ledger.TakeChunks()

	filenames := make([]string, len(s.info.Files))
	lengths := make([]int64, len(s.info.Files))
	for i, f := range s.info.Files {
		filenames[i] = f.Path
		lengths[i] = f.Length
	}

	return &resumer.Snapshot{
		InfoHash:     s.info.InfoHash,
		Name:         s.info.Name,
		PieceLength:  s.info.Lengths.PieceLength,
		TotalLength:  s.info.Lengths.TotalLength,
		ChunkSize:    s.info.Lengths.ChunkSize,
		PieceHashes:  s.info.PieceHashes,
		Filenames:    filenames,
		FileLengths:  lengths,
		Trackers:     s.info.Trackers,
		HaveBitfield: bitfield,
		HaveBytes:    haveBytes,
	}, nil
}

// StatsSnapshot reports the session-wide monitoring counters and derived
// speed/ETA estimates.
type StatsSnapshot struct {
	FetchedBytes            int64
	HaveBytes               int64
	DownloadedCheckedBytes  int64
	DownloadedCheckedPieces int64
	BytesLeft               int64
	BytesPerSecond          float64
	ETA                     time.Duration
	NumPeers                PeerCounts
	Finished                bool
}

func (s *LiveSession) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		FetchedBytes:            s.counters.FetchedBytes.Int64(),
		HaveBytes:               s.ledger.CalcHaveBytes(),
		DownloadedCheckedBytes:  s.counters.DownloadedCheckedBytes.Int64(),
		DownloadedCheckedPieces: s.counters.DownloadedCheckedPieces.Int64(),
		BytesLeft:               s.bytesLeft(),
		BytesPerSecond:          s.speed.BytesPerSecond(),
		ETA:                     s.speed.ETA(),
		NumPeers:                s.peers.Counts,
		Finished:                s.IsFinished(),
	}
}

// PerPeerStatsSnapshot reports per-peer counters filtered per filter — the
// supplemented per-peer observability surface (SPEC_FULL §4 item 1).
func (s *LiveSession) PerPeerStatsSnapshot(filter PeerStatsFilter) []PeerStatsEntry {
	var out []PeerStatsEntry
	s.peers.ForEachLive(func(addr string, e *PeerEntry) {
		if filter == FilterSeedingPeers {
			complete := true
			for i := 0; i < s.info.Lengths.NumPieces; i++ {
				if !e.Live.Bitfield.Contains(bitmap.BitIndex(i)) {
					complete = false
					break
				}
			}
			if !complete {
				return
			}
		}
		out = append(out, PeerStatsEntry{Addr: addr, State: Live, Counters: e.Stats.Counters})
	})
	if filter != FilterAllPeers {
		return out
	}
	// All-peers also surfaces Queued/Connecting/Dead/NotNeeded entries, not
	// just Live ones; ForEachLive only visits Live, so this second pass
	// covers the rest.
	for _, shard := range s.peers.shards {
		shard.mu.RLock()
		for addr, e := range shard.entries {
			e.Lock()
			st := e.state
			if st != Live {
				out = append(out, PeerStatsEntry{Addr: addr, State: st, Counters: e.Stats.Counters})
			}
			e.Unlock()
		}
		shard.mu.RUnlock()
	}
	return out
}
