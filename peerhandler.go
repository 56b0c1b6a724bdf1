package livetorrent

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/multiless"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/dannyzb/livetorrent/internal/chunktracker"
	"github.com/dannyzb/livetorrent/internal/peerprotocol"
)

// requestPermits is the per-peer request-permit semaphore (§5): it starts
// at 0 and is topped up without an upper bound (each Unchoke adds 16, each
// received Piece adds 1 — §4.3.1, §4.3.2). golang.org/x/sync/semaphore's
// Weighted type fixes its ceiling at construction, which cannot express an
// unbounded top-up, so this is a small purpose-built counting semaphore
// with a context-aware, timeout-retrying acquire.
type requestPermits struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int64
}

func newRequestPermits() *requestPermits {
	p := &requestPermits{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *requestPermits) Add(n int64) {
	p.mu.Lock()
	p.n += n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// AcquireWithRetry blocks until a permit is available, ctx is done, or
// timeout elapses without one becoming available (in which case it retries
// rather than failing, per §4.3.1's 10s retrying acquire).
func (p *requestPermits) AcquireWithRetry(ctx context.Context, timeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.tryAcquire() {
			return nil
		}
		woken := make(chan struct{})
		go func() {
			p.mu.Lock()
			for p.n <= 0 {
				p.cond.Wait()
			}
			p.mu.Unlock()
			close(woken)
		}()
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Retry the loop; the spawned waiter goroutine will exit once a
			// permit does eventually arrive and broadcast fires, or leak
			// harmlessly bounded by the process lifetime of this peer.
		case <-woken:
			timer.Stop()
			if p.tryAcquire() {
				return nil
			}
		}
	}
}

func (p *requestPermits) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n > 0 {
		p.n--
		return true
	}
	return false
}

// PeerConn bundles a peer's wire connection with its framed reader and an
// outbound writer goroutine draining a mailbox channel.
type PeerConn struct {
	conn   net.Conn
	reader *peerprotocol.Reader
	bw     *bufio.Writer
	mail   chan any
}

func newPeerConn(conn net.Conn) *PeerConn {
	return &PeerConn{
		conn:   conn,
		reader: peerprotocol.NewReader(conn),
		bw:     bufio.NewWriterSize(conn, 16*1024),
		mail:   make(chan any, 64),
	}
}

func (pc *PeerConn) runWriter(logger log.Logger) {
	defer pc.conn.Close()
	for m := range pc.mail {
		switch v := m.(type) {
		case peerprotocol.Disconnect:
			return
		case peerprotocol.Message:
			if err := v.WriteTo(pc.bw); err != nil {
				logger.WithDefaultLevel(log.Debug).Printf("peer write error: %v", err)
				return
			}
			if err := pc.bw.Flush(); err != nil {
				logger.WithDefaultLevel(log.Debug).Printf("peer flush error: %v", err)
				return
			}
		}
	}
}

// PeerHandler is C3: one instance per active peer, running the message
// pump and chunk requester loop as a single unit.
type PeerHandler struct {
	session *LiveSession
	addr    string
	entry   *PeerEntry
	live    *LivePeerData
	locked  *PeerHandlerLocked
	conn    *PeerConn
	permits *requestPermits
}

// ManagePeer is the peer task's entire lifetime: dial, handshake,
// state-machine transitions, run the handler, and on exit perform death
// handling (§4.3.4). It is the function the peer adder spawns per address.
func (s *LiveSession) ManagePeer(ctx context.Context, addr string) {
	entry, _ := s.peers.AddIfNotSeen(addr, newPeerBackoff)

	entry.Lock()
	ok := s.peers.MarkConnecting(entry)
	entry.Unlock()
	if !ok {
		return
	}
	defer entry.Closed.Set()

	entry.Stats.Counters.ConnectAttempts.Add(1)
	connectStart := time.Now()
	conn, peerID, err := s.dialAndHandshake(ctx, addr)
	if err != nil {
		s.logger.WithDefaultLevel(log.Debug).Printf("peer %s: connect/handshake failed: %v", addr, err)
		s.finishPeerTask(entry, err)
		return
	}
	entry.Stats.Counters.Connections.Add(1)
	entry.Stats.Counters.ConnectingDurationMS.Add(time.Since(connectStart).Milliseconds())

	entry.Lock()
	live, ok := s.peers.ConnectingToLive(entry, peerID, conn.mail)
	entry.Unlock()
	if !ok {
		conn.conn.Close()
		return
	}

	ph := &PeerHandler{
		session: s,
		addr:    addr,
		entry:   entry,
		live:    live,
		locked:  NewPeerHandlerLocked(),
		conn:    conn,
		permits: newRequestPermits(),
	}

	go conn.runWriter(s.logger)
	err = ph.run(ctx)
	s.finishPeerTask(entry, err)
}

// newPeerBackoff is the dead-peer requeue schedule (§3, §4.3.4): exponential
// backoff that gives up on an address after roughly half an hour of
// unbroken failures, at which point the peer is dropped permanently.
func newPeerBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 30 * time.Minute
	return b
}

// finishPeerTask implements §4.3.4's death handling.
func (s *LiveSession) finishPeerTask(entry *PeerEntry, taskErr error) {
	entry.Lock()
	prior := entry.state
	switch prior {
	case Live:
		drained := s.peers.TransitionToDeadWithInflight(entry)
		entry.Unlock()
		for _, r := range drained {
			s.ledger.CancelChunk(r.Piece, int(r.Begin/s.info.Lengths.ChunkSize))
		}
		entry.Lock()
	case NotNeeded:
		entry.Unlock()
		return
	case Queued, Dead:
		s.logger.WithDefaultLevel(log.Debug).Printf("bug: peer task exited from state %s for %s", prior, entry.Addr)
		entry.Unlock()
		s.peers.Remove(entry.Addr)
		return
	}

	if taskErr == nil {
		s.peers.TransitionToNotNeeded(entry)
		entry.Unlock()
		return
	}

	entry.Stats.Counters.Errors.Add(1)
	if s.IsFinished() {
		s.peers.TransitionToNotNeeded(entry)
		entry.Unlock()
		return
	}
	s.peers.transition(entry, Dead)
	backoffDuration := entry.Stats.Backoff.NextBackOff()
	entry.Unlock()

	if backoffDuration == backoff.Stop {
		s.peers.Remove(entry.Addr)
		return
	}
	go s.scheduleRequeue(entry, backoffDuration)
}

func (s *LiveSession) scheduleRequeue(entry *PeerEntry, d time.Duration) {
	select {
	case <-s.cancelled.Done():
		return
	case <-time.After(d):
	}
	entry.Lock()
	s.peers.Requeue(entry)
	entry.Unlock()
}

// run drives the message pump and chunk requester loop concurrently,
// returning when either exits (connection error, or context cancellation).
func (ph *PeerHandler) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- ph.messagePump(ctx) }()
	go func() { errCh <- ph.chunkRequesterLoop(ctx) }()

	select {
	case <-ctx.Done():
		ph.conn.mail <- peerprotocol.Disconnect{}
		return nil
	case err := <-errCh:
		cancel()
		ph.conn.mail <- peerprotocol.Disconnect{}
		return err
	}
}

func (ph *PeerHandler) messagePump(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := ph.conn.reader.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Keepalive {
			continue
		}
		if err := ph.dispatch(msg); err != nil {
			return err
		}
	}
}

func (ph *PeerHandler) dispatch(msg peerprotocol.Message) error {
	switch msg.ID {
	case peerprotocol.Choke:
		ph.onChoke()
	case peerprotocol.Unchoke:
		ph.onUnchoke()
	case peerprotocol.Interested:
		ph.onInterested(true)
	case peerprotocol.NotInterested:
		ph.onInterested(false)
	case peerprotocol.Have:
		ph.onHave(msg.Index)
	case peerprotocol.Bitfield:
		return ph.onBitfield(msg.Bitfield)
	case peerprotocol.Request:
		ph.onRequest(msg.Index, msg.Begin, msg.Length)
	case peerprotocol.Piece:
		return ph.onPiece(msg.Index, msg.Begin, msg.Piece)
	case peerprotocol.Cancel:
		// No per-request cancellation bookkeeping needed: on_request enqueues
		// synchronously and there is no upload queue to prune in this core.
	}
	return nil
}

func (ph *PeerHandler) onChoke() {
	ph.locked.mu.Lock()
	ph.locked.IAmChoked = true
	ph.locked.mu.Unlock()
}

func (ph *PeerHandler) onUnchoke() {
	ph.locked.mu.Lock()
	ph.locked.IAmChoked = false
	ph.locked.mu.Unlock()
	ph.permits.Add(ph.session.info.Options.UnchokeRequestPermits)
	ph.entry.UnchokeNotify.Broadcast()
}

func (ph *PeerHandler) onInterested(interested bool) {
	ph.entry.Lock()
	if ph.entry.Live != nil {
		ph.entry.Live.PeerInterested = interested
	}
	ph.entry.Unlock()
}

func (ph *PeerHandler) onHave(index int) {
	if index < 0 || index >= ph.session.info.Lengths.NumPieces {
		ph.session.logger.WithDefaultLevel(log.Debug).Printf("peer %s: have for out-of-range piece %d", ph.addr, index)
		return
	}
	ph.entry.Lock()
	ph.live.Bitfield.Add(bitmap.BitIndex(index))
	ph.entry.Unlock()
}

func (ph *PeerHandler) onBitfield(b []byte) error {
	if len(b) != ph.session.info.BitfieldBytes() {
		return errors.New("peerhandler: bitfield length mismatch")
	}
	ph.entry.Lock()
	ph.live.Bitfield = bitmap.Bitmap{}
	for i := 0; i < ph.session.info.Lengths.NumPieces; i++ {
		byteIdx := i / 8
		bit := byte(0x80) >> uint(i%8)
		if b[byteIdx]&bit != 0 {
			ph.live.Bitfield.Add(bitmap.BitIndex(i))
		}
	}
	ph.entry.Unlock()
	ph.locked.mu.Lock()
	ph.locked.PreviouslyRequestedPieces = bitmap.Bitmap{}
	ph.locked.mu.Unlock()

	if !ph.peerHasSomethingWeNeed() {
		ph.send(peerprotocol.Message{ID: peerprotocol.Unchoke})
		ph.send(peerprotocol.Message{ID: peerprotocol.NotInterested})
		if ph.session.IsFinished() {
			ph.conn.mail <- peerprotocol.Disconnect{}
		}
		return nil
	}
	ph.entry.BitfieldNotify.Broadcast()
	return nil
}

func (ph *PeerHandler) peerHasSomethingWeNeed() bool {
	peerHas := ph.snapshotPeerBitfield()
	found := false
	ph.session.ledger.NeededPieceIndices(func(i int) bool {
		if peerHas[i] {
			found = true
			return false
		}
		return true
	})
	return found
}

// snapshotPeerBitfield copies the peer's have-bitfield under its entry lock
// (L2) into a plain slice, so callers can test membership afterwards without
// holding L2 while the ledger lock (L1) is held — acquiring L2 from inside
// an L1-held scan would violate the mandatory lock order.
func (ph *PeerHandler) snapshotPeerBitfield() []bool {
	n := ph.session.info.Lengths.NumPieces
	peerHas := make([]bool, n)
	ph.entry.Lock()
	for i := 0; i < n; i++ {
		peerHas[i] = ph.live.Bitfield.Contains(bitmap.BitIndex(i))
	}
	ph.entry.Unlock()
	return peerHas
}

func (ph *PeerHandler) onRequest(index int, begin, length int64) {
	if index < 0 || index >= ph.session.info.Lengths.NumPieces {
		return
	}
	if _, ok := ph.session.info.Lengths.ChunkIndexAt(index, begin, length); !ok {
		return
	}
	if !ph.session.ledger.IsPieceComplete(index) {
		return
	}
	data := make([]byte, length)
	offset := int64(index)*ph.session.info.Lengths.PieceLength + begin
	if err := ph.session.layout.ReadAt(data, offset); err != nil {
		ph.session.logger.WithDefaultLevel(log.Debug).Printf("peer %s: upload read failed: %v", ph.addr, err)
		return
	}
	ph.send(peerprotocol.Message{ID: peerprotocol.Piece, Index: index, Begin: begin, Piece: data})
	ph.session.counters.UploadedBytes.Add(length)
	ph.entry.Lock()
	ph.live.LastChunkSent = time.Now()
	ph.entry.Unlock()
}

func (ph *PeerHandler) send(m peerprotocol.Message) {
	ph.conn.mail <- m
}

// chunkRequesterLoop implements §4.3.1.
func (ph *PeerHandler) chunkRequesterLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ph.entry.BitfieldNotify.Signaled():
	}

	ph.send(peerprotocol.Message{ID: peerprotocol.Unchoke})
	ph.send(peerprotocol.Message{ID: peerprotocol.Interested})

	waitCtx, cancel := context.WithTimeout(ctx, ph.session.info.Options.UnchokeWaitTimeout)
	select {
	case <-waitCtx.Done():
	case <-ph.entry.UnchokeNotify.Signaled():
	}
	cancel()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ph.locked.mu.RLock()
		choked := ph.locked.IAmChoked
		ph.locked.mu.RUnlock()
		if choked {
			waitCtx, cancel := context.WithTimeout(ctx, ph.session.info.Options.UnchokeWaitTimeout)
			select {
			case <-waitCtx.Done():
			case <-ph.entry.UnchokeNotify.Signaled():
			}
			cancel()
			continue
		}
		if ph.session.IsFinished() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Hour):
				continue
			}
		}

		piece, ok := ph.selectPiece()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ph.session.info.Options.IdleRescanInterval):
				continue
			}
		}

		ph.locked.mu.Lock()
		ph.locked.PreviouslyRequestedPieces.Add(bitmap.BitIndex(piece))
		ph.locked.mu.Unlock()

		chunks := ph.session.info.Lengths.ChunksInPiece(piece)
		for c := 0; c < chunks; c++ {
			length := ph.session.info.Lengths.ChunkLength(piece, c)
			begin := int64(c) * ph.session.info.Lengths.ChunkSize
			req := InflightRequest{Piece: piece, Begin: begin, Length: length}

			ph.entry.Lock()
			if ph.entry.state != Live {
				ph.entry.Unlock()
				return nil
			}
			if _, exists := ph.live.InflightRequests[req]; exists {
				ph.entry.Unlock()
				continue
			}
			ph.live.InflightRequests[req] = struct{}{}
			ph.entry.Unlock()

			if err := ph.permits.AcquireWithRetry(ctx, ph.session.info.Options.RequestPermitTimeout); err != nil {
				return nil
			}

			select {
			case ph.conn.mail <- peerprotocol.Message{ID: peerprotocol.Request, Index: piece, Begin: begin, Length: length}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// selectPiece implements the three-tier policy of §4.3.3.
func (ph *PeerHandler) selectPiece() (int, bool) {
	if piece, ok := ph.stealSlowPiece(10); ok {
		ph.session.ledger.Steal(piece, ph.addr, time.Now())
		return piece, true
	}
	if piece, ok := ph.reserveFreshPiece(); ok {
		return piece, true
	}
	if piece, ok := ph.stealSlowPiece(2); ok {
		ph.session.ledger.Steal(piece, ph.addr, time.Now())
		return piece, true
	}
	return 0, false
}

func (ph *PeerHandler) stealSlowPiece(multiplier float64) (int, bool) {
	checked := ph.session.counters.DownloadedCheckedPieces.Int64()
	if checked < 20 {
		return 0, false
	}
	avgMS := float64(ph.session.counters.TotalPieceDownloadMS.Int64()) / float64(checked)
	if avgMS <= 0 {
		return 0, false
	}
	threshold := time.Duration(avgMS*multiplier) * time.Millisecond

	best := -1
	var bestElapsed time.Duration
	now := time.Now()
	for piece, info := range ph.session.ledger.InflightSnapshot() {
		if info.Peer == ph.addr {
			continue
		}
		ph.entry.Lock()
		inBitfield := ph.live.Bitfield.Contains(bitmap.BitIndex(piece))
		ph.entry.Unlock()
		if !inBitfield {
			continue
		}
		elapsed := now.Sub(info.Started)
		if elapsed <= threshold {
			continue
		}
		if best == -1 || multiless.New().Int64(int64(bestElapsed), int64(elapsed)).MustLess() {
			best = piece
			bestElapsed = elapsed
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (ph *PeerHandler) reserveFreshPiece() (int, bool) {
	peerHas := ph.snapshotPeerBitfield()
	return ph.session.ledger.ReserveFirstNeeded(func(i int) bool {
		return peerHas[i]
	}, ph.addr, time.Now())
}

// onPiece implements §4.3.2.
func (ph *PeerHandler) onPiece(index int, begin int64, data []byte) error {
	if _, ok := ph.session.info.Lengths.ChunkIndexAt(index, begin, int64(len(data))); !ok {
		return errors.New("peerhandler: malformed piece chunk bounds")
	}
	ph.permits.Add(1)

	ph.entry.Stats.Counters.FetchedBytes.Add(int64(len(data)))
	ph.session.counters.FetchedBytes.Add(int64(len(data)))
	ph.entry.Stats.Counters.FetchedChunks.Add(1)

	req := InflightRequest{Piece: index, Begin: begin, Length: int64(len(data))}
	ph.entry.Lock()
	if _, ok := ph.live.InflightRequests[req]; !ok {
		ph.entry.Unlock()
		return errors.New("peerhandler: unsolicited piece data")
	}
	delete(ph.live.InflightRequests, req)
	ph.live.LastUsefulChunkReceived = time.Now()
	ph.entry.Unlock()

	result, startedAt, owned := ph.session.ledger.MarkChunkDownloadedIfOwner(index, begin, int64(len(data)), ph.addr)
	if !owned {
		return nil // stolen or completed elsewhere: silent drop
	}
	var elapsed time.Duration
	var haveElapsed bool
	switch result {
	case chunktracker.Completed:
		haveElapsed = true
		elapsed = time.Since(startedAt)
	case chunktracker.PreviouslyCompleted:
		return nil
	case chunktracker.Invalid:
		return errors.New("peerhandler: invalid chunk mapping")
	}

	if err := ph.session.layout.WriteAt(data, int64(index)*ph.session.info.Lengths.PieceLength+begin); err != nil {
		ph.session.onFatalError(errors.Wrap(err, "writing piece chunk"))
		return nil
	}
	if !haveElapsed {
		return nil
	}

	return ph.verifyAndFinalize(index, elapsed)
}

func (ph *PeerHandler) verifyAndFinalize(index int, elapsed time.Duration) error {
	pieceLength := ph.session.info.Lengths.PieceLengthAt(index)
	data, err := ph.session.layout.ReadPiece(index, ph.session.info.Lengths.PieceLength, pieceLength)
	if err != nil {
		ph.session.onFatalError(errors.Wrap(err, "reading back piece for verification"))
		return nil
	}
	if !ph.session.verifyPiece(index, data) {
		ph.session.ledger.MarkPieceBroken(index)
		return nil
	}

	ph.session.ledger.MarkPieceDownloaded(index)
	ph.session.counters.DownloadedCheckedBytes.Add(pieceLength)
	ph.session.counters.DownloadedCheckedPieces.Add(1)
	ph.session.counters.TotalPieceDownloadMS.Add(elapsed.Milliseconds())
	ph.session.counters.HaveBytes.Add(pieceLength)

	ph.entry.Stats.Counters.DownloadedCheckedBytes.Add(pieceLength)
	ph.entry.Stats.Counters.DownloadedCheckedPieces.Add(1)
	ph.entry.Stats.Backoff.Reset()

	ph.session.maybeTransmitHaves(index)

	if ph.session.checkFinished() {
		ph.session.onFinished()
	}
	return nil
}

