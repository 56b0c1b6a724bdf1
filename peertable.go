package livetorrent

import (
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash"
)

// PeerState is one of a peer entry's five lifecycle states (§4.2).
type PeerState int

const (
	Queued PeerState = iota
	Connecting
	Live
	Dead
	NotNeeded
)

func (s PeerState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Dead:
		return "dead"
	case NotNeeded:
		return "not_needed"
	default:
		return "unknown"
	}
}

// InflightRequest is an outstanding Request sent to a peer whose Piece
// response has not yet arrived.
type InflightRequest struct {
	Piece  int
	Begin  int64
	Length int64
}

// AtomicPeerCounters are the per-peer monitoring counters named in §3;
// relaxed ordering throughout (Count is an int64 updated via sync/atomic).
type AtomicPeerCounters struct {
	ConnectAttempts         Count
	Connections             Count
	FetchedBytes            Count
	FetchedChunks           Count
	DownloadedCheckedBytes  Count
	DownloadedCheckedPieces Count
	Errors                  Count
	ConnectingDurationMS    Count
}

// LivePeerData is the state tracked only while a peer is in the Live
// state (§3).
type LivePeerData struct {
	PeerID            [20]byte
	Bitfield          bitmap.Bitmap
	PeerInterested    bool
	InflightRequests  map[InflightRequest]struct{}
	Writer            chan<- any // peer's outbound mailbox

	// lastChunkSent / lastUsefulChunkReceived are diagnostic timestamps,
	// monitoring-only per the supplemented upload accounting; they gate no
	// decision in this core.
	LastChunkSent           time.Time
	LastUsefulChunkReceived time.Time
}

// PeerHandlerLocked is local to a single peer task; it is a reader-writer
// lock only because the protocol handler interface requires a shared
// reference (§3).
type PeerHandlerLocked struct {
	mu sync.RWMutex

	IAmChoked                bool
	PreviouslyRequestedPieces bitmap.Bitmap
}

func NewPeerHandlerLocked() *PeerHandlerLocked {
	return &PeerHandlerLocked{IAmChoked: true}
}

// PeerEntry is one remote peer address's state, guarded by its own lock
// (L2) so lookups and single-entry mutations don't globally serialise.
type PeerEntry struct {
	mu sync.Mutex

	Addr  string
	state PeerState
	Live  *LivePeerData

	Stats struct {
		Counters AtomicPeerCounters
		Backoff  backoff.BackOff
	}

	// BitfieldNotify / UnchokeNotify are the chunk requester loop's wait
	// points (§4.3.1); FinishedNotify is broadcast on every Live peer's
	// entry when the session completes.
	BitfieldNotify chansync.BroadcastCond
	UnchokeNotify  chansync.BroadcastCond
	FinishedNotify chansync.BroadcastCond

	// Closed fires when the peer task itself has exited.
	Closed chansync.SetOnce
}

func (e *PeerEntry) Lock() {
	globalLockOrder.assertMayAcquirePeerLock()
	e.mu.Lock()
}

func (e *PeerEntry) Unlock() { e.mu.Unlock() }

func (e *PeerEntry) State() PeerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PeerCounts mirrors the global peer-state totals (§4.2): computed from
// deltas at each transition site, never by scanning the table.
type PeerCounts struct {
	Queued, Connecting, Live, Dead, NotNeeded Count
}

func (c *PeerCounts) adjust(from, to PeerState, delta int64) {
	c.counterFor(from).Add(-delta)
	c.counterFor(to).Add(delta)
}

func (c *PeerCounts) counterFor(s PeerState) *Count {
	switch s {
	case Queued:
		return &c.Queued
	case Connecting:
		return &c.Connecting
	case Live:
		return &c.Live
	case Dead:
		return &c.Dead
	default:
		return &c.NotNeeded
	}
}

const numShards = 32

type peerShard struct {
	mu      sync.RWMutex
	entries map[string]*PeerEntry
}

// PeerTable is the sharded `addr → PeerEntry` map (C2): a concurrent map
// permitting fine-grained access, so one peer's transition never blocks a
// lookup of another.
type PeerTable struct {
	shards  [numShards]*peerShard
	Counts  PeerCounts
}

func NewPeerTable() *PeerTable {
	t := &PeerTable{}
	for i := range t.shards {
		t.shards[i] = &peerShard{entries: make(map[string]*PeerEntry)}
	}
	return t
}

func (t *PeerTable) shardFor(addr string) *peerShard {
	h := xxhash.Sum64String(addr)
	return t.shards[h%numShards]
}

// AddIfNotSeen creates a Queued entry for addr if one doesn't already
// exist, returning the entry and whether it was newly created.
func (t *PeerTable) AddIfNotSeen(addr string, newBackoff func() backoff.BackOff) (*PeerEntry, bool) {
	shard := t.shardFor(addr)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[addr]; ok {
		return e, false
	}
	e := &PeerEntry{Addr: addr, state: Queued}
	e.Stats.Backoff = newBackoff()
	shard.entries[addr] = e
	t.Counts.Queued.Add(1)
	return e, true
}

// Get looks up addr's entry without creating one.
func (t *PeerTable) Get(addr string) (*PeerEntry, bool) {
	shard := t.shardFor(addr)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	e, ok := shard.entries[addr]
	return e, ok
}

// Remove deletes addr's entry permanently (backoff exhausted, or an
// invalid-state-recovery bug path per §3).
func (t *PeerTable) Remove(addr string) {
	shard := t.shardFor(addr)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[addr]; ok {
		e.mu.Lock()
		t.Counts.counterFor(e.state).Add(-1)
		e.mu.Unlock()
		delete(shard.entries, addr)
	}
}

// Len returns the number of addresses the table has ever seen and not
// removed.
func (t *PeerTable) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// ForEachLive calls f for every peer currently in the Live state. f must
// not block on network I/O; it is called with the peer's own lock held.
func (t *PeerTable) ForEachLive(f func(addr string, e *PeerEntry)) {
	for _, s := range t.shards {
		s.mu.RLock()
		entries := make([]*PeerEntry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
		for _, e := range entries {
			e.Lock()
			if e.state == Live {
				f(e.Addr, e)
			}
			e.Unlock()
		}
	}
}

// transition moves e to newState, updating the table's global counters.
func (t *PeerTable) transition(e *PeerEntry, newState PeerState) {
	old := e.state
	e.state = newState
	t.Counts.adjust(old, newState, 1)
}

// MarkConnecting transitions a Queued peer to Connecting. The writer
// mailbox is attached later, by ConnectingToLive. Requires the caller to
// already hold e's lock.
func (t *PeerTable) MarkConnecting(e *PeerEntry) (ok bool) {
	if e.state != Queued {
		return false
	}
	t.transition(e, Connecting)
	return true
}

// ConnectingToLive transitions a Connecting peer to Live, constructing its
// LivePeerData from the handshake's peer id. Requires the caller to
// already hold e's lock.
func (t *PeerTable) ConnectingToLive(e *PeerEntry, peerID [20]byte, writer chan<- any) (*LivePeerData, bool) {
	if e.state != Connecting {
		return nil, false
	}
	e.Live = &LivePeerData{
		PeerID:           peerID,
		InflightRequests: make(map[InflightRequest]struct{}),
		Writer:           writer,
	}
	t.transition(e, Live)
	return e.Live, true
}

// TransitionToNotNeeded moves e (from Live) to NotNeeded: we and the peer
// both have the full torrent. Requires the caller to already hold e's lock.
func (t *PeerTable) TransitionToNotNeeded(e *PeerEntry) {
	t.transition(e, NotNeeded)
}

// TransitionToDeadWithInflight moves a Live peer to Dead, returning the
// inflight requests that must be cancelled on the ledger. Requires the
// caller to already hold e's lock.
func (t *PeerTable) TransitionToDeadWithInflight(e *PeerEntry) []InflightRequest {
	var drained []InflightRequest
	if e.Live != nil {
		for r := range e.Live.InflightRequests {
			drained = append(drained, r)
		}
		e.Live = nil
	}
	t.transition(e, Dead)
	return drained
}

// MarkNotNeededIfQueued transitions a still-Queued peer straight to
// NotNeeded: the peer adder found the session already finished before
// ever dialing this address. Requires the caller to already hold e's lock.
func (t *PeerTable) MarkNotNeededIfQueued(e *PeerEntry) bool {
	if e.state != Queued {
		return false
	}
	t.transition(e, NotNeeded)
	return true
}

// Requeue transitions a Dead peer back to Queued, but only if it is still
// Dead at the backoff timer's fire time (it may have been removed or
// re-observed in the interim). Requires the caller to already hold e's
// lock.
func (t *PeerTable) Requeue(e *PeerEntry) bool {
	if e.state != Dead {
		return false
	}
	t.transition(e, Queued)
	return true
}
