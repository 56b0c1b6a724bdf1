package livetorrent

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const speedSampleCount = 5

type speedSample struct {
	fetched   int64
	remaining int64
	at        time.Time
}

// SpeedEstimator (C7's state) samples fetched/remaining bytes once a
// second into a 5-sample ring and derives a throughput estimate and ETA
// from the oldest-vs-newest sample in the ring.
type SpeedEstimator struct {
	mu      sync.Mutex
	samples [speedSampleCount]speedSample
	count   int
	next    int
}

// Update feeds one (fetched, remaining, now) sample into the ring.
func (s *SpeedEstimator) Update(fetched, remaining int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = speedSample{fetched: fetched, remaining: remaining, at: now}
	s.next = (s.next + 1) % speedSampleCount
	if s.count < speedSampleCount {
		s.count++
	}
}

// oldest returns the sample the ring is about to overwrite next (or the
// very first one if the ring isn't full yet).
func (s *SpeedEstimator) oldest() (speedSample, bool) {
	if s.count == 0 {
		return speedSample{}, false
	}
	if s.count < speedSampleCount {
		return s.samples[0], true
	}
	return s.samples[s.next], true
}

func (s *SpeedEstimator) newest() (speedSample, bool) {
	if s.count == 0 {
		return speedSample{}, false
	}
	idx := (s.next - 1 + speedSampleCount) % speedSampleCount
	return s.samples[idx], true
}

// BytesPerSecond estimates throughput from the ring's oldest and newest
// samples; 0 if fewer than two samples have been recorded.
func (s *SpeedEstimator) BytesPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest, ok1 := s.oldest()
	newest, ok2 := s.newest()
	if !ok1 || !ok2 || oldest.at.Equal(newest.at) {
		return 0
	}
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := newest.fetched - oldest.fetched
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// ETA estimates time to completion from the current throughput and the
// most recent remaining-bytes sample. Returns 0 if throughput is unknown.
func (s *SpeedEstimator) ETA() time.Duration {
	rate := s.BytesPerSecond()
	if rate <= 0 {
		return 0
	}
	s.mu.Lock()
	newest, ok := s.newest()
	s.mu.Unlock()
	if !ok || newest.remaining <= 0 {
		return 0
	}
	return time.Duration(float64(newest.remaining)/rate) * time.Second
}

// String renders the current throughput and ETA for log lines, e.g.
// "3.2 MB/s, ETA 4m12s".
func (s *SpeedEstimator) String() string {
	rate := s.BytesPerSecond()
	eta := s.ETA()
	if rate <= 0 || eta <= 0 {
		return fmt.Sprintf("%s/s, ETA unknown", humanize.Bytes(uint64(rate)))
	}
	return fmt.Sprintf("%s/s, ETA %s", humanize.Bytes(uint64(rate)), eta.Round(time.Second))
}
