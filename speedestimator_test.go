package livetorrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedEstimatorComputesRate(t *testing.T) {
	var s SpeedEstimator
	base := time.Now()
	s.Update(0, 1000, base)
	s.Update(500, 500, base.Add(time.Second))

	assert.InDelta(t, 500.0, s.BytesPerSecond(), 0.001)
	assert.Equal(t, time.Second, s.ETA())
}

func TestSpeedEstimatorNoSamplesIsZero(t *testing.T) {
	var s SpeedEstimator
	assert.Zero(t, s.BytesPerSecond())
	assert.Zero(t, s.ETA())
}

func TestSpeedEstimatorRingWraps(t *testing.T) {
	var s SpeedEstimator
	base := time.Now()
	for i := 0; i < speedSampleCount+2; i++ {
		s.Update(int64(i)*100, 1000, base.Add(time.Duration(i)*time.Second))
	}
	// Rate should reflect only the last 5 samples' span, not the whole history.
	assert.InDelta(t, 100.0, s.BytesPerSecond(), 0.001)
}
