package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpIndexBuild, 100*time.Millisecond)
	c.RecordTiming(OpIndexBuild, 300*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.IndexBuild)
	assert.Equal(t, int64(2), snap.IndexBuild.Count)
	assert.Equal(t, int64(100), snap.IndexBuild.MinTimeMs)
	assert.Equal(t, int64(300), snap.IndexBuild.MaxTimeMs)
	assert.InDelta(t, 200, snap.IndexBuild.AvgTimeMs, 1)

	assert.Nil(t, snap.Search, "unrecorded operations stay nil")
}

func TestSearchP95(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, time.Duration(0), c.SearchP95())

	// 100 samples of 1..100ms: p95 is in the mid-90s.
	for i := 1; i <= 100; i++ {
		c.RecordTiming(OpSearch, time.Duration(i)*time.Millisecond)
	}
	p95 := c.SearchP95()
	assert.GreaterOrEqual(t, p95, 90*time.Millisecond)
	assert.LessOrEqual(t, p95, 96*time.Millisecond)
}

func TestSearchP95WindowWraps(t *testing.T) {
	c := NewCollector()
	// Overflow the window with slow samples, then refill with fast ones.
	for i := 0; i < searchWindowSize; i++ {
		c.RecordTiming(OpSearch, time.Second)
	}
	for i := 0; i < searchWindowSize; i++ {
		c.RecordTiming(OpSearch, time.Millisecond)
	}
	assert.Equal(t, time.Millisecond, c.SearchP95(), "old samples age out of the window")
}
