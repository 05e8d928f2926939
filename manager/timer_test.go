package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	timer := NewTimer("main")
	timer.UseTile("1/0/0")
	timer.UseTile("1/0/0")
	timer.UseTile("1/1/0")
	timer.FetchTile("1/1/0")

	done := timer.Marker(StageFetch)
	time.Sleep(5 * time.Millisecond)
	done()
	done = timer.Marker(StageIsoline)
	time.Sleep(2 * time.Millisecond)
	done()

	timing := timer.Finish("1/0/0")
	assert.Equal(t, "1/0/0", timing.URL)
	assert.Equal(t, 2, timing.TilesUsed)
	assert.Equal(t, []string{"1/1/0"}, timing.Fetched)
	assert.GreaterOrEqual(t, timing.Fetch, 5.0)
	assert.GreaterOrEqual(t, timing.Process, 2.0)
	assert.Zero(t, timing.Decode)
	assert.GreaterOrEqual(t, timing.Duration, timing.Fetch+timing.Process)
	assert.InDelta(t, timing.Duration-timing.Fetch-timing.Process, timing.Wait, 1e-9)
	assert.False(t, timing.Error)
}

func TestTimerAddAll(t *testing.T) {
	worker := NewTimer("worker")
	worker.UseTile("2/1/1")
	worker.FetchTile("2/1/1")
	worker.Marker(StageDecode)()
	remote := worker.Finish("")

	local := NewTimer("main")
	local.AddAll(remote)
	timing := local.Error("2/1/1")
	assert.True(t, timing.Error)
	assert.Equal(t, 1, timing.TilesUsed)
	assert.Equal(t, []string{"2/1/1"}, timing.Fetched)
	require.Len(t, timing.Marks[StageDecode], 1)
	assert.Len(t, timing.Marks["worker"], 1)
}

func TestNilTimer(t *testing.T) {
	var timer *Timer
	timer.UseTile("x")
	timer.FetchTile("x")
	timer.Marker(StageFetch)()
	timer.AddAll(&Timing{})
	assert.Nil(t, timer.Finish("x"))
	assert.Nil(t, timer.Error("x"))
}
