package publish

import "sync/atomic"

// DebugStats is the periodic health snapshot flushed to the host once per
// second. Counters reset on reconnect.
type DebugStats struct {
	TotalFrames           int64 `json:"totalFrames"`
	DroppedFrames         int64 `json:"droppedFrames"`
	BytesPerSec           int64 `json:"bytesPerSec"`
	LastWindowVideoFrames int64 `json:"lastWindowVideoFrames"`
	LastWindowAudioFrames int64 `json:"lastWindowAudioFrames"`
	UnsentCount           int   `json:"unsentCount"`
}

// statsCollector accumulates send counters with atomics: the drain loop
// writes, the flush tick rotates the 1-second window, and reset can arrive
// from the run loop on reconnect.
type statsCollector struct {
	total   atomic.Int64
	dropped atomic.Int64

	winBytes atomic.Int64
	winVideo atomic.Int64
	winAudio atomic.Int64

	prevBytes atomic.Int64
	prevVideo atomic.Int64
	prevAudio atomic.Int64

	// Buffer eviction counts are cumulative for the buffer's lifetime;
	// evictBase is the value at the last reset so snapshots stay
	// per-connection.
	evictBase atomic.Int64
}

func (c *statsCollector) recordVideo(bytes int) {
	c.total.Add(1)
	c.winVideo.Add(1)
	c.winBytes.Add(int64(bytes))
}

func (c *statsCollector) recordAudio(bytes int) {
	c.total.Add(1)
	c.winAudio.Add(1)
	c.winBytes.Add(int64(bytes))
}

func (c *statsCollector) recordDrop(n int64) {
	c.total.Add(n)
	c.dropped.Add(n)
}

// rotate closes the current 1-second window and returns a snapshot.
// unsent is the buffer's current queue length and evicted its cumulative
// eviction count; frames evicted by the buffer count as dropped (and total)
// alongside the drain loop's own drops.
func (c *statsCollector) rotate(unsent int, evicted int64) DebugStats {
	c.prevBytes.Store(c.winBytes.Swap(0))
	c.prevVideo.Store(c.winVideo.Swap(0))
	c.prevAudio.Store(c.winAudio.Swap(0))

	bufDrops := evicted - c.evictBase.Load()
	return DebugStats{
		TotalFrames:           c.total.Load() + bufDrops,
		DroppedFrames:         c.dropped.Load() + bufDrops,
		BytesPerSec:           c.prevBytes.Load(),
		LastWindowVideoFrames: c.prevVideo.Load(),
		LastWindowAudioFrames: c.prevAudio.Load(),
		UnsentCount:           unsent,
	}
}

// reset zeroes all counters; called on every new connection. evicted is the
// buffer's cumulative eviction count at reset time, the baseline for
// per-connection drop accounting.
func (c *statsCollector) reset(evicted int64) {
	c.total.Store(0)
	c.dropped.Store(0)
	c.winBytes.Store(0)
	c.winVideo.Store(0)
	c.winAudio.Store(0)
	c.prevBytes.Store(0)
	c.prevVideo.Store(0)
	c.prevAudio.Store(0)
	c.evictBase.Store(evicted)
}
