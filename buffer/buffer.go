// Package buffer implements the bounded, lightly reordering frame queue
// that sits between the encoder and the network. A small admission window
// absorbs out-of-order arrival; a capacity-bounded main queue holds frames
// ready to send, with a congestion-aware eviction policy under pressure.
package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livepub/livepub/media"
)

// Defaults for Config fields left zero.
const (
	DefaultWindowSize     = 5
	DefaultCapacity       = 600
	DefaultSampleInterval = time.Second
	DefaultThreshold      = 5
)

// Config controls buffer sizing and congestion sampling.
type Config struct {
	// WindowSize is the admission window capacity; it bounds how far out of
	// order a frame may arrive (at most WindowSize frames).
	WindowSize int
	// Capacity bounds the main queue length.
	Capacity int
	// SampleInterval is the cadence of occupancy sampling.
	SampleInterval time.Duration
	// Threshold is the consecutive-trend count required to classify the
	// occupancy samples as Congested or Relieved.
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Buffer is a timestamp-ordered frame queue supporting one producer and one
// consumer. All mutating operations are serialized by a single mutex; the
// occupancy sampler reads the same serialized state.
type Buffer struct {
	cfg Config

	mu      sync.Mutex
	window  []media.Frame // admission window, sorted by timestamp on overflow
	queue   []media.Frame // frames ready to send, FIFO
	samples []int         // occupancy samples since last classification

	dropped atomic.Int64

	signal chan struct{}
	states chan State
}

// New creates a Buffer with the given config; zero fields take defaults.
func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:    cfg.withDefaults(),
		signal: make(chan struct{}, 1),
		states: make(chan State, 1),
	}
}

// Append inserts a frame. While the admission window has room the frame only
// lands there; once the window is full the incoming frame joins the window,
// the window is sorted ascending by timestamp, the main queue is evicted if
// at capacity, and the window's earliest frame moves to the queue tail.
func (b *Buffer) Append(frame media.Frame) {
	b.mu.Lock()
	if len(b.window) < b.cfg.WindowSize {
		b.window = append(b.window, frame)
		b.mu.Unlock()
		b.notify()
		return
	}

	b.window = append(b.window, frame)
	sort.SliceStable(b.window, func(i, j int) bool {
		return b.window[i].TS() < b.window[j].TS()
	})

	if len(b.queue) >= b.cfg.Capacity {
		b.evictLocked()
	}

	head := b.window[0]
	copy(b.window, b.window[1:])
	b.window = b.window[:len(b.window)-1]
	b.queue = append(b.queue, head)
	b.mu.Unlock()

	b.notify()
}

// PopFirst removes and returns the head of the main queue, or false if the
// queue is empty.
func (b *Buffer) PopFirst() (media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	frame := b.queue[0]
	b.queue[0] = nil // release the reference
	b.queue = b.queue[1:]
	return frame, true
}

// RemoveAll clears both the admission window and the main queue. Used on
// session reset.
func (b *Buffer) RemoveAll() {
	b.mu.Lock()
	b.window = nil
	b.queue = nil
	b.mu.Unlock()
}

// Len returns the current main queue length (unsent frames).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns the cumulative count of frames discarded by eviction.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Signal returns a channel that receives a token whenever a frame is
// appended, letting the consumer wait without busy-polling.
func (b *Buffer) Signal() <-chan struct{} {
	return b.signal
}

func (b *Buffer) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// evictLocked frees space in the main queue: it drops the run of video key
// frames sharing the timestamp of the first key frame found in the queue.
// If the queue holds no key frame at all it is cleared entirely, which
// signals an abnormal state upstream. Callers hold b.mu.
func (b *Buffer) evictLocked() {
	firstKey := -1
	for i, f := range b.queue {
		if vf, ok := f.(*media.VideoFrame); ok && vf.IsKeyFrame {
			firstKey = i
			break
		}
	}

	if firstKey < 0 {
		b.dropped.Add(int64(len(b.queue)))
		b.queue = nil
		return
	}

	keyTS := b.queue[firstKey].TS()
	kept := b.queue[:0]
	evicted := 0
	for _, f := range b.queue {
		if vf, ok := f.(*media.VideoFrame); ok && vf.IsKeyFrame && vf.Timestamp == keyTS {
			evicted++
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(b.queue); i++ {
		b.queue[i] = nil
	}
	b.queue = kept
	b.dropped.Add(int64(evicted))
}
