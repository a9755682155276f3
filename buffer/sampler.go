package buffer

import (
	"context"
	"time"
)

// State is the coarse congestion classification of the main queue's
// occupancy trend over a sampling window.
type State int

const (
	// StateUnknown means no clear trend was observed.
	StateUnknown State = iota
	// StateCongested means the queue is backing up; a signal to reduce the
	// encoder bitrate.
	StateCongested
	// StateRelieved means the queue is draining; a signal it is safe to
	// increase the encoder bitrate.
	StateRelieved
)

// String returns a short label for logging.
func (s State) String() string {
	switch s {
	case StateCongested:
		return "congested"
	case StateRelieved:
		return "relieved"
	default:
		return "unknown"
	}
}

// States returns the channel on which trend classifications are delivered.
// Unknown classifications are not sent.
func (b *Buffer) States() <-chan State {
	return b.states
}

// RunSampler records queue occupancy once per SampleInterval and emits a
// State on the States channel whenever a trend is classified. It blocks
// until ctx is cancelled.
func (b *Buffer) RunSampler(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := b.sampleOnce(); st != StateUnknown {
				select {
				case b.states <- st:
				default:
				}
			}
		}
	}
}

// sampleOnce appends the current occupancy to the sample list and, once
// enough samples are buffered, classifies and resets the list.
func (b *Buffer) sampleOnce() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, len(b.queue))
	if len(b.samples) <= b.cfg.Threshold {
		return StateUnknown
	}
	st := classify(b.samples, b.cfg.Threshold)
	b.samples = b.samples[:0]
	return st
}

// classify counts adjacent sample pairs that are strictly increasing
// (growing) versus not (shrinking or flat). Reaching the threshold on
// either count yields Congested or Relieved respectively.
func classify(samples []int, threshold int) State {
	growing, shrinking := 0, 0
	for i := 0; i+1 < len(samples); i++ {
		if samples[i+1] > samples[i] {
			growing++
		} else {
			shrinking++
		}
	}

	switch {
	case growing >= threshold:
		return StateCongested
	case shrinking >= threshold:
		return StateRelieved
	default:
		return StateUnknown
	}
}
