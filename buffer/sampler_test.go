package buffer

import (
	"context"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		samples   []int
		threshold int
		want      State
	}{
		{"steadily growing", []int{1, 2, 3, 4, 5, 6}, 5, StateCongested},
		{"steadily shrinking", []int{6, 5, 4, 3, 2, 1}, 5, StateRelieved},
		{"flat counts as shrinking", []int{3, 3, 3, 3, 3, 3}, 5, StateRelieved},
		{"mixed trend", []int{1, 2, 1, 2, 1, 2}, 5, StateUnknown},
		{"growth below threshold", []int{1, 2, 3, 1, 2, 3}, 5, StateUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.samples, tt.threshold); got != tt.want {
				t.Errorf("classify(%v, %d) = %v, want %v", tt.samples, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestSampleOnceClassifiesAndResets(t *testing.T) {
	t.Parallel()
	b := New(Config{WindowSize: 1, Threshold: 2})

	// Occupancy grows between samples: 0, 1, 2 -> two growing pairs.
	if st := b.sampleOnce(); st != StateUnknown {
		t.Fatalf("first sample: got %v, want unknown", st)
	}
	b.Append(audio(0))
	b.Append(audio(1)) // one frame reaches the queue, one sits in the window
	if st := b.sampleOnce(); st != StateUnknown {
		t.Fatalf("second sample: got %v, want unknown", st)
	}
	b.Append(audio(2))
	if st := b.sampleOnce(); st != StateCongested {
		t.Fatalf("third sample: got %v, want congested", st)
	}

	// Samples were reset after classification.
	if got := len(b.samples); got != 0 {
		t.Errorf("samples after classification: got %d, want 0", got)
	}
}

func TestRunSamplerEmitsState(t *testing.T) {
	t.Parallel()
	b := New(Config{WindowSize: 1, Threshold: 2, SampleInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunSampler(ctx)

	// Keep the queue growing so every classification is Congested.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ts := uint64(0)
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				b.Append(audio(ts))
				ts++
			}
		}
	}()

	select {
	case st := <-b.States():
		if st != StateCongested {
			t.Errorf("state: got %v, want congested", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no congestion state emitted")
	}
}
