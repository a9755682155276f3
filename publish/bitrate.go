package publish

import (
	"log/slog"

	"github.com/livepub/livepub/buffer"
)

// Encoder is the external video encoder boundary: the only side effect of
// bitrate adaptation is updating its target bitrate.
type Encoder interface {
	SetVideoBitrate(bps int)
}

// Adaptation step sizes.
const (
	bitrateStepUp   = 50_000
	bitrateStepDown = 100_000
)

// BitrateController nudges the encoder's target bitrate in response to the
// buffer's congestion signal, clamped to the configured bounds.
type BitrateController struct {
	enc     Encoder
	min     int
	max     int
	current int
	log     *slog.Logger
}

// NewBitrateController creates a controller starting at initial bps,
// bounded by [min, max]. log may be nil.
func NewBitrateController(enc Encoder, initial, min, max int, log *slog.Logger) *BitrateController {
	if log == nil {
		log = slog.Default()
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &BitrateController{
		enc:     enc,
		min:     min,
		max:     max,
		current: initial,
		log:     log.With("component", "bitrate"),
	}
}

// Current returns the last applied target bitrate in bps.
func (c *BitrateController) Current() int {
	return c.current
}

// Adjust reacts to one congestion classification: Congested steps the
// bitrate down, Relieved steps it up, both clamped to the bounds. The
// encoder is only touched when the target actually changes. Returns the
// target after adjustment.
func (c *BitrateController) Adjust(state buffer.State) int {
	target := c.current
	switch state {
	case buffer.StateCongested:
		target -= bitrateStepDown
		if target < c.min {
			target = c.min
		}
	case buffer.StateRelieved:
		target += bitrateStepUp
		if target > c.max {
			target = c.max
		}
	default:
		return c.current
	}

	if target != c.current {
		c.current = target
		c.enc.SetVideoBitrate(target)
		c.log.Info("video bitrate adjusted", "state", state, "bps", target)
	}
	return c.current
}
