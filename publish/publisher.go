package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/livepub/livepub/buffer"
	"github.com/livepub/livepub/media"
)

// VideoConfig is the host-negotiated video encoding setup.
type VideoConfig struct {
	Width     int
	Height    int
	FrameRate int

	Bitrate    int // starting target, bps
	MinBitrate int
	MaxBitrate int
}

// AudioConfig is the host-negotiated audio encoding setup.
type AudioConfig struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Bitrate    int // bps
}

// Config wires a Publisher.
type Config struct {
	Endpoint string
	Video    VideoConfig
	Audio    AudioConfig

	ReconnectInterval time.Duration
	ReconnectAttempts int

	// AdaptiveBitrate enables the congestion feedback loop.
	AdaptiveBitrate bool
	// ExternalVideoSource disables bitrate adaptation when video frames are
	// injected by the host rather than captured internally.
	ExternalVideoSource bool

	Buffer buffer.Config
	Logger *slog.Logger
}

// ErrAlreadyStarted is returned by Start on a running Publisher.
var ErrAlreadyStarted = errors.New("publish: already started")

// Publisher is the session orchestrator: it owns the frame buffer, gates
// frame admission on the session state, and runs the congestion-to-bitrate
// feedback loop. One Publisher drives one upload.
type Publisher struct {
	cfg     Config
	buf     *buffer.Buffer
	session *Session
	ctrl    *BitrateController
	log     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Publisher. transport is required; enc may be nil when the
// host's encoder does not support live bitrate changes, which disables
// adaptation; events may be nil.
func New(cfg Config, transport Transport, enc Encoder, events Events) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	buf := buffer.New(cfg.Buffer)
	info := StreamInfo{
		Width:        cfg.Video.Width,
		Height:       cfg.Video.Height,
		FrameRate:    cfg.Video.FrameRate,
		VideoBitrate: cfg.Video.Bitrate,
		AudioBitrate: cfg.Audio.Bitrate,
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		BitDepth:     cfg.Audio.BitDepth,
	}

	session := NewSession(SessionConfig{
		Endpoint:          cfg.Endpoint,
		Info:              info,
		ReconnectInterval: cfg.ReconnectInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            cfg.Logger,
	}, transport, buf, events)

	p := &Publisher{
		cfg:     cfg,
		buf:     buf,
		session: session,
		log:     cfg.Logger.With("component", "publisher"),
	}
	if enc != nil {
		p.ctrl = NewBitrateController(enc, cfg.Video.Bitrate, cfg.Video.MinBitrate, cfg.Video.MaxBitrate, cfg.Logger)
	}
	return p
}

// Start launches the session, the buffer's congestion sampler, and the
// bitrate feedback loop. It returns once they are running.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		if err := p.session.Run(ctx); err != nil {
			p.log.Error("session terminated", "error", err)
		}
		cancel()
	}()
	go func() {
		defer p.wg.Done()
		p.buf.RunSampler(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.adaptLoop(ctx)
	}()

	return nil
}

// Stop tears the upload down: it interrupts any reconnect backoff, closes
// the transport, clears the buffer, and waits for the workers to exit.
// Safe to call from any state, and more than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.started = false
	p.cancel = nil
	p.mu.Unlock()

	if !started {
		return
	}
	p.session.Stop()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// State returns the session's current lifecycle state.
func (p *Publisher) State() State {
	return p.session.State()
}

// Dropped returns frames discarded so far by buffer eviction.
func (p *Publisher) Dropped() int64 {
	return p.buf.Dropped()
}

// PushVideo admits a video frame to the upload. Frames arriving while the
// session is not publishing are ignored.
func (p *Publisher) PushVideo(f *media.VideoFrame) {
	if p.session.State() != StatePublishing {
		return
	}
	p.buf.Append(f)
}

// PushAudio admits an audio frame to the upload.
func (p *Publisher) PushAudio(f *media.AudioFrame) {
	if p.session.State() != StatePublishing {
		return
	}
	p.buf.Append(f)
}

// adaptLoop feeds congestion classifications into the bitrate controller.
// Adaptation runs only for internally captured video with adaptive mode on.
func (p *Publisher) adaptLoop(ctx context.Context) {
	if p.ctrl == nil || !p.cfg.AdaptiveBitrate || p.cfg.ExternalVideoSource {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-p.buf.States():
			p.ctrl.Adjust(st)
		}
	}
}
