// Package publish implements the publishing core: the session state machine
// that drains buffered frames onto a transport, the congestion-driven
// bitrate controller, and the orchestrator that wires them to the host
// application's encoder and event handlers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livepub/livepub/buffer"
	"github.com/livepub/livepub/flv"
	"github.com/livepub/livepub/media"
)

// State is the publish session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StatePublishing
	StateReconnecting
	StateStopped
	StateFailed
)

// String returns a short label for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePublishing:
		return "publishing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Defaults for SessionConfig fields left zero.
const (
	DefaultReconnectInterval = 3 * time.Second
	DefaultReconnectAttempts = 5
	DefaultConnectTimeout    = 10 * time.Second
	DefaultStatsInterval     = time.Second
)

// SessionConfig controls one publish session.
type SessionConfig struct {
	// Endpoint is the stream target handed to the transport.
	Endpoint string
	// Info carries the negotiated stream parameters.
	Info StreamInfo

	// ReconnectInterval is the fixed backoff between attempts.
	ReconnectInterval time.Duration
	// ReconnectAttempts bounds consecutive failed attempts before the
	// session turns terminal.
	ReconnectAttempts int
	// ConnectTimeout bounds a single transport connect.
	ConnectTimeout time.Duration
	// StatsInterval is the debug snapshot cadence.
	StatsInterval time.Duration

	Logger *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session owns one logical connection to the remote endpoint. All state
// transitions happen on the Run goroutine; the host interacts only through
// Stop and the Events callbacks, so transport errors and host requests
// cannot race.
type Session struct {
	cfg       SessionConfig
	transport Transport
	buf       *buffer.Buffer
	events    Events
	log       *slog.Logger

	state stateValue

	stopOnce sync.Once
	stopCh   chan struct{}

	// Per-connection muxing state, owned by the Run goroutine. Reset on
	// every new connection: a fresh connection always needs fresh sequence
	// headers and delta bases.
	headerSent   [2]bool
	trackStarted [2]bool
	lastTS       [2]uint64

	soundFormat byte
	audioConfig [2]byte // fallback AudioSpecificConfig derived from Info

	stats statsCollector
}

// NewSession creates a Session over the given transport and frame buffer.
// events may be nil.
func NewSession(cfg SessionConfig, transport Transport, buf *buffer.Buffer, events Events) *Session {
	cfg = cfg.withDefaults()
	if events == nil {
		events = NopEvents{}
	}

	freqIndex, ok := flv.SampleRateIndex(cfg.Info.SampleRate)
	if !ok {
		freqIndex = 4 // 44100
	}
	asc := flv.AudioSpecificConfig{
		ObjectType:     2, // AAC-LC
		FrequencyIndex: uint8(freqIndex),
		ChannelConfig:  uint8(cfg.Info.Channels),
	}

	return &Session{
		cfg:         cfg,
		transport:   transport,
		buf:         buf,
		events:      events,
		log:         cfg.Logger.With("component", "session"),
		stopCh:      make(chan struct{}),
		soundFormat: flv.SoundFormatByte(flv.SoundFormatAAC, cfg.Info.SampleRate, cfg.Info.BitDepth, cfg.Info.Channels),
		audioConfig: asc.Encode(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state.load()
}

// Stop requests teardown. Safe to call from any state and any goroutine;
// it interrupts reconnect backoff and in-flight sends.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run drives the connect/publish/reconnect lifecycle until Stop is called,
// the context is cancelled, or the retry budget is exhausted. It returns
// nil on a clean stop and the terminal error otherwise.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
		// The transport's writes may block past ctx cancellation; closing
		// the connection is what unblocks an in-flight Send.
		s.transport.Close()
	}()

	defer func() {
		s.transport.Close()
		s.buf.RemoveAll()
	}()

	go s.flushStats(ctx)

	attempts := 0
	for {
		if s.State() != StateReconnecting {
			s.setState(StateConnecting)
		}

		err := s.connect(ctx)
		if err == nil {
			attempts = 0
			s.resetConnection()
			s.setState(StatePublishing)
			s.log.Info("publishing", "endpoint", s.cfg.Endpoint)

			err = s.drain(ctx)
		}

		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		if errors.Is(err, ErrNoRetry) {
			s.setState(StateFailed)
			terminal := fmt.Errorf("connect: %w", err)
			s.events.OnError(ErrCodeConnect, terminal)
			return terminal
		}

		attempts++
		s.log.Warn("transport error", "error", err, "attempt", attempts, "budget", s.cfg.ReconnectAttempts)
		s.transport.Close()

		if attempts >= s.cfg.ReconnectAttempts {
			s.setState(StateFailed)
			terminal := fmt.Errorf("reconnect budget exhausted after %d attempts: %w", attempts, err)
			s.events.OnError(ErrCodeReconnectTimeout, terminal)
			return terminal
		}

		s.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

func (s *Session) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.transport.Connect(cctx, s.cfg.Endpoint, s.cfg.Info)
}

// resetConnection clears per-connection muxing state and stats.
func (s *Session) resetConnection() {
	s.headerSent = [2]bool{}
	s.trackStarted = [2]bool{}
	s.lastTS = [2]uint64{}
	s.stats.reset(s.buf.Dropped())
}

// drain pulls one frame at a time from the buffer and sends it. A single
// in-flight frame means transport backpressure naturally throttles the
// loop. Returns on transport error or context cancellation.
func (s *Session) drain(ctx context.Context) error {
	for {
		frame, ok := s.buf.PopFirst()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.buf.Signal():
			}
			continue
		}
		if err := s.sendFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// sendFrame muxes the frame (preceded by its one-time sequence header) and
// hands the tag bytes to the transport. A video frame arriving before any
// parameter sets are known is dropped silently: that is expected during
// encoder warm-up, and a bare NAL without configuration must never be sent.
func (s *Session) sendFrame(ctx context.Context, frame media.Frame) error {
	switch f := frame.(type) {
	case *media.VideoFrame:
		if !s.headerSent[media.KindVideo] {
			header := f.Header
			if header == nil {
				if !f.HasParameterSets() {
					s.stats.recordDrop(1)
					return nil
				}
				var err error
				header, err = flv.MuxVideoSequenceHeader(f.SPS, f.PPS)
				if err != nil {
					s.stats.recordDrop(1)
					return nil
				}
			}
			if err := s.transport.Send(ctx, header, media.KindVideo, 0); err != nil {
				return err
			}
			s.headerSent[media.KindVideo] = true
		}

		body := flv.MuxVideoFrame(f)
		if err := s.transport.Send(ctx, body, media.KindVideo, s.delta(media.KindVideo, f.Timestamp)); err != nil {
			return err
		}
		s.advance(media.KindVideo, f.Timestamp)
		s.stats.recordVideo(len(body))

	case *media.AudioFrame:
		if !s.headerSent[media.KindAudio] {
			header := f.Header
			if header == nil {
				config := f.SequenceConfig
				if config == nil {
					config = s.audioConfig[:]
				}
				header = flv.MuxAudioSequenceHeader(s.soundFormat, config)
			}
			if err := s.transport.Send(ctx, header, media.KindAudio, 0); err != nil {
				return err
			}
			s.headerSent[media.KindAudio] = true
		}

		body := flv.MuxAudioFrame(s.soundFormat, f.Payload)
		if err := s.transport.Send(ctx, body, media.KindAudio, s.delta(media.KindAudio, f.Timestamp)); err != nil {
			return err
		}
		s.advance(media.KindAudio, f.Timestamp)
		s.stats.recordAudio(len(body))
	}
	return nil
}

// delta computes the per-track delta timestamp: zero for the first frame of
// a connection, otherwise the distance to the previous frame of the track.
func (s *Session) delta(k media.Kind, ts uint64) uint32 {
	if !s.trackStarted[k] || ts <= s.lastTS[k] {
		return 0
	}
	return uint32(ts - s.lastTS[k])
}

func (s *Session) advance(k media.Kind, ts uint64) {
	s.trackStarted[k] = true
	s.lastTS[k] = ts
}

// flushStats delivers a debug snapshot to the host once per StatsInterval.
func (s *Session) flushStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.events.OnDebug(s.stats.rotate(s.buf.Len(), s.buf.Dropped()))
		}
	}
}

func (s *Session) setState(st State) {
	if s.state.swap(st) != st {
		s.log.Info("state change", "state", st)
		s.events.OnStateChange(st)
	}
}
