package publish

import (
	"context"
	"errors"

	"github.com/livepub/livepub/media"
)

// StreamInfo carries the negotiated stream parameters handed to the
// transport on connect, and from which audio muxing parameters are derived.
type StreamInfo struct {
	Width     int
	Height    int
	FrameRate int

	VideoBitrate int // bps
	AudioBitrate int // bps

	SampleRate int
	Channels   int
	BitDepth   int
}

// Transport is the collaborator that moves already-muxed container bytes
// onto the wire. Implementations own the handshake, connection framing, and
// chunking; the core only hands them tag bodies plus per-track delta
// timestamps. Send blocks until the bytes are accepted or the write fails,
// which is what throttles the drain loop under backpressure. Close may be
// called from another goroutine while a Send is in flight and must cause
// that Send to return.
type Transport interface {
	Connect(ctx context.Context, endpoint string, info StreamInfo) error
	Send(ctx context.Context, tag []byte, kind media.Kind, deltaMs uint32) error
	Close() error
}

// ErrNoRetry marks transport failures that reconnecting cannot fix, such as
// a malformed endpoint. The session fails immediately with ErrCodeConnect
// instead of spending the retry budget.
var ErrNoRetry = errors.New("publish: permanent transport failure")

// ErrorCode is the discrete error enumeration surfaced to the host.
type ErrorCode int

// Host-visible error codes. The numeric values are stable so hosts can
// persist or switch on them.
const (
	ErrCodePreview          ErrorCode = 201
	ErrCodeStreamInfo       ErrorCode = 202
	ErrCodeConnect          ErrorCode = 203
	ErrCodeVerification     ErrorCode = 204
	ErrCodeReconnectTimeout ErrorCode = 205
)

// Events receives session lifecycle notifications. Implementations must not
// block; callbacks are invoked from the session goroutine.
type Events interface {
	OnStateChange(State)
	OnError(ErrorCode, error)
	OnDebug(DebugStats)
}

// NopEvents is an Events implementation that discards everything.
type NopEvents struct{}

func (NopEvents) OnStateChange(State)      {}
func (NopEvents) OnError(ErrorCode, error) {}
func (NopEvents) OnDebug(DebugStats)       {}
