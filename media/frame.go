// Package media defines the encoded-frame types that flow through the
// livepub publishing pipeline, from the encoder boundary through buffering
// to container muxing.
package media

// Kind identifies the track a frame belongs to.
type Kind int

// Track kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

// String returns "video" or "audio" for logging.
func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Frame is a single encoded access unit handed to the publisher. Timestamps
// are milliseconds, monotonically non-decreasing per track, relative to the
// start of the current upload. Frames are immutable once constructed.
type Frame interface {
	Kind() Kind
	TS() uint64
	Bytes() []byte
}

// VideoFrame is one compressed video access unit. Payload is AVCC format
// (length-prefixed NALUs) as produced by the upstream encoder. SPS/PPS are
// attached only to the keyframe that introduces a new codec-parameter epoch.
type VideoFrame struct {
	Timestamp uint64
	Payload   []byte
	Header    []byte // optional pre-built sequence-header bytes

	IsKeyFrame      bool
	CompositionTime int32 // presentation minus decode offset, ms
	SPS             []byte
	PPS             []byte
}

func (f *VideoFrame) Kind() Kind    { return KindVideo }
func (f *VideoFrame) TS() uint64    { return f.Timestamp }
func (f *VideoFrame) Bytes() []byte { return f.Payload }

// HasParameterSets reports whether this frame carries the SPS/PPS needed to
// build a video sequence header.
func (f *VideoFrame) HasParameterSets() bool {
	return len(f.SPS) > 0 && len(f.PPS) > 0
}

// AudioFrame is one compressed audio access unit (raw AAC, no ADTS).
// SequenceConfig carries the AudioSpecificConfig once per codec epoch.
type AudioFrame struct {
	Timestamp uint64
	Payload   []byte
	Header    []byte // optional pre-built sequence-header bytes

	SequenceConfig []byte
}

func (f *AudioFrame) Kind() Kind    { return KindAudio }
func (f *AudioFrame) TS() uint64    { return f.Timestamp }
func (f *AudioFrame) Bytes() []byte { return f.Payload }
