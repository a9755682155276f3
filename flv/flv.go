// Package flv builds FLV tag bodies for the publishing core: one-time codec
// sequence headers and per-frame payload headers. Functions are pure; the
// caller owns per-track header-sent flags and timestamp state.
package flv

// Video tag body constants.
const (
	// CodecIDAVC is the FLV codec id for H.264/AVC.
	CodecIDAVC = 7

	frameTypeKey   = 1
	frameTypeInter = 2

	avcPacketSequenceHeader = 0
	avcPacketNALU           = 1
)

// Audio tag body constants.
const (
	// SoundFormatAAC is the FLV sound format id for AAC.
	SoundFormatAAC = 10

	aacPacketSequenceHeader = 0
	aacPacketRaw            = 1
)
