package flv

import (
	"errors"

	"github.com/livepub/livepub/media"
)

// Errors returned by video sequence-header muxing and parsing.
var (
	ErrShortParameterSets = errors.New("flv: SPS/PPS too short for a decoder configuration record")
	ErrShortRecord        = errors.New("flv: truncated AVC decoder configuration record")
)

// MuxVideoSequenceHeader builds the video tag body carrying the
// AVCDecoderConfigurationRecord (ISO 14496-15 §5.2.4.1.1) for the given raw
// SPS and PPS NAL data (without start codes, including the NAL header byte).
// Muxed exactly once per track per connection, before any data frame.
func MuxVideoSequenceHeader(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrShortParameterSets
	}

	body := make([]byte, 0, 16+len(sps)+len(pps))
	body = append(body, frameTypeKey<<4|CodecIDAVC) // keyframe marker + codec id
	body = append(body, avcPacketSequenceHeader)
	body = append(body, 0, 0, 0) // composition time

	body = append(body, 1)      // configurationVersion
	body = append(body, sps[1]) // AVCProfileIndication
	body = append(body, sps[2]) // profile_compatibility
	body = append(body, sps[3]) // AVCLevelIndication
	body = append(body, 0xFF)   // reserved | lengthSizeMinusOne = 3
	body = append(body, 0xE1)   // reserved | numOfSequenceParameterSets = 1

	body = append(body, byte(len(sps)>>8), byte(len(sps)))
	body = append(body, sps...)

	body = append(body, 1) // numOfPictureParameterSets
	body = append(body, byte(len(pps)>>8), byte(len(pps)))
	body = append(body, pps...)

	return body, nil
}

// MuxVideoFrame builds the video tag body for one access unit. The payload
// is appended verbatim: the upstream encoder already emits AVCC
// (length-prefixed) NAL units.
func MuxVideoFrame(f *media.VideoFrame) []byte {
	marker := byte(frameTypeInter)
	if f.IsKeyFrame {
		marker = frameTypeKey
	}

	ct := f.CompositionTime
	body := make([]byte, 0, 5+len(f.Payload))
	body = append(body, marker<<4|CodecIDAVC)
	body = append(body, avcPacketNALU)
	body = append(body, byte(ct>>16), byte(ct>>8), byte(ct)) // signed 24-bit BE
	body = append(body, f.Payload...)
	return body
}

// ParseVideoSequenceHeader extracts the first SPS and PPS from an
// AVCDecoderConfigurationRecord. The record starts at the configuration
// version byte (any tag-body prefix must already be stripped).
func ParseVideoSequenceHeader(record []byte) (sps, pps []byte, err error) {
	if len(record) < 7 {
		return nil, nil, ErrShortRecord
	}

	numSPS := int(record[5] & 0x1F)
	off := 6
	for i := 0; i < numSPS; i++ {
		if off+2 > len(record) {
			return nil, nil, ErrShortRecord
		}
		n := int(record[off])<<8 | int(record[off+1])
		off += 2
		if off+n > len(record) {
			return nil, nil, ErrShortRecord
		}
		if sps == nil {
			sps = record[off : off+n]
		}
		off += n
	}

	if off >= len(record) {
		return nil, nil, ErrShortRecord
	}
	numPPS := int(record[off])
	off++
	for i := 0; i < numPPS; i++ {
		if off+2 > len(record) {
			return nil, nil, ErrShortRecord
		}
		n := int(record[off])<<8 | int(record[off+1])
		off += 2
		if off+n > len(record) {
			return nil, nil, ErrShortRecord
		}
		if pps == nil {
			pps = record[off : off+n]
		}
		off += n
	}

	if sps == nil || pps == nil {
		return nil, nil, ErrShortRecord
	}
	return sps, pps, nil
}
