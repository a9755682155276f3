package flv

import "errors"

// ErrShortConfig is returned when an AudioSpecificConfig is truncated.
var ErrShortConfig = errors.New("flv: AudioSpecificConfig shorter than 2 bytes")

// aacSampleRates is the AAC sampling-frequency-index table (ISO 14496-3).
var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// SampleRateIndex returns the AAC frequency index for the given sample rate.
func SampleRateIndex(sampleRate int) (int, bool) {
	for i, r := range aacSampleRates {
		if r == sampleRate {
			return i, true
		}
	}
	return 0, false
}

// SampleRate returns the sample rate for an AAC frequency index.
func SampleRate(index int) (int, bool) {
	if index < 0 || index >= len(aacSampleRates) {
		return 0, false
	}
	return aacSampleRates[index], true
}

// AudioSpecificConfig is the 2-byte AAC configuration carried in the audio
// sequence header.
type AudioSpecificConfig struct {
	ObjectType         uint8 // 2 = AAC-LC
	FrequencyIndex     uint8
	ChannelConfig      uint8
	FrameLengthFlag    uint8
	DependsOnCoreCoder uint8
	ExtensionFlag      uint8
}

// Encode packs the config into its 2-byte wire form:
// byte0 = objectType<<3 | freqIndex>>1, byte1 = freqIndex<<7 |
// channelConfig<<3 | frameLength<<2 | dependsOnCoreCoder<<1 | extension.
func (c AudioSpecificConfig) Encode() [2]byte {
	var out [2]byte
	out[0] = c.ObjectType<<3 | (c.FrequencyIndex>>1)&0x07
	out[1] = (c.FrequencyIndex&0x01)<<7 |
		(c.ChannelConfig&0x0F)<<3 |
		(c.FrameLengthFlag&0x01)<<2 |
		(c.DependsOnCoreCoder&0x01)<<1 |
		c.ExtensionFlag&0x01
	return out
}

// DecodeAudioSpecificConfig unpacks the 2-byte wire form.
func DecodeAudioSpecificConfig(b []byte) (AudioSpecificConfig, error) {
	if len(b) < 2 {
		return AudioSpecificConfig{}, ErrShortConfig
	}
	return AudioSpecificConfig{
		ObjectType:         b[0] >> 3,
		FrequencyIndex:     (b[0]&0x07)<<1 | b[1]>>7,
		ChannelConfig:      (b[1] >> 3) & 0x0F,
		FrameLengthFlag:    (b[1] >> 2) & 0x01,
		DependsOnCoreCoder: (b[1] >> 1) & 0x01,
		ExtensionFlag:      b[1] & 0x01,
	}, nil
}

// SoundFormatByte derives the leading byte of every audio tag body:
// format<<4 | soundRate<<2 | soundSize<<1 | soundType. Derived once from the
// negotiated output sample rate, bit depth, and channel count.
func SoundFormatByte(format int, sampleRate, bitDepth, channels int) byte {
	rate := 0
	switch {
	case sampleRate >= 44100:
		rate = 3
	case sampleRate >= 22050:
		rate = 2
	case sampleRate >= 11025:
		rate = 1
	}

	size := 0
	if bitDepth == 16 {
		size = 1
	}

	stereo := 0
	if channels > 1 {
		stereo = 1
	}

	return byte(format<<4 | rate<<2 | size<<1 | stereo)
}

// MuxAudioSequenceHeader builds the audio tag body carrying the
// AudioSpecificConfig. Muxed exactly once per track per connection.
func MuxAudioSequenceHeader(soundFormat byte, config []byte) []byte {
	body := make([]byte, 0, 2+len(config))
	body = append(body, soundFormat, aacPacketSequenceHeader)
	body = append(body, config...)
	return body
}

// MuxAudioFrame builds the audio tag body for one raw access unit.
func MuxAudioFrame(soundFormat byte, payload []byte) []byte {
	body := make([]byte, 0, 2+len(payload))
	body = append(body, soundFormat, aacPacketRaw)
	body = append(body, payload...)
	return body
}
