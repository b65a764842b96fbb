package chunker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// WAVInfo describes a PCM WAV payload.
type WAVInfo struct {
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataOffset    int64
	DataSize      int64
}

// ByteRate is the number of data bytes per second of audio.
func (w WAVInfo) ByteRate() int64 {
	return int64(w.SampleRate) * int64(w.BlockAlign())
}

// BlockAlign is the size of one sample frame across all channels.
func (w WAVInfo) BlockAlign() int64 {
	return int64(w.BitsPerSample/8) * int64(w.Channels)
}

func (w WAVInfo) DurationSeconds() float64 {
	rate := w.ByteRate()
	if rate == 0 {
		return 0
	}
	return float64(w.DataSize) / float64(rate)
}

var errNotWAV = errors.New("not a WAV file")

// IsWAV reports whether payload starts with a RIFF/WAVE header.
func IsWAV(payload []byte) bool {
	return len(payload) >= 12 && string(payload[0:4]) == "RIFF" && string(payload[8:12]) == "WAVE"
}

// ProbeWAV walks the RIFF chunks of payload to find the format and data
// sections.
func ProbeWAV(payload []byte) (WAVInfo, error) {
	if !IsWAV(payload) {
		return WAVInfo{}, errNotWAV
	}

	var info WAVInfo
	var haveFmt bool
	pos := int64(12)
	size := int64(len(payload))
	for {
		if pos+8 > size {
			return WAVInfo{}, errors.New("data chunk not found")
		}
		chunkID := string(payload[pos : pos+4])
		chunkSize := int64(binary.LittleEndian.Uint32(payload[pos+4 : pos+8]))
		body := pos + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > size {
				return WAVInfo{}, errors.New("invalid fmt chunk")
			}
			buf := payload[body : body+16]
			info.Channels = binary.LittleEndian.Uint16(buf[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.DataOffset = body
			// streamed files often carry a bogus size; clamp to what we have
			info.DataSize = min(chunkSize, size-body)
			if info.SampleRate == 0 || info.Channels == 0 || info.BitsPerSample == 0 || info.BlockAlign() == 0 {
				return WAVInfo{}, errors.New("missing audio format information")
			}
			d := info.DurationSeconds()
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return WAVInfo{}, errors.New("invalid duration computed")
			}
			return info, nil
		}

		skip := chunkSize
		if skip%2 == 1 {
			skip++
		}
		pos = body + skip
	}
}

// encodeWAV wraps PCM data in a canonical 44-byte header.
func encodeWAV(info WAVInfo, data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(data))
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1)) // PCM
	_ = binary.Write(&buf, le, info.Channels)
	_ = binary.Write(&buf, le, info.SampleRate)
	_ = binary.Write(&buf, le, uint32(info.ByteRate()))
	_ = binary.Write(&buf, le, uint16(info.BlockAlign()))
	_ = binary.Write(&buf, le, info.BitsPerSample)
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// EncodeWAV builds a PCM WAV file; exported for callers that synthesize
// audio (tests, converters).
func EncodeWAV(channels uint16, sampleRate uint32, bitsPerSample uint16, data []byte) []byte {
	return encodeWAV(WAVInfo{Channels: channels, SampleRate: sampleRate, BitsPerSample: bitsPerSample}, data)
}
