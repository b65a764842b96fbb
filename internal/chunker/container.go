package chunker

import (
	"bytes"
	"encoding/binary"
)

// Container names the media container payload's leading bytes identify, or
// "" when they match nothing the transcription providers accept.
func Container(payload []byte) string {
	switch {
	case IsWAV(payload):
		return "wav"
	case bytes.HasPrefix(payload, []byte("ID3")):
		return "mpeg"
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1]&0xE0 == 0xE0 && payload[1]&0x06 != 0:
		// MPEG audio frame sync with a non-reserved layer; ADTS AAC uses layer 0.
		return "mpeg"
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1]&0xF6 == 0xF0:
		return "aac"
	case len(payload) >= 12 && string(payload[4:8]) == "ftyp":
		return "mp4"
	case bytes.HasPrefix(payload, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(payload, []byte("OggS")):
		return "ogg"
	case len(payload) >= 4 && binary.BigEndian.Uint32(payload) == 0x1A45DFA3:
		return "matroska"
	case bytes.HasPrefix(payload, []byte{0x30, 0x26, 0xB2, 0x75}):
		return "asf"
	case bytes.HasPrefix(payload, []byte("#!AMR")):
		return "amr"
	}
	return ""
}
