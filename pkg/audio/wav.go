package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [DecodeWAV] for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAV wraps int16 little-endian PCM in a canonical 44-byte RIFF/WAVE
// header. The result is what batch transcription endpoints accept as a file
// upload.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bits = 16
	byteRate := f.SampleRate * f.Channels * bits / 8
	blockAlign := f.Channels * bits / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// SegmentWAV encodes a speech segment as a mono 16-bit WAV file.
func SegmentWAV(seg Segment) []byte {
	return EncodeWAV(Float32ToPCM16(seg.Samples), Format{SampleRate: seg.SampleRate, Channels: 1})
}

// DecodeWAV extracts the PCM payload and format from a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := min(body+size, len(b))

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return nil, Format{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			if codec := binary.LittleEndian.Uint16(b[body:]); codec != 1 {
				return nil, Format{}, fmt.Errorf("audio: wav codec %d is not PCM", codec)
			}
			if bits := binary.LittleEndian.Uint16(b[body+14:]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: wav has %d bits per sample, want 16", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			return b[body:end], f, nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return nil, Format{}, errors.New("audio: wav has no data chunk")
}
