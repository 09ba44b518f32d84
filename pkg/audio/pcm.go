package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 converts little-endian int16 mono PCM to float32 samples
// normalised to [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float32 samples in [-1, 1] to little-endian int16
// PCM. Out-of-range samples are clipped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := math.Round(float64(f) * 32767)
		v = max(min(v, 32767), -32768)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// RMS returns the root-mean-square amplitude of int16 PCM, normalised to
// [0, 1]. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Chunk splits pcm into pieces of at most size bytes, keeping sample
// alignment for the given channel count. The final piece may be shorter.
func Chunk(pcm []byte, size, channels int) [][]byte {
	align := 2 * max(channels, 1)
	size -= size % align
	if size <= 0 {
		return [][]byte{pcm}
	}
	chunks := make([][]byte, 0, len(pcm)/size+1)
	for len(pcm) > size {
		chunks = append(chunks, pcm[:size])
		pcm = pcm[size:]
	}
	if len(pcm) > 0 {
		chunks = append(chunks, pcm)
	}
	return chunks
}
