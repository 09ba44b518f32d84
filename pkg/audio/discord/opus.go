package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Discord speaks 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate / 50              // samples per channel
	opusFrameBytes = opusFrameSize * opusChannels * 2 // int16 PCM per packet
)

// opusDecoder holds the decoder state of one SSRC.
type opusDecoder struct{ dec *gopus.Decoder }

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decoder: %w", err)
	}
	return &opusDecoder{dec}, nil
}

// decode returns one packet as interleaved int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	samples, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	pcm := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(s))
	}
	return pcm, nil
}

// opusEncoder buffers outgoing PCM and encodes it one full packet at a time.
type opusEncoder struct {
	enc     *gopus.Encoder
	pending []byte
	frame   []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, frame: make([]int16, opusFrameBytes/2)}, nil
}

// push buffers pcm and returns a packet for each full 20 ms now available.
func (e *opusEncoder) push(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)
	var packets [][]byte
	for len(e.pending) >= opusFrameBytes {
		for i := range e.frame {
			e.frame[i] = int16(binary.LittleEndian.Uint16(e.pending[2*i:]))
		}
		e.pending = e.pending[opusFrameBytes:]
		packet, err := e.enc.Encode(e.frame, opusFrameSize, opusFrameBytes)
		if err != nil {
			return packets, fmt.Errorf("discord: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// reset discards buffered audio, e.g. on barge-in.
func (e *opusEncoder) reset() { e.pending = e.pending[:0] }
