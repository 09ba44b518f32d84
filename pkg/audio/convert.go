package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive rate and channel count.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// Converter turns interleaved int16 PCM of any format into one target format.
// Channels are averaged down to mono, resampled by linear interpolation and
// duplicated out to the target channel count.
//
// The resampler keeps its phase and last sample between calls, so a stream
// converted frame by frame matches the stream converted in one piece. Call
// [Converter.Flush] at the end of a stream for the held-back tail. When the
// source format changes, that state is discarded. A Converter belongs to
// a single stream and is not safe for concurrent use.
type Converter struct {
	to     Format
	from   Format
	rs     resampler
	warned bool
}

// NewConverter returns a [Converter] producing frames in format to.
func NewConverter(to Format) *Converter {
	return &Converter{to: to}
}

// Target returns the output format.
func (c *Converter) Target() Format { return c.to }

// Convert returns frame in the target format. Frames already in the target
// format are returned with their data untouched. Frames whose length is not
// a whole number of samples, or whose format is invalid, come back empty and
// are logged once per converter.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{SampleRate: c.to.SampleRate, Channels: c.to.Channels, Timestamp: frame.Timestamp}
	from := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if !from.Valid() || len(frame.Data)%(2*from.Channels) != 0 {
		if !c.warned {
			c.warned = true
			slog.Warn("audio: dropping misaligned PCM frame", "bytes", len(frame.Data), "format", from)
		}
		return out
	}
	if from == c.to {
		out.Data = frame.Data
		return out
	}
	if from != c.from {
		slog.Debug("audio: converting stream", "from", from, "to", c.to)
		c.from = from
		c.rs = resampler{src: from.SampleRate, dst: c.to.SampleRate}
	}

	mono := c.rs.process(downmix(frame.Data, from.Channels))
	out.Data = upmix(mono, c.to.Channels)
	return out
}

// Flush returns the output still owed at the end of the stream, holding the
// last input sample, and forgets the stream. The next frame starts afresh.
func (c *Converter) Flush() []byte {
	tail := c.rs.flush()
	c.from = Format{}
	c.rs = resampler{}
	if len(tail) == 0 {
		return nil
	}
	return upmix(tail, c.to.Channels)
}

// ConvertPCM converts a complete clip of int16 PCM between formats. The
// output holds exactly len(input)*to.SampleRate/from.SampleRate frames.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || !from.Valid() || !to.Valid() || len(pcm) < 2*from.Channels {
		return pcm
	}
	mono := downmix(pcm, from.Channels)
	want := int(int64(len(mono)) * int64(to.SampleRate) / int64(from.SampleRate))
	rs := resampler{src: from.SampleRate, dst: to.SampleRate}
	out := append(rs.process(mono), rs.flush()...)
	for len(out) < want {
		out = append(out, rs.prev)
	}
	return upmix(out[:want], to.Channels)
}

// resampler is a streaming linear-interpolation resampler for mono samples.
type resampler struct {
	src, dst int

	// phase is the input position of the next output sample in units of
	// 1/dst input samples, relative to the first sample of the buffer being
	// processed. Once primed, index 0 of that buffer is prev, the last
	// sample of the previous call.
	phase  int64
	prev   int16
	primed bool
}

func (r *resampler) process(in []int16) []int16 {
	if r.src == r.dst || len(in) == 0 {
		return in
	}
	buf := in
	if r.primed {
		buf = append([]int16{r.prev}, in...)
	}
	src, dst := int64(r.src), int64(r.dst)
	out := make([]int16, 0, int64(len(buf))*dst/src+1)
	for {
		i := r.phase / dst
		if i+1 >= int64(len(buf)) {
			break
		}
		frac := float64(r.phase%dst) / float64(dst)
		v := float64(buf[i])*(1-frac) + float64(buf[i+1])*frac
		out = append(out, int16(math.Round(v)))
		r.phase += src
	}
	r.phase -= int64(len(buf)-1) * dst
	r.prev = buf[len(buf)-1]
	r.primed = true
	return out
}

// flush emits the outputs that fall between the last input sample and the
// one that will never arrive.
func (r *resampler) flush() []int16 {
	if !r.primed || r.src == r.dst {
		return nil
	}
	var out []int16
	for r.phase < int64(r.dst) {
		out = append(out, r.prev)
		r.phase += int64(r.src)
	}
	return out
}

func downmix(pcm []byte, channels int) []int16 {
	frames := len(pcm) / (2 * channels)
	out := make([]int16, frames)
	for i := range out {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:])))
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

func upmix(mono []int16, channels int) []byte {
	out := make([]byte, len(mono)*2*channels)
	for i, s := range mono {
		for ch := range channels {
			binary.LittleEndian.PutUint16(out[(i*channels+ch)*2:], uint16(s))
		}
	}
	return out
}
