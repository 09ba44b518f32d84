package listen

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

type resultKind int

const (
	resultNone resultKind = iota
	resultStart
	resultEnd
	resultMisfire
)

type result struct {
	kind    resultKind
	segment audio.Segment
}

// segmenter assembles VAD-classified frames into utterances. Durations are
// counted in frames.
type segmenter struct {
	sampleRate int
	padFrames  int
	minFrames  int
	redeem     int

	pad      [][]byte
	speaking bool
	frames   [][]byte
	voiced   int
	silent   int
}

func newSegmenter(cfg Config) *segmenter {
	frames := func(d time.Duration) int {
		return int((d + cfg.FrameSize - 1) / cfg.FrameSize)
	}
	return &segmenter{
		sampleRate: cfg.SampleRate,
		padFrames:  frames(cfg.PreSpeechPad),
		minFrames:  frames(cfg.MinSpeech),
		redeem:     max(frames(cfg.Redemption), 1),
	}
}

// push consumes one frame. pcm is retained and must not be modified later.
func (s *segmenter) push(pcm []byte, t vad.EventType) result {
	voiced := t.Voiced()

	if !s.speaking {
		if t != vad.SpeechStart {
			s.pad = append(s.pad, pcm)
			if len(s.pad) > s.padFrames {
				s.pad = s.pad[len(s.pad)-s.padFrames:]
			}
			return result{}
		}
		s.speaking = true
		s.frames = append(s.pad, pcm)
		s.pad = nil
		s.voiced, s.silent = 1, 0
		return result{kind: resultStart}
	}

	s.frames = append(s.frames, pcm)
	if voiced {
		s.voiced++
		s.silent = 0
		return result{}
	}
	s.silent++
	if s.silent < s.redeem {
		return result{}
	}

	frames, voicedCount := s.frames, s.voiced
	s.clear()
	if voicedCount < s.minFrames {
		return result{kind: resultMisfire}
	}
	var pcmAll []byte
	for _, f := range frames {
		pcmAll = append(pcmAll, f...)
	}
	return result{kind: resultEnd, segment: audio.Segment{
		Samples:    audio.PCM16ToFloat32(pcmAll),
		SampleRate: s.sampleRate,
	}}
}

// clear abandons any utterance in progress.
func (s *segmenter) clear() {
	s.pad = nil
	s.frames = nil
	s.speaking = false
	s.voiced, s.silent = 0, 0
}
