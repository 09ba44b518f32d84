package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64
)

var _ audio.Session = (*session)(nil)

// session adapts a joined voice connection to [audio.Session]. Incoming Opus
// is decoded for the followed SSRC only; outgoing PCM is converted to 48 kHz
// stereo and encoded to Opus.
type session struct {
	recv       <-chan *discordgo.Packet
	send       chan<- []byte
	speaking   func(bool) error
	disconnect func() error
	idle       time.Duration

	input  chan audio.AudioFrame
	output chan audio.AudioFrame
	flush  chan struct{}

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newSession(recv <-chan *discordgo.Packet, send chan<- []byte, speaking func(bool) error, disconnect func() error, idle time.Duration) (*session, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		if disconnect != nil {
			_ = disconnect()
		}
		return nil, err
	}
	s := &session{
		recv:       recv,
		send:       send,
		speaking:   speaking,
		disconnect: disconnect,
		idle:       idle,
		input:      make(chan audio.AudioFrame, inputChannelBuffer),
		output:     make(chan audio.AudioFrame, outputChannelBuffer),
		flush:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.wg.Add(2)
	go s.recvLoop()
	go s.sendLoop(enc)
	return s, nil
}

func (s *session) Input() <-chan audio.AudioFrame  { return s.input }
func (s *session) Output() chan<- audio.AudioFrame { return s.output }

func (s *session) OutputFormat() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// Flush asks the send loop to drop queued frames and any partial Opus frame.
func (s *session) Flush() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// Close leaves the voice channel and closes the input channel.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.input)
		if s.disconnect != nil {
			s.closeErr = s.disconnect()
		}
	})
	return s.closeErr
}

// recvLoop follows one SSRC at a time. Another SSRC is accepted once the
// followed one has been silent for the idle period.
func (s *session) recvLoop() {
	defer s.wg.Done()

	var (
		follow   uint32
		lastSeen time.Time
		dec      *opusDecoder
	)
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			now := time.Now()
			if dec == nil || (pkt.SSRC != follow && now.Sub(lastSeen) > s.idle) {
				d, err := newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				if dec != nil {
					slog.Debug("discord: switching followed speaker", "from", follow, "to", pkt.SSRC)
				}
				dec, follow = d, pkt.SSRC
			}
			if pkt.SSRC != follow {
				continue
			}
			lastSeen = now

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}
			select {
			case s.input <- frame:
			default:
				// Reader is behind; drop rather than stall the voice connection.
			}
		}
	}
}

func (s *session) sendLoop(enc *opusEncoder) {
	defer s.wg.Done()

	conv := audio.NewConverter(s.OutputFormat())
	speaking := false
	setSpeaking := func(b bool) {
		if speaking == b || s.speaking == nil {
			speaking = b
			return
		}
		speaking = b
		if err := s.speaking(b); err != nil {
			slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
		}
	}
	defer setSpeaking(false)

	for {
		select {
		case <-s.done:
			return
		case <-s.flush:
			enc.reset()
		drain:
			for {
				select {
				case <-s.output:
				default:
					break drain
				}
			}
			setSpeaking(false)
		case frame := <-s.output:
			setSpeaking(true)
			packets, err := enc.push(conv.Convert(frame).Data)
			if err != nil {
				slog.Warn("discord: opus encode error", "error", err)
			}
			for _, p := range packets {
				select {
				case s.send <- p:
				case <-s.done:
					return
				}
			}
		}
	}
}
