package discord

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

func newTestSession(t *testing.T) (*session, chan *discordgo.Packet, chan []byte, *int) {
	t.Helper()
	recv := make(chan *discordgo.Packet, 16)
	send := make(chan []byte, 16)
	disconnects := 0
	s, err := newSession(recv, send, func(bool) error { return nil }, func() error {
		disconnects++
		return nil
	}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, recv, send, &disconnects
}

func encodeSilence(t *testing.T) []byte {
	t.Helper()
	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}
	packets, err := enc.push(make([]byte, opusFrameBytes))
	if err != nil || len(packets) != 1 {
		t.Fatalf("encode: want 1 packet, got %d (%v)", len(packets), err)
	}
	return packets[0]
}

func TestSession_OutputEncodesWholeFrames(t *testing.T) {
	t.Parallel()
	s, _, send, _ := newTestSession(t)

	// 10 ms of 48 kHz stereo: not enough for a packet.
	s.Output() <- audio.AudioFrame{Data: make([]byte, opusFrameBytes/2), SampleRate: 48000, Channels: 2}
	select {
	case <-send:
		t.Fatal("packet sent before a full frame was buffered")
	case <-time.After(50 * time.Millisecond):
	}

	s.Output() <- audio.AudioFrame{Data: make([]byte, opusFrameBytes/2), SampleRate: 48000, Channels: 2}
	select {
	case p := <-send:
		if len(p) == 0 {
			t.Error("empty opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("no packet after a full frame")
	}
}

func TestSession_FollowsFirstSpeaker(t *testing.T) {
	t.Parallel()
	s, recv, _, _ := newTestSession(t)
	packet := encodeSilence(t)

	recv <- &discordgo.Packet{SSRC: 1, Opus: packet}
	recv <- &discordgo.Packet{SSRC: 2, Opus: packet}
	recv <- &discordgo.Packet{SSRC: 1, Opus: packet}

	got := 0
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case f := <-s.Input():
			if f.SampleRate != opusSampleRate || f.Channels != opusChannels {
				t.Errorf("frame format: want 48000/2, got %d/%d", f.SampleRate, f.Channels)
			}
			got++
		case <-timeout:
			break loop
		}
	}
	if got != 2 {
		t.Errorf("frames: want 2 from the followed speaker, got %d", got)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()
	s, _, _, disconnects := newTestSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if *disconnects != 1 {
		t.Errorf("disconnects: want 1, got %d", *disconnects)
	}
	if _, ok := <-s.Input(); ok {
		t.Error("input should be closed")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, "g", "c"); err == nil {
		t.Error("want error for nil session")
	}
	if _, err := New(&discordgo.Session{}, "", "c"); err == nil {
		t.Error("want error for empty guild")
	}
	if _, err := New(&discordgo.Session{}, "g", "c"); err != nil {
		t.Errorf("valid: %v", err)
	}
}
