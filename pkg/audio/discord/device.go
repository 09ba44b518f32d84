// Package discord provides an [audio.Device] backed by a Discord voice
// channel via the bwmarrin/discordgo library. The bot joins the configured
// channel when a conversation starts; the first participant who speaks
// becomes the conversation partner, and replies are played into the channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

const defaultSpeakerIdle = time.Second

var _ audio.Device = (*Device)(nil)

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithSpeakerIdle sets how long the followed participant must be silent
// before another participant's audio is accepted. Defaults to 1 s.
func WithSpeakerIdle(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.speakerIdle = d
		}
	}
}

// Device implements [audio.Device] on a single Discord voice channel.
// It requires an active *discordgo.Session owned by the caller.
type Device struct {
	session     *discordgo.Session
	guildID     string
	channelID   string
	speakerIdle time.Duration
}

// New creates a Device for the given guild and voice channel.
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) (*Device, error) {
	if session == nil {
		return nil, errors.New("discord: session must not be nil")
	}
	if guildID == "" || channelID == "" {
		return nil, errors.New("discord: guild and channel IDs must not be empty")
	}
	d := &Device{
		session:     session,
		guildID:     guildID,
		channelID:   channelID,
		speakerIdle: defaultSpeakerIdle,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Open joins the voice channel unmuted and undeafened.
func (d *Device) Open(ctx context.Context) (audio.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := d.session.ChannelVoiceJoin(d.guildID, d.channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", d.channelID, errors.Join(err, audio.ErrNoDevice))
	}
	return newSession(vc.OpusRecv, vc.OpusSend, vc.Speaking, vc.Disconnect, d.speakerIdle)
}
