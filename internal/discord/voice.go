package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// sendTimeout bounds how long one Opus frame may wait for a connection
// that stopped draining its send queue.
const sendTimeout = 250 * time.Millisecond

// voiceConn is the agent's voice connection in one guild. It is both the
// presence.Connection the state machine tears down and the player.Sink
// audio is written to.
type voiceConn struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	closed    chan struct{}
	once      sync.Once
	onDestroy func(guildID string)
}

func newVoiceConn(vc *discordgo.VoiceConnection, guildID string, onDestroy func(string)) *voiceConn {
	return &voiceConn{
		vc:        vc,
		guildID:   guildID,
		closed:    make(chan struct{}),
		onDestroy: onDestroy,
	}
}

func (c *voiceConn) GuildID() string { return c.guildID }

// ChannelID is read live; the agent may have been moved.
func (c *voiceConn) ChannelID() string {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.ChannelID
}

// Destroy leaves the channel. Repeated calls are no-ops.
func (c *voiceConn) Destroy() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.onDestroy != nil {
			c.onDestroy(c.guildID)
		}
		err = c.vc.Disconnect()
	})
	return err
}

func (c *voiceConn) SendOpus(frame []byte, stop <-chan struct{}) bool {
	t := time.NewTimer(sendTimeout)
	defer t.Stop()

	select {
	case c.vc.OpusSend <- frame:
		return true
	case <-stop:
		return false
	case <-c.closed:
		return false
	case <-t.C:
		return false
	}
}

func (c *voiceConn) Speaking(on bool) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.vc.Speaking(on)
}
