// Package presence decides where the agent should be. It consumes voice
// state updates and player status events, tracks the channel it is aiming
// for and the channel it occupies, owns the single delayed join, and
// tears connections down when the agent is alone or playback finished.
//
// The package talks to the voice platform only through the interfaces
// declared here; internal/discord provides the discordgo implementation.
package presence

import (
	"context"
	"errors"
)

// ErrAmbiguousChannel is returned when a channel id does not resolve to a
// voice channel, so its occupancy cannot be determined.
var ErrAmbiguousChannel = errors.New("channel is not a voice channel")

// Channel is a point-in-time view of one channel.
type Channel struct {
	ID      string
	GuildID string
	Voice   bool
	Members int
}

// Platform is the read side of the voice platform.
type Platform interface {
	// Channel resolves a channel by id.
	Channel(channelID string) (Channel, error)
	// VoiceChannels lists the voice channel ids of a guild in a stable order.
	VoiceChannels(guildID string) ([]string, error)
	// Connection returns the agent's live connection in a guild, if any.
	Connection(guildID string) (Connection, bool)
}

// Adapter is a guild-scoped voice session credential able to open a
// connection.
type Adapter interface {
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Connection is an established voice connection of the agent.
type Connection interface {
	GuildID() string
	ChannelID() string
	Destroy() error
}

// Player plays an audio resource to the connections subscribed to it.
type Player interface {
	Play(resource string) error
	Stop()
	Subscribe(conn Connection)
}

// Players hands out the player responsible for a guild. Depending on the
// mode this is one shared player or one player per guild.
type Players interface {
	For(guildID string) Player
}

// Member is one side of a voice state update.
type Member struct {
	UserID    string
	GuildID   string
	ChannelID string // empty when not connected to any channel
	Adapter   Adapter
}

// VoiceEvent is a membership change of one member.
type VoiceEvent struct {
	Old Member
	New Member
}

// PlayerStatus is a player lifecycle signal.
type PlayerStatus string

const (
	StatusPlaying PlayerStatus = "Playing"
	StatusIdle    PlayerStatus = "Idle"
)

// PlayerEvent reports a status change. GuildID is empty for the shared
// player.
type PlayerEvent struct {
	GuildID string
	Status  PlayerStatus
}
