package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/keshon/lurker/internal/presence"
)

// voiceEvent converts a gateway voice state update into the before/after
// pair the state machine consumes. Without a cached previous state the
// member is treated as having been in no channel.
func voiceEvent(p *Platform, vs *discordgo.VoiceStateUpdate) (presence.VoiceEvent, bool) {
	if vs == nil || vs.VoiceState == nil {
		return presence.VoiceEvent{}, false
	}

	next := member(p, vs.VoiceState)
	prev := presence.Member{
		UserID:  next.UserID,
		GuildID: next.GuildID,
		Adapter: next.Adapter,
	}
	if vs.BeforeUpdate != nil {
		prev = member(p, vs.BeforeUpdate)
	}
	return presence.VoiceEvent{Old: prev, New: next}, true
}

func member(p *Platform, vs *discordgo.VoiceState) presence.Member {
	return presence.Member{
		UserID:    vs.UserID,
		GuildID:   vs.GuildID,
		ChannelID: vs.ChannelID,
		Adapter:   p.Adapter(vs.GuildID),
	}
}
