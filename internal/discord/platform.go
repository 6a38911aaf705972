package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/lurker/internal/presence"
)

var ErrWrongGuild = errors.New("adapter belongs to another guild")

// Platform answers the state machine's questions from the discordgo state
// cache and opens voice connections through the session.
type Platform struct {
	session *discordgo.Session
	agentID string

	// fetch resolves channels missing from the state cache.
	fetch func(channelID string) (*discordgo.Channel, error)
	// join opens a voice connection.
	join func(guildID, channelID string) (*discordgo.VoiceConnection, error)
	// onRelease is told when a connection is destroyed.
	onRelease func(guildID string)

	mu    sync.Mutex
	conns map[string]*voiceConn
}

// NewPlatform wraps s. agentID is the bot's own user id. onRelease may
// be nil.
func NewPlatform(s *discordgo.Session, agentID string, onRelease func(guildID string)) *Platform {
	return &Platform{
		session: s,
		agentID: agentID,
		fetch: func(channelID string) (*discordgo.Channel, error) {
			return s.Channel(channelID)
		},
		join: func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
			return s.ChannelVoiceJoin(guildID, channelID, false, true)
		},
		onRelease: onRelease,
		conns:     make(map[string]*voiceConn),
	}
}

// Channel resolves channelID, counting voice occupants from the guild's
// voice states.
func (p *Platform) Channel(channelID string) (presence.Channel, error) {
	ch, err := p.session.State.Channel(channelID)
	if err != nil {
		ch, err = p.fetch(channelID)
		if err != nil {
			return presence.Channel{}, fmt.Errorf("failed to fetch channel %s: %w", channelID, err)
		}
	}

	out := presence.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Voice:   ch.Type == discordgo.ChannelTypeGuildVoice,
	}
	if out.Voice {
		out.Members = p.members(ch.GuildID, ch.ID)
	}
	return out, nil
}

func (p *Platform) members(guildID, channelID string) int {
	guild, err := p.session.State.Guild(guildID)
	if err != nil {
		return 0
	}

	p.session.State.RLock()
	defer p.session.State.RUnlock()

	n := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			n++
		}
	}
	return n
}

// VoiceChannels lists the guild's voice channels ordered by position,
// then id.
func (p *Platform) VoiceChannels(guildID string) ([]string, error) {
	guild, err := p.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("error retrieving guild: %w", err)
	}

	p.session.State.RLock()
	voice := make([]*discordgo.Channel, 0, len(guild.Channels))
	for _, ch := range guild.Channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice {
			voice = append(voice, ch)
		}
	}
	p.session.State.RUnlock()

	slices.SortStableFunc(voice, func(a, b *discordgo.Channel) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), cmp.Compare(a.ID, b.ID))
	})

	ids := make([]string, len(voice))
	for i, ch := range voice {
		ids[i] = ch.ID
	}
	return ids, nil
}

// Connection returns the agent's live voice connection in guildID. A
// VoiceConnection left behind after the agent was disconnected from
// outside does not count: discordgo never clears it, so liveness is read
// from the agent's cached voice state instead.
func (p *Platform) Connection(guildID string) (presence.Connection, bool) {
	vc := p.voiceConnection(guildID)
	if vc == nil || !p.agentInVoice(guildID) {
		return nil, false
	}
	return p.track(vc, guildID), true
}

// agentInVoice reports whether the state cache has the agent in a voice
// channel of guildID. The cache is updated before handlers run.
func (p *Platform) agentInVoice(guildID string) bool {
	vs, err := p.session.State.VoiceState(guildID, p.agentID)
	return err == nil && vs.ChannelID != ""
}

// Adapter returns the voice credential for guildID.
func (p *Platform) Adapter(guildID string) presence.Adapter {
	return &guildAdapter{platform: p, guildID: guildID}
}

// Connections returns every tracked connection.
func (p *Platform) Connections() []presence.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]presence.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Platform) voiceConnection(guildID string) *discordgo.VoiceConnection {
	p.session.RLock()
	defer p.session.RUnlock()
	return p.session.VoiceConnections[guildID]
}

// track returns the wrapper for vc, replacing a wrapper of an older
// connection in the same guild.
func (p *Platform) track(vc *discordgo.VoiceConnection, guildID string) *voiceConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[guildID]; ok && c.vc == vc {
		return c
	}
	c := newVoiceConn(vc, guildID, p.release)
	p.conns[guildID] = c
	return c
}

func (p *Platform) release(guildID string) {
	p.mu.Lock()
	delete(p.conns, guildID)
	p.mu.Unlock()

	if p.onRelease != nil {
		p.onRelease(guildID)
	}
}

// dropStale disconnects a leftover connection the agent was kicked from,
// so the next join starts from a clean handshake.
func (p *Platform) dropStale(guildID string) {
	vc := p.voiceConnection(guildID)
	if vc == nil || p.agentInVoice(guildID) {
		return
	}
	_ = p.track(vc, guildID).Destroy()
}

type guildAdapter struct {
	platform *Platform
	guildID  string
}

func (a *guildAdapter) Connect(ctx context.Context, guildID, channelID string) (presence.Connection, error) {
	if guildID != a.guildID {
		return nil, fmt.Errorf("%w: %s != %s", ErrWrongGuild, guildID, a.guildID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.platform.dropStale(guildID)

	vc, err := a.platform.join(guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}
	return a.platform.track(vc, guildID), nil
}
