package discord

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/lurker/internal/config"
	"github.com/keshon/lurker/internal/music/player"
	"github.com/keshon/lurker/internal/presence"
)

// playerSet hands out audio players: one shared by every guild, or one
// per guild, depending on the configured mode.
type playerSet struct {
	shared bool
	events chan player.Event
	log    zerolog.Logger

	mu      sync.Mutex
	players map[string]*player.Player
}

func newPlayerSet(mode string, logger zerolog.Logger) *playerSet {
	return &playerSet{
		shared:  mode == config.PlayerModeShared,
		events:  make(chan player.Event, 32),
		log:     logger,
		players: make(map[string]*player.Player),
	}
}

// For implements presence.Players.
func (s *playerSet) For(guildID string) presence.Player {
	return playerHandle{s.get(guildID)}
}

func (s *playerSet) get(guildID string) *player.Player {
	key := guildID
	if s.shared {
		key = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.players[key]; ok {
		return p
	}
	p := player.New(key, s.events, s.log)
	s.players[key] = p
	return p
}

// Unsubscribe detaches the guild's connection from its player.
func (s *playerSet) Unsubscribe(guildID string) {
	s.get(guildID).Unsubscribe(guildID)
}

// StopAll stops every player.
func (s *playerSet) StopAll() {
	s.mu.Lock()
	all := make([]*player.Player, 0, len(s.players))
	for _, p := range s.players {
		all = append(all, p)
	}
	s.mu.Unlock()

	for _, p := range all {
		if !p.IsPlaying() {
			continue
		}
		s.log.Info().Strs("guilds", p.Subscribers()).Msg("Stopping playback")
		p.Stop()
	}
}

// playerHandle adapts player.Player to presence.Player.
type playerHandle struct {
	p *player.Player
}

func (h playerHandle) Play(resource string) error { return h.p.Play(resource) }
func (h playerHandle) Stop()                      { h.p.Stop() }

func (h playerHandle) Subscribe(conn presence.Connection) {
	if sink, ok := conn.(player.Sink); ok {
		h.p.Subscribe(sink)
	}
}

// presenceEvent translates a player event for the state machine.
func presenceEvent(ev player.Event) (presence.PlayerEvent, bool) {
	out := presence.PlayerEvent{GuildID: ev.GuildID}
	switch ev.Status {
	case player.StatusPlaying:
		out.Status = presence.StatusPlaying
	case player.StatusIdle:
		out.Status = presence.StatusIdle
	default:
		return out, false
	}
	return out, true
}
