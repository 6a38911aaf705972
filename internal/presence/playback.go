package presence

// HandlePlayerStatus reacts to player lifecycle signals. Idle releases
// one guild from the active queue and destroys its connection: the
// reporting guild for per-guild players, the oldest guild for the shared
// player.
func (m *Machine) HandlePlayerStatus(ev PlayerEvent) {
	switch ev.Status {
	case StatusPlaying:
		m.log.Info().Str("guild", ev.GuildID).Msg("The audio player has started playing")
	case StatusIdle:
		m.mu.Lock()
		defer m.mu.Unlock()

		guildID, ok := m.releaseGuild(ev.GuildID)
		if !ok {
			return
		}
		conn, ok := m.platform.Connection(guildID)
		if !ok {
			return
		}
		m.log.Info().Str("guild", guildID).Msg("Playback finished, leaving")
		if err := conn.Destroy(); err != nil {
			m.log.Warn().Err(err).Str("guild", guildID).Msg("Failed to destroy connection")
		}
	}
}

func (m *Machine) releaseGuild(source string) (string, bool) {
	if len(m.active) == 0 {
		return "", false
	}
	if source == "" {
		guildID := m.active[0]
		m.active = m.active[1:]
		return guildID, true
	}
	if !m.removeActive(source) {
		return "", false
	}
	return source, true
}

// removeActive drops the oldest entry for guildID.
func (m *Machine) removeActive(guildID string) bool {
	for i, g := range m.active {
		if g == guildID {
			m.active = append(m.active[:i:i], m.active[i+1:]...)
			return true
		}
	}
	return false
}
