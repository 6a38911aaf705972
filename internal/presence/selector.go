package presence

// findNewChannel walks the guild's voice channels in order and targets
// the first one with occupants. Lookups stop at the first hit. When no
// channel qualifies the target is cleared and the pending join dropped.
func (m *Machine) findNewChannel(guildID string, adapter Adapter) {
	m.setPhase(PhaseScanning)

	channels, err := m.platform.VoiceChannels(guildID)
	if err != nil {
		m.log.Warn().Err(err).Str("guild", guildID).Msg("Failed to list voice channels")
	}

	found := ""
	for _, id := range channels {
		empty, err := m.IsChannelEmpty(id)
		if err != nil {
			m.log.Debug().Err(err).Str("channel", id).Msg("Skipping channel")
			continue
		}
		if !empty {
			found = id
			break
		}
	}

	if found == "" {
		m.log.Info().Str("guild", guildID).Msg("Couldn't find anywhere else to go")
		m.sched.Cancel()
		m.target = ""
		m.setPhase(m.rest())
		return
	}

	m.target = found
	m.log.Info().Str("guild", guildID).Str("channel", found).Msg("Channel has targetable members")

	if adapter != nil && !m.sched.Pending() {
		m.startJoinTimer(guildID, adapter)
		return
	}
	m.settle()
}
