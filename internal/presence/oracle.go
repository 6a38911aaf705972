package presence

import "fmt"

// IsChannelEmpty reports whether channelID has no occupants. A channel
// that is missing or not a voice channel yields ErrAmbiguousChannel;
// callers must not act on any error.
func (m *Machine) IsChannelEmpty(channelID string) (bool, error) {
	ch, err := m.platform.Channel(channelID)
	if err != nil {
		return false, fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	if !ch.Voice {
		return false, fmt.Errorf("channel %s: %w", channelID, ErrAmbiguousChannel)
	}
	return ch.Members == 0, nil
}
