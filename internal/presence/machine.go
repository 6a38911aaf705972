package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/lurker/pkg/jobmgr"
)

// Options wires a Machine to its collaborators.
type Options struct {
	AgentID   string // member id of the agent itself
	Resource  string // audio resource played after every join
	Platform  Platform
	Players   Players
	Scheduler *Scheduler
	Logger    zerolog.Logger
}

// Machine is the per-process presence session. All fields below mu are
// only touched with mu held.
type Machine struct {
	agentID  string
	resource string
	platform Platform
	players  Players
	sched    *Scheduler
	log      zerolog.Logger

	mu       sync.Mutex
	phase    Phase
	target   string   // channel slated for the next join
	occupied string   // channel the agent is connected to
	active   []string // guilds with playback started, oldest first
}

// NewMachine returns an idle machine.
func NewMachine(opts Options) *Machine {
	return &Machine{
		agentID:  opts.AgentID,
		resource: opts.Resource,
		platform: opts.Platform,
		players:  opts.Players,
		sched:    opts.Scheduler,
		log:      opts.Logger.With().Str("component", "presence").Logger(),
	}
}

// Snapshot is a copy of the machine state.
type Snapshot struct {
	Phase        Phase
	Target       string
	Occupied     string
	Active       []string
	TimerPending bool
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Phase:        m.phase,
		Target:       m.target,
		Occupied:     m.occupied,
		Active:       slices.Clone(m.active),
		TimerPending: m.sched.Pending(),
	}
}

// HandleVoiceStateUpdate applies one membership change. Rules are
// evaluated in order:
//
//  1. the agent lost its channel: stop playback
//  2. the agent is alone in its channel: leave
//  3. someone else moved and the agent has no connection in the guild:
//     follow the target or arm a join towards the member
//  4. otherwise, if a channel was left and nothing is pending: rescan
func (m *Machine) HandleVoiceStateUpdate(ev VoiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guildID := ev.New.GuildID
	isAgent := ev.New.UserID == m.agentID

	m.log.Debug().
		Str("guild", guildID).
		Str("user", ev.New.UserID).
		Str("from", ev.Old.ChannelID).
		Str("to", ev.New.ChannelID).
		Stringer("phase", m.phase).
		Msg("Voice state update")

	if isAgent && ev.New.ChannelID == "" {
		m.agentDisconnected(guildID)
	}

	conn, connected := m.platform.Connection(guildID)
	if connected && m.occupied != "" {
		m.departIfAlone(conn)
	}

	if !isAgent && !connected {
		if m.target != "" {
			m.recheckTarget(ev)
		}
		if ev.New.ChannelID != "" && !m.sched.Pending() {
			m.target = ev.New.ChannelID
			m.startJoinTimer(guildID, ev.New.Adapter)
		}
		return
	}

	if !m.sched.Pending() && ev.New.ChannelID == "" {
		m.findNewChannel(ev.Old.GuildID, ev.Old.Adapter)
	}
}

// FindNewChannel scans guildID for an occupied voice channel and targets
// it. With a non-nil adapter a join is armed when none is pending.
func (m *Machine) FindNewChannel(guildID string, adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findNewChannel(guildID, adapter)
}

// Shutdown cancels any pending join and forgets the target.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched.Cancel() {
		m.log.Info().Msg("Pending join cancelled")
	}
	m.target = ""
	m.setPhase(m.rest())
}

func (m *Machine) agentDisconnected(guildID string) {
	m.log.Info().Str("guild", guildID).Msg("Agent disconnected, stopping playback")
	m.players.For(guildID).Stop()
	m.occupied = ""
	m.settle()
}

func (m *Machine) departIfAlone(conn Connection) {
	ch, err := m.platform.Channel(m.occupied)
	if err != nil {
		m.log.Debug().Err(err).Str("channel", m.occupied).Msg("Cannot check occupied channel")
		return
	}
	if !ch.Voice || ch.Members != 1 {
		return
	}

	m.setPhase(PhaseSoloDeparting)
	m.log.Info().Str("guild", conn.GuildID()).Str("channel", m.occupied).Msg("Alone in channel, leaving")
	if err := conn.Destroy(); err != nil {
		m.log.Warn().Err(err).Str("guild", conn.GuildID()).Msg("Failed to destroy connection")
	}
}

// recheckTarget follows a target that emptied: towards the member's new
// channel when there is one, otherwise by rescanning without re-arming.
func (m *Machine) recheckTarget(ev VoiceEvent) {
	empty, err := m.IsChannelEmpty(m.target)
	if err != nil {
		m.log.Debug().Err(err).Msg("Cannot re-check target")
		return
	}
	if !empty {
		return
	}

	m.log.Info().Str("channel", m.target).Msg("Target channel now empty")
	if ev.New.ChannelID != "" {
		m.target = ev.New.ChannelID
		m.log.Info().Str("channel", m.target).Msg("Retargeting to the channel the member moved to")
		return
	}
	m.findNewChannel(ev.New.GuildID, nil)
}

func (m *Machine) startJoinTimer(guildID string, adapter Adapter) {
	if adapter == nil {
		m.log.Warn().Str("guild", guildID).Msg("No voice adapter for guild, join not armed")
		return
	}

	delay := m.sched.Delay()
	attempt := uuid.NewString()
	err := m.sched.Arm(delay, func(ctx context.Context) error {
		return m.fireJoin(ctx, guildID, adapter, attempt)
	})
	if errors.Is(err, jobmgr.ErrJobRunning) {
		m.log.Debug().Str("guild", guildID).Msg("Join already pending, keeping it")
		return
	}
	if err != nil {
		m.log.Error().Err(err).Str("guild", guildID).Msg("Failed to arm join")
		return
	}

	m.setPhase(PhaseTimerPending)
	m.log.Info().
		Str("guild", guildID).
		Str("channel", m.target).
		Str("attempt", attempt).
		Dur("delay", delay).
		Msg("Join scheduled")
}

// fireJoin runs when the join delay elapses. The target is read here,
// not captured when arming, since it may have moved or been cleared.
func (m *Machine) fireJoin(ctx context.Context, guildID string, adapter Adapter, attempt string) error {
	logger := m.log.With().Str("guild", guildID).Str("attempt", attempt).Logger()

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return nil
	}
	channelID := m.target
	if channelID == "" {
		m.setPhase(m.rest())
		m.mu.Unlock()
		logger.Info().Msg("Target vacated before join, nothing to do")
		return nil
	}
	// The target is process-wide; a scan in another guild may have moved it
	// out of reach of this guild's adapter.
	if ch, err := m.platform.Channel(channelID); err != nil || ch.GuildID != guildID {
		m.setPhase(m.rest())
		m.mu.Unlock()
		logger.Info().Err(err).Str("channel", channelID).Msg("Target is outside the armed guild, nothing to do")
		return nil
	}
	m.setPhase(PhaseJoining)
	m.mu.Unlock()

	logger.Info().Str("channel", channelID).Msg("Joining the channel")
	conn, err := adapter.Connect(ctx, guildID, channelID)
	if err != nil {
		m.mu.Lock()
		m.setPhase(m.rest())
		m.mu.Unlock()
		logger.Error().Err(err).Str("channel", channelID).Msg("Join failed")
		return fmt.Errorf("join channel %s: %w", channelID, err)
	}

	m.mu.Lock()
	m.active = append(m.active, guildID)
	m.occupied = channelID
	if m.target == channelID {
		m.target = ""
	}
	m.setPhase(PhaseConnected)
	m.mu.Unlock()

	player := m.players.For(guildID)
	player.Subscribe(conn)
	if err := player.Play(m.resource); err != nil {
		logger.Error().Err(err).Str("resource", m.resource).Msg("Playback failed, leaving")
		m.mu.Lock()
		m.removeActive(guildID)
		m.mu.Unlock()
		if derr := conn.Destroy(); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to destroy connection")
		}
		return fmt.Errorf("play %s: %w", m.resource, err)
	}
	return nil
}

// settle records the resting phase unless a join is in flight.
func (m *Machine) settle() {
	if m.phase == PhaseJoining && m.sched.Pending() {
		return
	}
	if m.sched.Pending() {
		m.setPhase(PhaseTimerPending)
		return
	}
	m.setPhase(m.rest())
}

func (m *Machine) rest() Phase {
	if m.occupied != "" {
		return PhaseConnected
	}
	return PhaseIdle
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	m.log.Debug().Stringer("from", m.phase).Stringer("to", p).Msg("Phase change")
	m.phase = p
}
