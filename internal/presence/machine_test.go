package presence

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/lurker/pkg/jobmgr"
)

const (
	g1 = "guild-1"
	g2 = "guild-2"
)

func TestScheduler_DelayBounds(t *testing.T) {
	s := NewScheduler(jobmgr.NewManager(nil), time.Second, 2*time.Second)

	s.rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, s.Delay())

	s.rand = func() float64 { return 0.9999999 }
	assert.Equal(t, 1999*time.Millisecond, s.Delay())

	s.rand = rand.Float64
	for i := 0; i < 200; i++ {
		d := s.Delay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
		assert.Zero(t, d%time.Millisecond)
	}
}

func TestScheduler_EqualBounds(t *testing.T) {
	s := NewScheduler(jobmgr.NewManager(nil), 250*time.Millisecond, 250*time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, s.Delay())
}

func TestIsChannelEmpty(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "empty", 0)
	h.platform.addVoice(g1, "busy", 2)
	h.platform.addText(g1, "text")

	empty, err := h.machine.IsChannelEmpty("empty")
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = h.machine.IsChannelEmpty("busy")
	require.NoError(t, err)
	assert.False(t, empty)

	_, err = h.machine.IsChannelEmpty("text")
	assert.True(t, errors.Is(err, ErrAmbiguousChannel))

	_, err = h.machine.IsChannelEmpty("missing")
	assert.True(t, errors.Is(err, errNotFound))
}

func TestMemberJoinArmsTimer(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "V", 1)

	h.move("u1", g1, "", "V")

	snap := h.machine.Snapshot()
	assert.Equal(t, "V", snap.Target)
	assert.True(t, snap.TimerPending)
	assert.Equal(t, PhaseTimerPending, snap.Phase)
	assert.Equal(t, 1, h.scheduledCount())
}

func TestAtMostOnePendingTimer(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 0)
	h.platform.addVoice(g1, "B", 0)
	h.platform.addVoice(g2, "C", 0)

	steps := []struct{ user, guild, from, to, channel string }{
		{"u1", g1, "", "A", "A"},
		{"u2", g1, "", "B", "B"},
		{"u3", g2, "", "C", "C"},
		{"u2", g1, "B", "A", "A"},
		{"u1", g1, "A", "", ""},
		{"u4", g1, "", "B", "B"},
	}

	for _, s := range steps {
		if s.channel != "" {
			h.platform.setMembers(s.channel, 1)
		}
		h.move(s.user, s.guild, s.from, s.to)
		assert.LessOrEqual(t, len(h.jobs.List()), 1)
	}

	assert.Equal(t, 1, h.scheduledCount())
	assert.Equal(t, "A", h.machine.Snapshot().Target, "pending timer's target is kept")
}

func TestRetargetWithoutReset(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 1)
	h.platform.addVoice(g1, "B", 0)

	h.move("u1", g1, "", "A")
	require.True(t, h.machine.Snapshot().TimerPending)

	h.platform.setMembers("A", 0)
	h.platform.setMembers("B", 1)
	h.move("u1", g1, "A", "B")

	snap := h.machine.Snapshot()
	assert.Equal(t, "B", snap.Target)
	assert.True(t, snap.TimerPending)
	assert.Equal(t, 1, h.scheduledCount(), "no new timer armed")
}

func TestRetargetJoinsNewTarget(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, 50*time.Millisecond)
	h.platform.addVoice(g1, "A", 1)
	h.platform.addVoice(g1, "B", 0)

	h.move("u1", g1, "", "A")
	h.platform.setMembers("A", 0)
	h.platform.setMembers("B", 1)
	h.move("u1", g1, "A", "B")

	h.waitOccupied(t, "B")
	assert.Equal(t, []string{"B"}, h.adapter.joined())
	assert.Equal(t, 1, h.scheduledCount())
}

func TestFullScanFallbackFindsOccupiedChannel(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 1)
	h.platform.addVoice(g1, "B", 0)
	h.platform.addVoice(g1, "C", 2)

	h.move("u1", g1, "", "A")
	h.platform.setMembers("A", 0)
	h.move("u1", g1, "A", "")

	snap := h.machine.Snapshot()
	assert.Equal(t, "C", snap.Target)
	assert.True(t, snap.TimerPending, "existing timer continues towards the new target")
	assert.Equal(t, 1, h.scheduledCount())
	assert.Contains(t, h.platform.traceSnapshot(), "scan:"+g1)
}

func TestFullScanFallbackCancelsWhenNothingOccupied(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 1)
	h.platform.addVoice(g1, "B", 0)

	h.move("u1", g1, "", "A")
	h.platform.setMembers("A", 0)
	h.move("u1", g1, "A", "")

	snap := h.machine.Snapshot()
	assert.Empty(t, snap.Target)
	assert.False(t, snap.TimerPending)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, h.adapter.joined())
}

func TestNoTargetIdle(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 0)
	h.platform.addVoice(g1, "B", 0)

	h.machine.FindNewChannel(g1, h.adapter)

	snap := h.machine.Snapshot()
	assert.Empty(t, snap.Target)
	assert.False(t, snap.TimerPending)
	assert.Equal(t, PhaseIdle, snap.Phase)
}

func TestSelectorShortCircuits(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 0)
	h.platform.addText(g1, "T")
	h.platform.addVoice(g1, "B", 3)
	h.platform.addVoice(g1, "C", 1)
	h.platform.order[g1] = []string{"A", "T", "B", "C"}

	h.machine.FindNewChannel(g1, h.adapter)

	assert.Equal(t, []string{"A", "T", "B"}, h.platform.lookupsSnapshot())
	snap := h.machine.Snapshot()
	assert.Equal(t, "B", snap.Target)
	assert.True(t, snap.TimerPending)
}

func TestSelectorWithoutAdapterOnlyTargets(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "A", 1)

	h.machine.FindNewChannel(g1, nil)

	snap := h.machine.Snapshot()
	assert.Equal(t, "A", snap.Target)
	assert.False(t, snap.TimerPending)
	assert.Equal(t, 0, h.scheduledCount())
}

func TestJoinScenario(t *testing.T) {
	h := newHarness(t, 1000*time.Millisecond, 2000*time.Millisecond)
	h.platform.addVoice(g1, "V", 1)

	start := time.Now()
	h.move("u1", g1, "", "V")
	require.True(t, h.machine.Snapshot().TimerPending)

	h.waitOccupied(t, "V")
	elapsed := time.Since(start)
	h.waitNoPending(t)

	assert.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
	assert.Less(t, elapsed, 2500*time.Millisecond)

	snap := h.machine.Snapshot()
	assert.Equal(t, "V", snap.Occupied)
	assert.Equal(t, []string{g1}, snap.Active)
	assert.Equal(t, PhaseConnected, snap.Phase)
	assert.Equal(t, []string{"V"}, h.adapter.joined())

	plays, _, subs := h.player.counts()
	assert.Equal(t, 1, plays)
	assert.Equal(t, 1, subs)
	_, ok := h.platform.Connection(g1)
	assert.True(t, ok)
}

func TestTimerFiresAsNoopWhenTargetCleared(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, 30*time.Millisecond)
	h.platform.addVoice(g1, "V", 1)

	h.move("u1", g1, "", "V")
	h.machine.mu.Lock()
	h.machine.target = ""
	h.machine.mu.Unlock()

	h.waitNoPending(t)
	assert.Empty(t, h.adapter.joined())
	assert.Equal(t, PhaseIdle, h.machine.Snapshot().Phase)
}

func TestTimerIgnoresTargetInAnotherGuild(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, 50*time.Millisecond)
	h.platform.addVoice(g1, "V", 1)
	h.platform.addVoice(g2, "W", 2)

	h.move("u1", g1, "", "V")
	require.True(t, h.machine.Snapshot().TimerPending)

	h.machine.FindNewChannel(g2, nil)
	require.Equal(t, "W", h.machine.Snapshot().Target)

	h.waitNoPending(t)
	assert.Empty(t, h.adapter.joined())

	snap := h.machine.Snapshot()
	assert.Empty(t, snap.Occupied)
	assert.Empty(t, snap.Active)
	assert.Equal(t, PhaseIdle, snap.Phase)
}

func TestJoinFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.adapter.err = errors.New("voice handshake timed out")
	h.platform.addVoice(g1, "V", 1)

	h.move("u1", g1, "", "V")
	h.waitNoPending(t)

	snap := h.machine.Snapshot()
	assert.Empty(t, snap.Occupied)
	assert.Empty(t, snap.Active)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, []string{"V"}, h.adapter.joined())
	assert.Equal(t, 1, h.scheduledCount())
}

func TestPlaybackFailureLeaves(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.player.err = errors.New("ffmpeg not found")
	h.platform.addVoice(g1, "V", 1)

	h.move("u1", g1, "", "V")
	h.waitOccupied(t, "V")
	h.waitNoPending(t)

	assert.Empty(t, h.machine.Snapshot().Active)
	_, ok := h.platform.Connection(g1)
	assert.False(t, ok)
}

func TestSoloDeparture(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.platform.addVoice(g1, "X", 1)
	h.platform.addVoice(g1, "Y", 0)

	h.move("u1", g1, "", "X")
	h.waitOccupied(t, "X")
	h.waitNoPending(t)
	conn, ok := h.platform.Connection(g1)
	require.True(t, ok)

	// u2 sits in Y, then u1 leaves X so only the agent is left there.
	h.platform.setMembers("Y", 1)
	h.platform.setMembers("X", 1)
	h.move("u1", g1, "X", "")

	assert.True(t, conn.(*fakeConn).isDestroyed())

	trace := h.platform.traceSnapshot()
	destroyAt := indexOf(trace, "destroy:"+g1)
	scanAt := indexOf(trace, "scan:"+g1)
	require.NotEqual(t, -1, destroyAt)
	require.NotEqual(t, -1, scanAt)
	assert.Less(t, destroyAt, scanAt, "connection destroyed before a new target is considered")

	h.waitOccupied(t, "Y")
	assert.Equal(t, []string{"X", "Y"}, h.adapter.joined())
}

func TestStaysWhenNotAlone(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.platform.addVoice(g1, "X", 2)

	h.move("u1", g1, "", "X")
	h.waitOccupied(t, "X")
	h.waitNoPending(t)
	conn, _ := h.platform.Connection(g1)

	h.platform.setMembers("X", 2)
	h.move("u2", g1, "X", "")

	assert.False(t, conn.(*fakeConn).isDestroyed())
}

func TestThirdPartyEventWhileConnectedDoesNotArm(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "X", 3)
	h.platform.addVoice(g1, "Y", 0)
	h.platform.addConn(g1, "X")

	h.platform.setMembers("Y", 1)
	h.move("u5", g1, "", "Y")

	snap := h.machine.Snapshot()
	assert.False(t, snap.TimerPending)
	assert.Empty(t, snap.Target)
}

func TestAgentForceDisconnected(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "X", 0)
	h.platform.addVoice(g1, "Y", 2)

	h.machine.mu.Lock()
	h.machine.occupied = "X"
	h.machine.phase = PhaseConnected
	h.machine.mu.Unlock()

	h.move(agentID, g1, "X", "")

	_, stops, _ := h.player.counts()
	assert.Equal(t, 1, stops)

	snap := h.machine.Snapshot()
	assert.Empty(t, snap.Occupied)
	assert.Equal(t, "Y", snap.Target, "departure triggers a rescan")
	assert.True(t, snap.TimerPending)
}

func TestAgentEventsNeverArmDirectly(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "X", 1)

	h.move(agentID, g1, "", "X")

	snap := h.machine.Snapshot()
	assert.False(t, snap.TimerPending)
	assert.Empty(t, snap.Target)
}

func TestIdleQueueDrainingShared(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	c1 := h.platform.addConn(g1, "X")
	c2 := h.platform.addConn(g2, "Z")
	h.machine.active = []string{g1, g2}

	h.machine.HandlePlayerStatus(PlayerEvent{Status: StatusIdle})
	assert.True(t, c1.isDestroyed())
	assert.False(t, c2.isDestroyed())
	assert.Equal(t, []string{g2}, h.machine.Snapshot().Active)

	h.machine.HandlePlayerStatus(PlayerEvent{Status: StatusIdle})
	assert.True(t, c2.isDestroyed())
	assert.Empty(t, h.machine.Snapshot().Active)

	h.machine.HandlePlayerStatus(PlayerEvent{Status: StatusIdle})
	assert.Empty(t, h.machine.Snapshot().Active)
}

func TestIdleQueuePerGuild(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	c1 := h.platform.addConn(g1, "X")
	c2 := h.platform.addConn(g2, "Z")
	h.machine.active = []string{g1, g2}

	h.machine.HandlePlayerStatus(PlayerEvent{GuildID: g2, Status: StatusIdle})
	assert.False(t, c1.isDestroyed())
	assert.True(t, c2.isDestroyed())
	assert.Equal(t, []string{g1}, h.machine.Snapshot().Active)

	h.machine.HandlePlayerStatus(PlayerEvent{GuildID: g2, Status: StatusIdle})
	assert.False(t, c1.isDestroyed())
	assert.Equal(t, []string{g1}, h.machine.Snapshot().Active)
}

func TestPlayingStatusChangesNothing(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	c1 := h.platform.addConn(g1, "X")
	h.machine.active = []string{g1}

	h.machine.HandlePlayerStatus(PlayerEvent{Status: StatusPlaying})

	assert.False(t, c1.isDestroyed())
	assert.Equal(t, []string{g1}, h.machine.Snapshot().Active)
}

func TestShutdownCancelsPendingJoin(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	h.platform.addVoice(g1, "V", 1)
	h.move("u1", g1, "", "V")

	h.machine.Shutdown()

	snap := h.machine.Snapshot()
	assert.False(t, snap.TimerPending)
	assert.Empty(t, snap.Target)
	assert.Equal(t, PhaseIdle, snap.Phase)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "timer-pending", PhaseTimerPending.String())
	assert.Equal(t, "solo-departing", PhaseSoloDeparting.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func indexOf(items []string, want string) int {
	for i, s := range items {
		if s == want {
			return i
		}
	}
	return -1
}
