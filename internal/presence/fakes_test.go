package presence

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keshon/lurker/pkg/jobmgr"
)

var errNotFound = errors.New("unknown channel")

type fakePlatform struct {
	mu       sync.Mutex
	channels map[string]*Channel
	order    map[string][]string
	conns    map[string]*fakeConn
	lookups  []string
	trace    []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels: make(map[string]*Channel),
		order:    make(map[string][]string),
		conns:    make(map[string]*fakeConn),
	}
}

func (p *fakePlatform) addVoice(guildID, channelID string, members int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channelID] = &Channel{ID: channelID, GuildID: guildID, Voice: true, Members: members}
	p.order[guildID] = append(p.order[guildID], channelID)
}

func (p *fakePlatform) addText(guildID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channelID] = &Channel{ID: channelID, GuildID: guildID}
}

func (p *fakePlatform) setMembers(channelID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channelID].Members = n
}

func (p *fakePlatform) addConn(guildID, channelID string) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeConn{guild: guildID, channel: channelID, platform: p}
	p.conns[guildID] = c
	return c
}

func (p *fakePlatform) Channel(channelID string) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, channelID)
	ch, ok := p.channels[channelID]
	if !ok {
		return Channel{}, errNotFound
	}
	return *ch, nil
}

func (p *fakePlatform) VoiceChannels(guildID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trace = append(p.trace, "scan:"+guildID)
	return slices.Clone(p.order[guildID]), nil
}

func (p *fakePlatform) Connection(guildID string) (Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[guildID]
	if !ok {
		return nil, false
	}
	return c, true
}

func (p *fakePlatform) lookupsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.lookups)
}

func (p *fakePlatform) traceSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.trace)
}

type fakeConn struct {
	guild     string
	channel   string
	platform  *fakePlatform
	destroyed bool
}

func (c *fakeConn) GuildID() string   { return c.guild }
func (c *fakeConn) ChannelID() string { return c.channel }

func (c *fakeConn) Destroy() error {
	p := c.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	if p.conns[c.guild] == c {
		delete(p.conns, c.guild)
	}
	if ch, ok := p.channels[c.channel]; ok && ch.Members > 0 {
		ch.Members--
	}
	p.trace = append(p.trace, "destroy:"+c.guild)
	return nil
}

func (c *fakeConn) isDestroyed() bool {
	c.platform.mu.Lock()
	defer c.platform.mu.Unlock()
	return c.destroyed
}

// fakeAdapter joins by registering a connection and counting the agent
// as a channel member.
type fakeAdapter struct {
	platform *fakePlatform
	err      error

	mu    sync.Mutex
	joins []string
}

func (a *fakeAdapter) Connect(ctx context.Context, guildID, channelID string) (Connection, error) {
	a.mu.Lock()
	a.joins = append(a.joins, channelID)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}

	p := a.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeConn{guild: guildID, channel: channelID, platform: p}
	p.conns[guildID] = c
	if ch, ok := p.channels[channelID]; ok {
		ch.Members++
	}
	p.trace = append(p.trace, "join:"+channelID)
	return c, nil
}

func (a *fakeAdapter) joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.joins)
}

type fakePlayer struct {
	mu    sync.Mutex
	err   error
	plays []string
	stops int
	subs  []Connection
}

func (p *fakePlayer) Play(resource string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.plays = append(p.plays, resource)
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) Subscribe(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, conn)
}

func (p *fakePlayer) counts() (plays, stops, subs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays), p.stops, len(p.subs)
}

type sharedPlayers struct{ player *fakePlayer }

func (s sharedPlayers) For(string) Player { return s.player }

type harness struct {
	machine  *Machine
	platform *fakePlatform
	adapter  *fakeAdapter
	player   *fakePlayer
	jobs     *jobmgr.Manager

	mu        sync.Mutex
	scheduled int
}

const agentID = "agent"

func newHarness(t *testing.T, minDelay, maxDelay time.Duration) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		player:   &fakePlayer{},
	}
	h.adapter = &fakeAdapter{platform: h.platform}
	h.jobs = jobmgr.NewManager(func(s string) {
		if s == "scheduled:"+joinJob {
			h.mu.Lock()
			h.scheduled++
			h.mu.Unlock()
		}
	})
	t.Cleanup(h.jobs.StopAll)

	h.machine = NewMachine(Options{
		AgentID:   agentID,
		Resource:  "song.mp3",
		Platform:  h.platform,
		Players:   sharedPlayers{h.player},
		Scheduler: NewScheduler(h.jobs, minDelay, maxDelay),
		Logger:    zerolog.Nop(),
	})
	return h
}

func (h *harness) scheduledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scheduled
}

func (h *harness) member(userID, guildID, channelID string) Member {
	return Member{UserID: userID, GuildID: guildID, ChannelID: channelID, Adapter: h.adapter}
}

// move delivers a voice state update for userID from one channel to another.
func (h *harness) move(userID, guildID, from, to string) {
	h.machine.HandleVoiceStateUpdate(VoiceEvent{
		Old: h.member(userID, guildID, from),
		New: h.member(userID, guildID, to),
	})
}

func (h *harness) waitOccupied(t *testing.T, channelID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.machine.Snapshot().Occupied == channelID
	}, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) waitNoPending(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.machine.Snapshot().TimerPending
	}, 3*time.Second, 5*time.Millisecond)
}
