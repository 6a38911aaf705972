package player

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/lurker/internal/music/parsers"
	"github.com/keshon/lurker/internal/music/parsers/ffmpeg"
	"github.com/keshon/lurker/internal/music/stream"
)

type PlayerStatus string

const (
	StatusPlaying PlayerStatus = "Playing"
	StatusIdle    PlayerStatus = "Idle"
)

// Event is a status change of one player. GuildID is empty for a player
// shared between guilds.
type Event struct {
	GuildID string
	Status  PlayerStatus
}

// Sink is a voice connection able to carry Opus frames.
type Sink interface {
	GuildID() string
	// SendOpus delivers one frame. It returns false when the frame could
	// not be delivered before stop closed or the sink went away.
	SendOpus(frame []byte, stop <-chan struct{}) bool
	Speaking(on bool) error
}

// Player plays one resource at a time to every subscribed sink.
type Player struct {
	guildID string
	events  chan<- Event
	log     zerolog.Logger

	streamer   parsers.Streamer
	newEncoder func() (stream.Encoder, error)

	mu           sync.Mutex
	sinks        map[string]Sink
	playing      bool
	superseded   bool // the current run is being replaced, not ended
	stopPlayback chan struct{}
	playbackDone chan struct{}
}

// New creates a player. guildID is empty for a shared player. Status
// events are sent to events without blocking; a full channel drops them.
func New(guildID string, events chan<- Event, logger zerolog.Logger) *Player {
	return &Player{
		guildID:    guildID,
		events:     events,
		log:        logger.With().Str("component", "player").Str("player", label(guildID)).Logger(),
		streamer:   &ffmpeg.FFMPEGStreamer{},
		newEncoder: stream.NewOpusEncoder,
		sinks:      make(map[string]Sink),
	}
}

// Subscribe routes playback to sink, replacing any sink of the same guild.
func (p *Player) Subscribe(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[sink.GuildID()] = sink
}

// Unsubscribe stops routing playback to the guild's sink.
func (p *Player) Unsubscribe(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, guildID)
}

// Subscribers returns the guild ids currently subscribed, sorted.
func (p *Player) Subscribers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.sinks))
}

// Play starts path from the beginning. A playback already running is
// replaced without an Idle signal.
func (p *Player) Play(path string) error {
	replaced := p.halt(true)

	pcm, cleanup, enc, err := p.open(path)
	if err != nil {
		if replaced {
			p.emitStatus(StatusIdle)
		}
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	p.mu.Lock()
	p.playing = true
	p.stopPlayback = stop
	p.playbackDone = done
	p.mu.Unlock()

	p.log.Info().Str("resource", path).Strs("guilds", p.Subscribers()).Msg("Starting playback")
	p.emitStatus(StatusPlaying)

	go p.runPlayback(pcm, cleanup, enc, stop, done)
	return nil
}

// Stop ends playback and waits for it to wind down. It is a no-op when
// nothing is playing.
func (p *Player) Stop() {
	p.halt(false)
}

func (p *Player) open(path string) (io.ReadCloser, func(), stream.Encoder, error) {
	enc, err := p.newEncoder()
	if err != nil {
		return nil, nil, nil, err
	}
	pcm, cleanup, err := p.streamer.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return pcm, cleanup, enc, nil
}

// halt stops the current run and reports whether there was one.
func (p *Player) halt(superseded bool) bool {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return false
	}
	p.superseded = superseded
	if p.stopPlayback != nil {
		close(p.stopPlayback)
		p.stopPlayback = nil
	}
	done := p.playbackDone
	p.mu.Unlock()

	<-done
	return true
}

// IsPlaying returns current playback state.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) runPlayback(pcm io.ReadCloser, cleanup func(), enc stream.Encoder, stop, done chan struct{}) {
	defer close(done)
	defer cleanup()
	defer pcm.Close()

	p.setSpeaking(true)
	err := stream.Encode(pcm, enc, stop, func(frame []byte) bool {
		return p.broadcast(frame, stop)
	})
	p.setSpeaking(false)

	p.mu.Lock()
	p.playing = false
	p.stopPlayback = nil
	superseded := p.superseded
	p.superseded = false
	p.mu.Unlock()

	if superseded {
		p.log.Debug().Msg("Playback replaced")
		return
	}
	if err != nil {
		p.log.Error().Err(err).Msg("Playback finished with error")
	} else {
		p.log.Info().Msg("Playback finished")
	}
	p.emitStatus(StatusIdle)
}

// broadcast hands frame to every sink. It returns false once stop closed.
func (p *Player) broadcast(frame []byte, stop <-chan struct{}) bool {
	p.mu.Lock()
	sinks := slices.Collect(maps.Values(p.sinks))
	p.mu.Unlock()

	for _, s := range sinks {
		if !s.SendOpus(frame, stop) {
			select {
			case <-stop:
				return false
			default:
			}
		}
	}
	return true
}

func (p *Player) setSpeaking(on bool) {
	p.mu.Lock()
	sinks := slices.Collect(maps.Values(p.sinks))
	p.mu.Unlock()

	for _, s := range sinks {
		if err := s.Speaking(on); err != nil {
			p.log.Debug().Err(err).Str("guild", s.GuildID()).Bool("speaking", on).Msg("Speaking update failed")
		}
	}
}

// emitStatus safely sends player status
func (p *Player) emitStatus(status PlayerStatus) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- Event{GuildID: p.guildID, Status: status}:
	default:
		p.log.Warn().Str("status", string(status)).Msg("Player status signal dropped (channel full)")
	}
}

func label(guildID string) string {
	if guildID == "" {
		return "shared"
	}
	return guildID
}
