package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshon/lurker/internal/config"
	"github.com/keshon/lurker/internal/presence"
	"github.com/keshon/lurker/pkg/jobmgr"
	"github.com/keshon/lurker/pkg/retrylimit"
	"github.com/keshon/lurker/pkg/util"
)

const (
	// closeAuthenticationFailed is the gateway close code for a bad token.
	closeAuthenticationFailed = 4004

	shutdownTimeout = 10 * time.Second
	leaveWorkers    = 4
)

// Bot connects the presence state machine to Discord.
type Bot struct {
	cfg      *config.Config
	log      zerolog.Logger
	dg       *discordgo.Session
	platform *Platform
	players  *playerSet
	jobs     *jobmgr.Manager
	machine  *presence.Machine
}

// NewBot prepares a session for cfg; nothing is opened until Run.
func NewBot(cfg *config.Config, logger zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	b := &Bot{
		cfg:     cfg,
		log:     logger,
		dg:      dg,
		players: newPlayerSet(cfg.PlayerMode, logger),
	}
	b.platform = NewPlatform(dg, cfg.ClientID, b.players.Unsubscribe)
	b.jobs = jobmgr.NewManager(func(msg string) {
		logger.Debug().Str("job", msg).Msg("Job status")
	})
	b.machine = presence.NewMachine(presence.Options{
		AgentID:   cfg.ClientID,
		Resource:  cfg.ResourcePath,
		Platform:  b.platform,
		Players:   b.players,
		Scheduler: presence.NewScheduler(b.jobs, cfg.MinDelay(), cfg.MaxDelay()),
		Logger:    logger,
	})
	return b, nil
}

// Run opens the gateway session and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.configureIntents()
	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onVoiceStateUpdate)

	if err := b.open(ctx); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	go b.handlePlayerEvents(ctx)

	<-ctx.Done()
	b.log.Info().Msg("Shutdown signal received. Cleaning up...")
	b.shutdown()
	return nil
}

// configureIntents subscribes to guild and voice state events only.
func (b *Bot) configureIntents() {
	b.dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
}

func (b *Bot) open(ctx context.Context) error {
	lim := retrylimit.NewLimiter(0.5, 1)
	return retrylimit.WithRetryConfig(ctx, func() error {
		err := b.dg.Open()
		if isAuthFailure(err) {
			return retrylimit.Fatal(err)
		}
		return err
	}, lim, retrylimit.RetryConfig{
		MaxAttempts:  b.cfg.OpenRetryAttempts,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		OnRetry: func(attempt int, err error) {
			b.log.Warn().Err(err).Int("attempt", attempt).Msg("Gateway open failed, retrying")
		},
	})
}

func isAuthFailure(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == closeAuthenticationFailed
}

// onReady is called when the gateway session is established
func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().
		Str("user", r.User.String()).
		Int("guilds", len(r.Guilds)).
		Msg("Ready! Logged in")
}

// onVoiceStateUpdate is called for every member connecting, disconnecting,
// moving, muting or streaming in a voice channel
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	ev, ok := voiceEvent(b.platform, vs)
	if !ok {
		return
	}
	b.machine.HandleVoiceStateUpdate(ev)
}

func (b *Bot) handlePlayerEvents(ctx context.Context) {
	for {
		select {
		case ev := <-b.players.events:
			pev, ok := presenceEvent(ev)
			if !ok {
				continue
			}
			b.machine.HandlePlayerStatus(pev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) shutdown() {
	b.machine.Shutdown()
	b.players.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := util.Each(ctx, b.platform.Connections(), leaveWorkers, func(_ context.Context, conn presence.Connection) error {
		if err := conn.Destroy(); err != nil {
			b.log.Warn().Err(err).Str("guild", conn.GuildID()).Msg("Failed to leave voice channel")
			return err
		}
		return nil
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("Voice cleanup incomplete")
	}
	b.log.Debug().Msg(b.jobs.Status())
	b.jobs.StopAll()
}
