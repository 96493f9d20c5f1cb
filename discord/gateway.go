package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/voicewarden/presence"
)

// EventSink receives presence changes. *presence.Processor implements it.
type EventSink interface {
	Submit(ctx context.Context, ev presence.Event) error
	Reconcile(ctx context.Context, communityID string, present map[string]string) (int, error)
}

// NewSession builds a discordgo session for a bot token. Events are delivered
// synchronously on the gateway goroutine so per-member order is the order
// Discord sent them, and rate limits are surfaced to the dispatcher instead of
// being slept through inside the REST client.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord: empty bot token")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers
	s.SyncEvents = true
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	s.StateEnabled = true
	return s, nil
}

// Gateway feeds voice state dispatches into an EventSink.
type Gateway struct {
	session    *discordgo.Session
	sink       EventSink
	ignoreBots bool
	connected  atomic.Bool
	now        func() time.Time
	logger     *slog.Logger
}

// NewGateway feeds voice state changes of s into sink. Bots are skipped when
// ignoreBots is set.
func NewGateway(s *discordgo.Session, sink EventSink, ignoreBots bool) *Gateway {
	return &Gateway{
		session:    s,
		sink:       sink,
		ignoreBots: ignoreBots,
		now:        time.Now,
		logger:     slog.Default().With(slog.String("component", "discord")),
	}
}

// Connected reports whether the gateway websocket is currently up.
func (g *Gateway) Connected() bool { return g.connected.Load() }

// Run opens the gateway and blocks until ctx is done. discordgo reconnects on
// its own after the first successful open; every reconnect is followed by
// GUILD_CREATE dispatches, which trigger reconciliation.
func (g *Gateway) Run(ctx context.Context) error {
	removers := []func(){
		g.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
			g.connected.Store(true)
			g.logger.Info("gateway connected")
		}),
		g.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			g.connected.Store(false)
			g.logger.Warn("gateway disconnected")
		}),
		g.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			g.connected.Store(true)
			g.logger.Info("gateway ready", slog.Int("guilds", len(r.Guilds)))
		}),
		g.session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
			g.handleVoiceState(ctx, v)
		}),
		g.session.AddHandler(func(_ *discordgo.Session, gc *discordgo.GuildCreate) {
			g.handleGuildCreate(ctx, gc)
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, g.session.Open()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(10),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("gateway open failed", slog.Any("err", err), slog.Duration("retry_in", next))
		}))
	if err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	<-ctx.Done()
	g.connected.Store(false)
	if err := g.session.Close(); err != nil {
		g.logger.Warn("gateway close", slog.Any("err", err))
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) handleVoiceState(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	ev, ok := eventFromVoiceState(v, g.ignoreBots, g.now().UTC())
	if !ok {
		return
	}
	if err := g.sink.Submit(ctx, ev); err != nil {
		g.logger.Error("submit presence event failed",
			slog.String("community", ev.CommunityID),
			slog.String("member", ev.MemberID),
			slog.String("kind", ev.Kind.String()),
			slog.Any("err", err))
	}
}

func (g *Gateway) handleGuildCreate(ctx context.Context, gc *discordgo.GuildCreate) {
	if gc == nil || gc.Guild == nil || gc.Unavailable {
		return
	}
	present := presentFromGuild(gc.Guild, g.ignoreBots)
	n, err := g.sink.Reconcile(ctx, gc.ID, present)
	if err != nil {
		g.logger.Error("reconcile voice presence failed", slog.String("community", gc.ID), slog.Any("err", err))
		return
	}
	g.logger.Debug("guild available",
		slog.String("community", gc.ID),
		slog.Int("in_voice", len(present)),
		slog.Int("reconciled", n))
}

// eventFromVoiceState converts a dispatch into a presence event. Updates that
// keep the member in the same channel (mute, deafen, stream, video) are
// dropped. When the previous state is not cached the update is treated as a
// join; the processor handles a join while present as a move.
func eventFromVoiceState(v *discordgo.VoiceStateUpdate, ignoreBots bool, now time.Time) (presence.Event, bool) {
	if v == nil || v.VoiceState == nil || v.GuildID == "" || v.UserID == "" {
		return presence.Event{}, false
	}
	if ignoreBots && isBot(v.Member) {
		return presence.Event{}, false
	}
	from := ""
	if v.BeforeUpdate != nil {
		from = v.BeforeUpdate.ChannelID
		if from == v.ChannelID {
			return presence.Event{}, false
		}
	}
	return presence.Event{
		CommunityID:   v.GuildID,
		MemberID:      v.UserID,
		ChannelID:     v.ChannelID,
		FromChannelID: from,
		Kind:          presence.KindFor(from, v.ChannelID),
		At:            now,
	}, true
}

// presentFromGuild maps member ids to the voice channel they are in.
func presentFromGuild(g *discordgo.Guild, ignoreBots bool) map[string]string {
	bots := make(map[string]bool)
	if ignoreBots {
		for _, m := range g.Members {
			if isBot(m) {
				bots[m.User.ID] = true
			}
		}
	}
	present := make(map[string]string, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if vs == nil || vs.ChannelID == "" || vs.UserID == "" {
			continue
		}
		if ignoreBots && (bots[vs.UserID] || isBot(vs.Member)) {
			continue
		}
		present[vs.UserID] = vs.ChannelID
	}
	return present
}

func isBot(m *discordgo.Member) bool {
	return m != nil && m.User != nil && m.User.Bot
}
