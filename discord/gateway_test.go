package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/voicewarden/presence"
)

type fakeSink struct {
	mu         sync.Mutex
	events     []presence.Event
	reconciled map[string]map[string]string
	err        error
}

func (f *fakeSink) Submit(_ context.Context, ev presence.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ev.Validate(); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeSink) Reconcile(_ context.Context, communityID string, present map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconciled == nil {
		f.reconciled = make(map[string]map[string]string)
	}
	f.reconciled[communityID] = present
	return len(present), f.err
}

func voiceUpdate(guild, user, channel string, before *discordgo.VoiceState, member *discordgo.Member) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: guild, UserID: user, ChannelID: channel, Member: member},
		BeforeUpdate: before,
	}
}

func TestEventFromVoiceState(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bot := &discordgo.Member{User: &discordgo.User{ID: "9", Bot: true}}

	tests := []struct {
		name     string
		update   *discordgo.VoiceStateUpdate
		bots     bool
		wantOK   bool
		wantKind presence.Kind
		wantFrom string
	}{
		{"join", voiceUpdate("1", "7", "10", nil, nil), true, true, presence.Join, ""},
		{"join after leave", voiceUpdate("1", "7", "10", &discordgo.VoiceState{ChannelID: ""}, nil), true, true, presence.Join, ""},
		{"move", voiceUpdate("1", "7", "11", &discordgo.VoiceState{ChannelID: "10"}, nil), true, true, presence.Move, "10"},
		{"leave", voiceUpdate("1", "7", "", &discordgo.VoiceState{ChannelID: "10"}, nil), true, true, presence.Leave, "10"},
		{"leave without cached state", voiceUpdate("1", "7", "", nil, nil), true, true, presence.Leave, ""},
		{"mute toggle", voiceUpdate("1", "7", "10", &discordgo.VoiceState{ChannelID: "10"}, nil), true, false, 0, ""},
		{"bot ignored", voiceUpdate("1", "9", "10", nil, bot), true, false, 0, ""},
		{"bot tracked", voiceUpdate("1", "9", "10", nil, bot), false, true, presence.Join, ""},
		{"no guild", voiceUpdate("", "7", "10", nil, nil), true, false, 0, ""},
		{"nil", nil, true, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := eventFromVoiceState(tt.update, tt.bots, now)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantFrom, ev.FromChannelID)
			assert.Equal(t, tt.update.ChannelID, ev.ChannelID)
			assert.Equal(t, now, ev.At)
			assert.NoError(t, ev.Validate())
		})
	}
}

func TestPresentFromGuild(t *testing.T) {
	g := &discordgo.Guild{
		ID: "1",
		Members: []*discordgo.Member{
			{User: &discordgo.User{ID: "7"}},
			{User: &discordgo.User{ID: "9", Bot: true}},
		},
		VoiceStates: []*discordgo.VoiceState{
			{UserID: "7", ChannelID: "10"},
			{UserID: "8", ChannelID: "11"},
			{UserID: "9", ChannelID: "10"},
			{UserID: "6", ChannelID: ""},
			nil,
		},
	}
	assert.Equal(t, map[string]string{"7": "10", "8": "11"}, presentFromGuild(g, true))
	assert.Equal(t, map[string]string{"7": "10", "8": "11", "9": "10"}, presentFromGuild(g, false))
}

func TestHandleVoiceStateSubmits(t *testing.T) {
	sink := &fakeSink{}
	g := NewGateway(nil, sink, true)

	g.handleVoiceState(context.Background(), voiceUpdate("1", "7", "10", nil, nil))
	g.handleVoiceState(context.Background(), voiceUpdate("1", "7", "10", &discordgo.VoiceState{ChannelID: "10"}, nil))
	g.handleVoiceState(context.Background(), voiceUpdate("1", "7", "", &discordgo.VoiceState{ChannelID: "10"}, nil))

	require.Len(t, sink.events, 2)
	assert.Equal(t, presence.Join, sink.events[0].Kind)
	assert.Equal(t, presence.Leave, sink.events[1].Kind)

	// a failing sink is logged, not fatal
	sink.err = errors.New("queue closed")
	g.handleVoiceState(context.Background(), voiceUpdate("1", "8", "10", nil, nil))
	assert.Len(t, sink.events, 3)
}

func TestHandleGuildCreateReconciles(t *testing.T) {
	sink := &fakeSink{}
	g := NewGateway(nil, sink, true)

	g.handleGuildCreate(context.Background(), &discordgo.GuildCreate{Guild: &discordgo.Guild{
		ID:          "1",
		VoiceStates: []*discordgo.VoiceState{{UserID: "7", ChannelID: "10"}},
	}})
	g.handleGuildCreate(context.Background(), &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "2", Unavailable: true}})
	g.handleGuildCreate(context.Background(), &discordgo.GuildCreate{})

	assert.Equal(t, map[string]map[string]string{"1": {"7": "10"}}, sink.reconciled)
}

func TestNewSession(t *testing.T) {
	_, err := NewSession("")
	assert.Error(t, err)

	s, err := NewSession("abc")
	require.NoError(t, err)
	assert.True(t, s.SyncEvents)
	assert.False(t, s.ShouldRetryOnRateLimit)
	assert.NotZero(t, s.Identify.Intents&discordgo.IntentsGuildVoiceStates)
	assert.Equal(t, "Bot abc", s.Token)

	gw := NewGateway(s, &fakeSink{}, true)
	assert.False(t, gw.Connected())
}
