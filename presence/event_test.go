package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/onnwee/voicewarden/ledger"
)

func TestKindFor(t *testing.T) {
	assert.Equal(t, Join, KindFor("", "10"))
	assert.Equal(t, Move, KindFor("10", "11"))
	assert.Equal(t, Leave, KindFor("10", ""))
	assert.Equal(t, Leave, KindFor("", ""))
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"join", Event{CommunityID: "1", MemberID: "2", ChannelID: "10", Kind: Join}, false},
		{"move", Event{CommunityID: "1", MemberID: "2", ChannelID: "11", FromChannelID: "10", Kind: Move}, false},
		{"leave", Event{CommunityID: "1", MemberID: "2", FromChannelID: "10", Kind: Leave}, false},
		{"no community", Event{MemberID: "2", ChannelID: "10", Kind: Join}, true},
		{"no member", Event{CommunityID: "1", ChannelID: "10", Kind: Join}, true},
		{"join without channel", Event{CommunityID: "1", MemberID: "2", Kind: Join}, true},
		{"leave with channel", Event{CommunityID: "1", MemberID: "2", ChannelID: "10", Kind: Leave}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, Absent, StateOf(ledger.Session{Managed: true}, false))
	assert.Equal(t, PresentUnmanaged, StateOf(ledger.Session{}, true))
	assert.Equal(t, PresentManaged, StateOf(ledger.Session{Managed: true}, true))
	assert.Equal(t, "present_managed", PresentManaged.String())
	assert.Equal(t, "leave", Leave.String())
}
