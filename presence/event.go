// Package presence turns voice presence events into role changes, one member
// at a time and in the order events arrived.
package presence

import (
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/voicewarden/ledger"
)

// Kind is the presence change reported by the platform.
type Kind int

const (
	Join Kind = iota
	Move
	Leave
)

func (k Kind) String() string {
	switch k {
	case Join:
		return "join"
	case Move:
		return "move"
	case Leave:
		return "leave"
	default:
		return "unknown"
	}
}

// KindFor derives the event kind from the previous and new channel ("" for none).
func KindFor(from, to string) Kind {
	switch {
	case to == "":
		return Leave
	case from == "":
		return Join
	default:
		return Move
	}
}

// Event is a single voice presence change. ChannelID is empty when the
// member left voice entirely.
type Event struct {
	CommunityID   string
	MemberID      string
	ChannelID     string
	FromChannelID string
	Kind          Kind
	At            time.Time
	CorrelationID string
}

var errInvalidEvent = errors.New("invalid presence event")

// Validate checks identifiers and that Kind agrees with ChannelID.
func (e Event) Validate() error {
	switch {
	case e.CommunityID == "" || e.MemberID == "":
		return fmt.Errorf("%w: community and member are required", errInvalidEvent)
	case e.Kind == Leave && e.ChannelID != "":
		return fmt.Errorf("%w: leave event carries a channel", errInvalidEvent)
	case e.Kind != Leave && e.ChannelID == "":
		return fmt.Errorf("%w: %s event without channel", errInvalidEvent, e.Kind)
	}
	return nil
}

// State is where a member stands as far as the engine is concerned.
type State int

const (
	Absent State = iota
	PresentUnmanaged
	PresentManaged
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case PresentUnmanaged:
		return "present_unmanaged"
	case PresentManaged:
		return "present_managed"
	default:
		return "unknown"
	}
}

// StateOf maps a ledger lookup to a State.
func StateOf(s ledger.Session, ok bool) State {
	switch {
	case !ok:
		return Absent
	case s.Managed:
		return PresentManaged
	default:
		return PresentUnmanaged
	}
}
