// Package ledger persists the voice session of every member together with the
// role operations still owed to the platform for that member.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyPresent is returned by Open when the member already has a session.
	ErrAlreadyPresent = errors.New("member already has a voice session")
	// ErrNotPresent is returned by Move when the member has no session.
	ErrNotPresent = errors.New("member has no voice session")
)

// Session records where a member sits and what must be undone when they leave.
// Restoration holds roles withheld on entry; Grant holds roles added on entry.
type Session struct {
	CommunityID string    `json:"community_id"`
	ChannelID   string    `json:"channel_id"`
	MemberID    string    `json:"member_id"`
	JoinedAt    time.Time `json:"joined_at"`
	Managed     bool      `json:"managed"`
	Restoration []string  `json:"restoration_roles"`
	Grant       []string  `json:"grant_roles"`
}

// Op is a role change written alongside a session mutation and removed once
// the dispatch for it resolved.
//
// A repair op holds the roles a failed dispatch left unchanged. It is not tied
// to the live role set it was computed from, so only its own resolution
// removes it.
type Op struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	MemberID    string    `json:"member_id"`
	Add         []string  `json:"add_roles"`
	Remove      []string  `json:"remove_roles"`
	Reason      string    `json:"reason"`
	Repair      bool      `json:"repair"`
	CreatedAt   time.Time `json:"created_at"`
}

// Empty reports whether the op changes nothing.
func (o *Op) Empty() bool { return o == nil || (len(o.Add) == 0 && len(o.Remove) == 0) }

// Ledger is the durable session store. Every mutation commits the session
// change and, when op is non-empty, its pending role operation atomically;
// op.ID and op.CreatedAt are filled in on success.
//
// Ack resolves an operation together with any older pending operation of the
// same member: each operation is computed against the member's live roles, so
// a resolved later one supersedes what came before it. Repair ops neither
// supersede nor get superseded.
//
// Requeue resolves opID like Ack and, when rest is non-empty, records rest as
// a repair op in the same transaction.
type Ledger interface {
	Open(ctx context.Context, s Session, op *Op) (Session, error)
	Move(ctx context.Context, next Session, op *Op) (Session, error)
	Close(ctx context.Context, communityID, memberID string, op *Op) (Session, bool, error)
	Get(ctx context.Context, communityID, memberID string) (Session, bool, error)
	List(ctx context.Context, communityID string) ([]Session, error)
	Count(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]Op, error)
	Ack(ctx context.Context, opID int64) error
	Requeue(ctx context.Context, opID int64, rest *Op) error
	Repairs(ctx context.Context, communityID, memberID string) ([]Op, error)
}
