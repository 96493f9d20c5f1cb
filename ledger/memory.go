package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memberKey struct {
	community string
	member    string
}

// Memory is an in-process Ledger used when no database is configured and in tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[memberKey]Session
	ops      map[int64]Op
	nextOp   int64
	now      func() time.Time
}

// NewMemory returns an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[memberKey]Session),
		ops:      make(map[int64]Op),
		now:      time.Now,
	}
}

// Open starts a session for s and records op. It fails with ErrAlreadyPresent
// when the member already has one.
func (m *Memory) Open(_ context.Context, s Session, op *Op) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{s.CommunityID, s.MemberID}
	if _, ok := m.sessions[k]; ok {
		return Session{}, ErrAlreadyPresent
	}
	s = cloneSession(s)
	if s.JoinedAt.IsZero() {
		s.JoinedAt = m.now().UTC()
	}
	m.sessions[k] = s
	m.recordLocked(op)
	return s, nil
}

// Move replaces the member's session with next and returns the one it replaced.
func (m *Memory) Move(_ context.Context, next Session, op *Op) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{next.CommunityID, next.MemberID}
	old, ok := m.sessions[k]
	if !ok {
		return Session{}, ErrNotPresent
	}
	next = cloneSession(next)
	if old.ChannelID == next.ChannelID || next.JoinedAt.IsZero() {
		next.JoinedAt = old.JoinedAt
	}
	m.sessions[k] = next
	m.recordLocked(op)
	return old, nil
}

// Close ends the member's session. The bool is false when there was none, in
// which case op is not recorded.
func (m *Memory) Close(_ context.Context, communityID, memberID string, op *Op) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{communityID, memberID}
	old, ok := m.sessions[k]
	if !ok {
		return Session{}, false, nil
	}
	delete(m.sessions, k)
	m.recordLocked(op)
	return old, true, nil
}

// Get returns the member's session.
func (m *Memory) Get(_ context.Context, communityID, memberID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[memberKey{communityID, memberID}]
	if !ok {
		return Session{}, false, nil
	}
	return cloneSession(s), true, nil
}

// List returns the sessions of a community ordered by member id.
func (m *Memory) List(_ context.Context, communityID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for k, s := range m.sessions {
		if k.community == communityID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// Count returns the number of open sessions across all communities.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

// Pending returns every unresolved op in the order it was recorded.
func (m *Memory) Pending(_ context.Context) ([]Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ack resolves opID and the older non-repair ops of the same member.
func (m *Memory) Ack(_ context.Context, opID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackLocked(opID)
	return nil
}

// Requeue resolves opID and records rest as a repair op.
func (m *Memory) Requeue(_ context.Context, opID int64, rest *Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackLocked(opID)
	if !rest.Empty() {
		rest.Repair = true
		m.recordLocked(rest)
	}
	return nil
}

// Repairs returns the member's repair ops in the order they were recorded.
func (m *Memory) Repairs(_ context.Context, communityID, memberID string) ([]Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Op
	for _, op := range m.ops {
		if op.Repair && op.CommunityID == communityID && op.MemberID == memberID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ackLocked(opID int64) {
	acked, ok := m.ops[opID]
	if !ok {
		return
	}
	delete(m.ops, opID)
	if acked.Repair {
		return
	}
	for id, op := range m.ops {
		if id < opID && !op.Repair && op.CommunityID == acked.CommunityID && op.MemberID == acked.MemberID {
			delete(m.ops, id)
		}
	}
}

// recordLocked stores op as pending. Must be called with mu held.
func (m *Memory) recordLocked(op *Op) {
	if op.Empty() {
		return
	}
	m.nextOp++
	op.ID = m.nextOp
	op.CreatedAt = m.now().UTC()
	m.ops[op.ID] = Op{
		ID:          op.ID,
		CommunityID: op.CommunityID,
		MemberID:    op.MemberID,
		Add:         append([]string(nil), op.Add...),
		Remove:      append([]string(nil), op.Remove...),
		Reason:      op.Reason,
		Repair:      op.Repair,
		CreatedAt:   op.CreatedAt,
	}
}

func cloneSession(s Session) Session {
	s.Restoration = append([]string{}, s.Restoration...)
	s.Grant = append([]string{}, s.Grant...)
	return s
}
