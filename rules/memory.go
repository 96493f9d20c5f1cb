package rules

import (
	"context"
	"sort"
	"sync"
)

// MemorySource keeps rules in process memory. It backs development mode
// (no DB_DSN) and tests. Err, when set, is returned by every Lookup.
type MemorySource struct {
	mu    sync.RWMutex
	rules map[[2]string]Rule
	Err   error
	calls int
}

// NewMemorySource returns a source holding rs.
func NewMemorySource(rs ...Rule) *MemorySource {
	m := &MemorySource{rules: make(map[[2]string]Rule)}
	for _, r := range rs {
		m.rules[[2]string{r.CommunityID, r.ChannelID}] = r.normalize()
	}
	return m
}

// Lookup returns the rule of a channel.
func (m *MemorySource) Lookup(_ context.Context, communityID, channelID string) (Rule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return Rule{}, false, m.Err
	}
	r, ok := m.rules[[2]string{communityID, channelID}]
	if !ok || r.Empty() {
		return Rule{}, false, nil
	}
	return r, true, nil
}

// SetErr changes the error returned by Lookup.
func (m *MemorySource) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Calls returns how many times Lookup was invoked.
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// List returns the rules of a community ordered by channel.
func (m *MemorySource) List(_ context.Context, communityID string) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rule
	for k, r := range m.rules {
		if k[0] == communityID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Upsert validates and stores r, replacing any rule of the same channel.
func (m *MemorySource) Upsert(_ context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.rules[[2]string{r.CommunityID, r.ChannelID}] = r.normalize()
	m.mu.Unlock()
	return nil
}

// Delete removes the rule of a channel and reports whether there was one.
func (m *MemorySource) Delete(_ context.Context, communityID, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{communityID, channelID}
	_, ok := m.rules[k]
	delete(m.rules, k)
	return ok, nil
}
