package testutil

import (
	"context"
	"sync"
)

// FakeMembership is an in-memory membership API. Each role is applied by a
// separate call, as the real platform does, so a failure can leave a change
// partially applied.
type FakeMembership struct {
	mu    sync.Mutex
	roles map[string][]string
	calls map[string]int

	// Fail, when set, is consulted before every single-role call ("add",
	// "remove") and before every read ("get", role ""). A non-nil return is
	// returned to the caller and the call has no effect.
	Fail func(op, role string) error
	// MissingErr is returned for members that were never seeded.
	MissingErr error
}

// NewFakeMembership returns a fake with no members.
func NewFakeMembership() *FakeMembership {
	return &FakeMembership{roles: make(map[string][]string), calls: make(map[string]int)}
}

func fakeKey(communityID, memberID string) string { return communityID + "/" + memberID }

// SetRoles seeds a member's role set.
func (f *FakeMembership) SetRoles(communityID, memberID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[fakeKey(communityID, memberID)] = append([]string{}, roles...)
}

// Roles returns a copy of the member's role set.
func (f *FakeMembership) Roles(communityID, memberID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.roles[fakeKey(communityID, memberID)]...)
}

// Calls returns how many calls of kind op were made, failed ones included.
func (f *FakeMembership) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeMembership) fail(op, role string) error {
	f.mu.Lock()
	f.calls[op]++
	fn := f.Fail
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, role)
}

func (f *FakeMembership) known(key string) error {
	if _, ok := f.roles[key]; !ok && f.MissingErr != nil {
		return f.MissingErr
	}
	return nil
}

func (f *FakeMembership) AddRoles(ctx context.Context, communityID, memberID string, roles []string) error {
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.fail("add", role); err != nil {
			return err
		}
		f.mu.Lock()
		key := fakeKey(communityID, memberID)
		if err := f.known(key); err != nil {
			f.mu.Unlock()
			return err
		}
		if !contains(f.roles[key], role) {
			f.roles[key] = append(f.roles[key], role)
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *FakeMembership) RemoveRoles(ctx context.Context, communityID, memberID string, roles []string) error {
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.fail("remove", role); err != nil {
			return err
		}
		f.mu.Lock()
		key := fakeKey(communityID, memberID)
		if err := f.known(key); err != nil {
			f.mu.Unlock()
			return err
		}
		out := f.roles[key][:0:0]
		for _, r := range f.roles[key] {
			if r != role {
				out = append(out, r)
			}
		}
		f.roles[key] = out
		f.mu.Unlock()
	}
	return nil
}

func (f *FakeMembership) CurrentRoles(ctx context.Context, communityID, memberID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.fail("get", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(communityID, memberID)
	if err := f.known(key); err != nil {
		return nil, err
	}
	return append([]string{}, f.roles[key]...), nil
}

// Remove drops a member entirely, as if they left the community.
func (f *FakeMembership) Remove(communityID, memberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, fakeKey(communityID, memberID))
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
