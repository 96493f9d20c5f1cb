// Package rules holds the per-channel voice override rules and a read-through
// cache in front of their persistent source.
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/voicewarden/db"
)

var (
	// ErrUnavailable reports that the rule source could not be read. Callers
	// must not treat it as "no rule".
	ErrUnavailable = errors.New("override rules unavailable")
	// ErrInvalidRule is returned by Upsert for malformed rules.
	ErrInvalidRule = errors.New("invalid override rule")
)

// Rule is the override configured for one voice channel. While a member sits
// in the channel, roles in Override are withheld and roles in Target granted.
type Rule struct {
	CommunityID string   `json:"community_id"`
	ChannelID   string   `json:"channel_id"`
	Override    []string `json:"override_roles"`
	Target      []string `json:"target_roles"`
}

// Empty reports whether the rule changes nothing. Empty rules are treated as absent.
func (r Rule) Empty() bool { return len(r.Override) == 0 && len(r.Target) == 0 }

// Validate checks ids and that at least one role list is set.
func (r Rule) Validate() error {
	if _, err := db.ParseID(r.CommunityID); err != nil {
		return fmt.Errorf("%w: community: %w", ErrInvalidRule, err)
	}
	if _, err := db.ParseID(r.ChannelID); err != nil {
		return fmt.Errorf("%w: channel: %w", ErrInvalidRule, err)
	}
	if r.Empty() {
		return fmt.Errorf("%w: override_roles and target_roles are both empty", ErrInvalidRule)
	}
	for _, id := range append(append([]string{}, r.Override...), r.Target...) {
		if _, err := db.ParseID(id); err != nil {
			return fmt.Errorf("%w: role: %w", ErrInvalidRule, err)
		}
	}
	return nil
}

// normalize drops duplicate ids keeping first occurrence order.
func (r Rule) normalize() Rule {
	r.Override = dedupe(r.Override)
	r.Target = dedupe(r.Target)
	return r
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Source reads rules from persistent storage.
type Source interface {
	Lookup(ctx context.Context, communityID, channelID string) (Rule, bool, error)
}

// Editor is the write side used by the admin surface.
type Editor interface {
	List(ctx context.Context, communityID string) ([]Rule, error)
	Upsert(ctx context.Context, r Rule) error
	Delete(ctx context.Context, communityID, channelID string) (bool, error)
}
