// Package rolediff computes the role changes implied by a voice transition.
//
// Entering a channel with a rule withholds the rule's override roles the
// member holds and grants the target roles they lack. The undo record keeps
// exactly what was withheld (Restoration) and granted (Grant), so leaving puts
// back only those roles and never touches anything else the member holds.
package rolediff

import (
	"errors"

	"github.com/onnwee/voicewarden/rules"
)

// ErrUnknownState is returned when the member's current roles are unknown.
var ErrUnknownState = errors.New("current role set unknown")

// Undo is what must be reversed when the member leaves the channel.
type Undo struct {
	Restoration []string
	Grant       []string
}

// Empty reports whether there is nothing to undo.
func (u Undo) Empty() bool { return len(u.Restoration) == 0 && len(u.Grant) == 0 }

// Plan is the computed role change plus the undo record for the new channel.
type Plan struct {
	Add    []string
	Remove []string
	Next   Undo
}

// Noop reports whether the plan changes no roles.
func (p Plan) Noop() bool { return len(p.Add) == 0 && len(p.Remove) == 0 }

// Compute derives the role changes for leaving the channel described by prior
// and entering the channel governed by incoming (nil for no rule or no channel).
//
// current is the member's role set as last observed; nil means unknown and
// yields ErrUnknownState. Leaving is applied first and the entry is computed
// against the resulting set, so a role removed on exit and re-added on entry
// (or the reverse) cancels out.
func Compute(current []string, incoming *rules.Rule, prior Undo) (Plan, error) {
	if current == nil {
		return Plan{}, ErrUnknownState
	}
	held := toSet(current)

	// exit: take back what was granted, restore what was withheld
	exitRemove := filter(prior.Grant, func(r string) bool { return held[r] })
	exitAdd := filter(prior.Restoration, func(r string) bool { return !held[r] })

	after := make(map[string]bool, len(held))
	for r := range held {
		after[r] = true
	}
	for _, r := range exitRemove {
		delete(after, r)
	}
	for _, r := range exitAdd {
		after[r] = true
	}

	var next Undo
	if incoming != nil {
		override, target := toSet(incoming.Override), toSet(incoming.Target)
		// roles in both lists are a no-op for the rule
		next.Restoration = filter(incoming.Override, func(r string) bool { return after[r] && !target[r] })
		next.Grant = filter(incoming.Target, func(r string) bool { return !after[r] && !override[r] })
	}

	add := dedupe(append(append([]string{}, exitAdd...), next.Grant...))
	remove := dedupe(append(append([]string{}, exitRemove...), next.Restoration...))

	// a role both restored and withheld (or taken back and granted) stays as is
	addSet, removeSet := toSet(add), toSet(remove)
	plan := Plan{
		Add:    filter(add, func(r string) bool { return !removeSet[r] }),
		Remove: filter(remove, func(r string) bool { return !addSet[r] }),
		Next:   next,
	}
	return plan, nil
}

// Apply returns the role set resulting from plan, preserving current's order
// and appending added roles.
func Apply(current []string, p Plan) []string {
	removeSet := toSet(p.Remove)
	out := filter(current, func(r string) bool { return !removeSet[r] })
	have := toSet(out)
	for _, r := range p.Add {
		if !have[r] {
			out = append(out, r)
			have[r] = true
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func filter(ids []string, keep func(string) bool) []string {
	out := []string{}
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	return filter(ids, func(r string) bool {
		if seen[r] {
			return false
		}
		seen[r] = true
		return true
	})
}
