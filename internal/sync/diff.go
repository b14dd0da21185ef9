package sync

import (
	"sort"
	"strings"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// =============================================================================
// Diff
// =============================================================================

// Action is the kind of change a DiffEntry asks for.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionDelete
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return "skip"
	}
}

// DiffEntry is one planned change.
type DiffEntry struct {
	Action  Action
	Address string

	// Target is set for skips and deletes.
	Target *types.Target
}

// Plan is the result of Diff.
type Plan struct {
	Entries []DiffEntry
}

// Creates returns the addresses to create, in declaration order.
func (p Plan) Creates() []string {
	var out []string
	for _, e := range p.Entries {
		if e.Action == ActionCreate {
			out = append(out, e.Address)
		}
	}
	return out
}

// Deletes returns the stored targets to delete, ordered by address.
func (p Plan) Deletes() []types.Target {
	var out []types.Target
	for _, e := range p.Entries {
		if e.Action == ActionDelete {
			out = append(out, *e.Target)
		}
	}
	return out
}

// Empty returns true if the plan changes nothing.
func (p Plan) Empty() bool {
	for _, e := range p.Entries {
		if e.Action != ActionSkip {
			return false
		}
	}
	return true
}

// Diff calculates the changes needed to reconcile declared addresses with
// stored targets under policy.
//
// Addresses are compared after trimming whitespace; duplicates in declared
// are collapsed. Entries come out in a deterministic order: declared
// addresses in declaration order, then deletes ordered by address.
func Diff(declared []string, stored []types.Target, policy Policy) Plan {
	if policy == PolicyIgnore {
		return Plan{}
	}

	storedByAddr := make(map[string]types.Target, len(stored))
	for _, t := range stored {
		storedByAddr[t.Address] = t
	}

	var plan Plan
	seen := make(map[string]struct{}, len(declared))
	for _, addr := range declared {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		if t, ok := storedByAddr[addr]; ok {
			plan.Entries = append(plan.Entries, DiffEntry{Action: ActionSkip, Address: addr, Target: &t})
			continue
		}
		plan.Entries = append(plan.Entries, DiffEntry{Action: ActionCreate, Address: addr})
	}

	if ShouldDelete(policy) {
		var orphans []types.Target
		for _, t := range stored {
			if _, ok := seen[t.Address]; !ok {
				orphans = append(orphans, t)
			}
		}
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].Address < orphans[j].Address })
		for i := range orphans {
			plan.Entries = append(plan.Entries, DiffEntry{Action: ActionDelete, Address: orphans[i].Address, Target: &orphans[i]})
		}
	}

	return plan
}
