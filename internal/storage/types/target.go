package types

import (
	"fmt"
	"time"
)

// Target is an address under continuous monitoring.
type Target struct {
	ID      int64
	Address string

	// Frequency is a probe rate multiplier. It is stored and reported
	// but every target is probed on every tick.
	Frequency int

	CreatedAt time.Time
}

// DefaultFrequency is assigned to targets created without one.
const DefaultFrequency = 1

func (t Target) String() string {
	return fmt.Sprintf("%d -> %s", t.ID, t.Address)
}

// TargetEventKind distinguishes target notifications.
type TargetEventKind int

const (
	TargetAdded TargetEventKind = iota + 1
	TargetDeleted
)

// String returns the event name used on the push channel.
func (k TargetEventKind) String() string {
	switch k {
	case TargetAdded:
		return "target_added"
	case TargetDeleted:
		return "target_deleted"
	default:
		return fmt.Sprintf("target_event(%d)", int(k))
	}
}

// TargetEvent reports that a target was created or removed.
type TargetEvent struct {
	Kind   TargetEventKind
	Target Target
}
