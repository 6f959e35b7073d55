// Package approval holds the pure rules of multi-level approval chains:
// validation, quorum arithmetic and approver eligibility. Persistence and
// transitions live in the service layer.
package approval

import (
	"fmt"
	"time"

	"ontoserve/api/internal/store"
)

const (
	MaxLevels            = 5
	DefaultDeadlineHours = 24
)

// ValidateChain checks a chain definition before it is stored: a known
// approval type, 1 to 5 contiguous levels starting at 1, at least one
// approver per level, and a quorum that the level can actually meet.
func ValidateChain(c *store.ApprovalChain) error {
	if c.ApprovalType != store.ChainSequential && c.ApprovalType != store.ChainParallel {
		return fmt.Errorf("unknown approval type %q", c.ApprovalType)
	}
	if len(c.Levels) == 0 {
		return fmt.Errorf("chain has no levels")
	}
	if len(c.Levels) > MaxLevels {
		return fmt.Errorf("chain has %d levels, maximum is %d", len(c.Levels), MaxLevels)
	}
	for i, lvl := range c.Levels {
		if lvl.Level != i+1 {
			return fmt.Errorf("levels must be contiguous from 1, got %d at position %d", lvl.Level, i)
		}
		if len(lvl.Approvers) == 0 {
			return fmt.Errorf("level %d has no approvers", lvl.Level)
		}
		if lvl.MinApprovals < 0 {
			return fmt.Errorf("level %d has negative quorum", lvl.Level)
		}
		if lvl.MinApprovals > len(lvl.Approvers) {
			return fmt.Errorf("level %d quorum %d exceeds its %d approvers", lvl.Level, lvl.MinApprovals, len(lvl.Approvers))
		}
		if lvl.DeadlineHours < 0 {
			return fmt.Errorf("level %d has negative deadline", lvl.Level)
		}
	}
	return nil
}

// RequiredApprovals returns the quorum for one level. An explicit
// MinApprovals wins; otherwise sequential chains need one approval per level
// and parallel chains need every approver.
func RequiredApprovals(chainType string, lvl store.ApprovalLevel) int {
	if lvl.MinApprovals > 0 {
		return lvl.MinApprovals
	}
	if chainType == store.ChainParallel {
		return len(lvl.Approvers)
	}
	return 1
}

// FindLevel returns the level an approver belongs to, or 0 when the approver
// appears nowhere in the chain.
func FindLevel(c *store.ApprovalChain, approverID string) int {
	for _, lvl := range c.Levels {
		for _, a := range lvl.Approvers {
			if a == approverID {
				return lvl.Level
			}
		}
	}
	return 0
}

// Deadline computes the cutoff for a level activated at the given time.
func Deadline(lvl store.ApprovalLevel, activatedAt time.Time) time.Time {
	hours := lvl.DeadlineHours
	if hours == 0 {
		hours = DefaultDeadlineHours
	}
	return activatedAt.Add(time.Duration(hours) * time.Hour)
}

// NextLevel returns the level after the given one, or 0 when it is the last.
func NextLevel(c *store.ApprovalChain, level int) int {
	if level < len(c.Levels) {
		return level + 1
	}
	return 0
}

// Level returns the definition for a level number. The zero value means the
// level does not exist in the chain.
func Level(c *store.ApprovalChain, level int) (store.ApprovalLevel, bool) {
	if level < 1 || level > len(c.Levels) {
		return store.ApprovalLevel{}, false
	}
	return c.Levels[level-1], true
}
