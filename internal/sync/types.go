// Package sync reconciles the targets declared in the configuration file
// with the targets held in the store.
//
// The policy decides how far the file is authoritative:
//
//   - create-only: add declared targets that are missing, never delete
//   - full-sync:   the file is authoritative; stored targets it does not
//     declare are deleted, including ones added over the control protocol
//   - ignore:      the file's target list is not processed
package sync

import (
	"fmt"
	"strings"
)

// =============================================================================
// Policies
// =============================================================================

// Policy defines how declared targets are reconciled with stored ones.
type Policy string

const (
	// PolicyCreateOnly creates missing targets but never deletes.
	// This is the default: targets added at runtime survive a restart.
	PolicyCreateOnly Policy = "create-only"

	// PolicyFullSync deletes stored targets the file does not declare.
	PolicyFullSync Policy = "full-sync"

	// PolicyIgnore skips reconciliation entirely.
	PolicyIgnore Policy = "ignore"
)

// ValidPolicies contains all valid policy values.
var ValidPolicies = []Policy{
	PolicyCreateOnly,
	PolicyFullSync,
	PolicyIgnore,
}

// IsValid returns true if the policy is a known value.
func (p Policy) IsValid() bool {
	for _, v := range ValidPolicies {
		if p == v {
			return true
		}
	}
	return false
}

// ParsePolicy converts a config string to a Policy. Empty means create-only.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PolicyCreateOnly, nil
	}
	p := Policy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown target policy %q (want create-only, full-sync or ignore)", s)
	}
	return p, nil
}

// ShouldDelete returns true if the policy removes undeclared targets.
func ShouldDelete(p Policy) bool {
	return p == PolicyFullSync
}
