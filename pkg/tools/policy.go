package tools

import (
	"fmt"
	"strings"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/pkg/store"
)

// DefaultMaxToolCalls caps tool calls per turn when a policy sets no limit.
const DefaultMaxToolCalls = 10

// Policy restricts which tools a conversation may use and how often.
type Policy struct {
	Profile        string   `json:"profile"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	DeniedTools    []string `json:"denied_tools,omitempty"`
	OwnerOnlyTools []string `json:"owner_only_tools,omitempty"`
	MaxToolCalls   int      `json:"max_tool_calls"`
}

// PolicyFromRecord converts a persisted policy row into its runtime form.
func PolicyFromRecord(record *store.PolicyRecord) *Policy {
	if record == nil {
		return &Policy{Profile: ProfileFull, MaxToolCalls: DefaultMaxToolCalls}
	}
	p := &Policy{
		Profile:        record.Profile,
		AllowedTools:   record.AllowedTools,
		DeniedTools:    record.DeniedTools,
		OwnerOnlyTools: record.OwnerOnlyTools,
		MaxToolCalls:   record.MaxToolCalls,
	}
	if p.Profile == "" {
		p.Profile = ProfileFull
	}
	if p.MaxToolCalls <= 0 {
		p.MaxToolCalls = DefaultMaxToolCalls
	}
	return p
}

// matchesPattern reports whether a tool name matches an exact entry or a
// trailing-wildcard prefix such as "fs_*".
func matchesPattern(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return name == pattern
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if matchesPattern(name, p) {
			return true
		}
	}
	return false
}

// FilterToolsByPolicy reduces a capability set to what the policy permits.
// Rules apply in order: profile, allowed list, denied list, owner-only.
func FilterToolsByPolicy(capabilities []*Tool, policy *Policy, isOwner bool) []*Tool {
	if policy == nil {
		policy = &Policy{Profile: ProfileFull}
	}

	filtered := make([]*Tool, 0, len(capabilities))
	for _, tool := range capabilities {
		if toolPermitted(tool.Name, tool.Metadata.OwnerOnly, policy, isOwner) {
			filtered = append(filtered, tool)
		} else {
			observability.RecordPolicyDenial(tool.Name)
		}
	}
	return filtered
}

// IsToolAllowed mirrors FilterToolsByPolicy for a single name so the
// execution loop can reject a call without materializing the full set.
// metadataOwnerOnly is the capability's own owner-only marking and must
// come from the registry; the policy's lists alone cannot see it.
func IsToolAllowed(name string, metadataOwnerOnly bool, policy *Policy, isOwner bool) bool {
	if policy == nil {
		policy = &Policy{Profile: ProfileFull}
	}
	return toolPermitted(name, metadataOwnerOnly, policy, isOwner)
}

func toolPermitted(name string, metadataOwnerOnly bool, policy *Policy, isOwner bool) bool {
	if policy.Profile != "" && policy.Profile != ProfileFull {
		list, ok := ProfileTools(policy.Profile)
		if !ok || !matchesAny(name, list) {
			return false
		}
	}

	if len(policy.AllowedTools) > 0 && !matchesAny(name, policy.AllowedTools) {
		return false
	}

	if matchesAny(name, policy.DeniedTools) {
		return false
	}

	if !isOwner {
		if metadataOwnerOnly || matchesAny(name, policy.OwnerOnlyTools) {
			return false
		}
	}

	return true
}

// ValidateToolCallCount checks a turn's running tool-call counter against
// the policy limit.
func ValidateToolCallCount(currentCount int, policy *Policy) error {
	limit := DefaultMaxToolCalls
	if policy != nil && policy.MaxToolCalls > 0 {
		limit = policy.MaxToolCalls
	}
	if currentCount >= limit {
		return fmt.Errorf("maximum tool calls exceeded: %d per turn", limit)
	}
	return nil
}
