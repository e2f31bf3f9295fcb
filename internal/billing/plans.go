// Package billing provides plan management, usage enforcement, and
// subscription reconciliation for the platform.
package billing

import "propsight/internal/types"

// PlanRegistry defines the authoritative limits for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetLimits returns the resource limits for the given plan tier.
	// For unknown tiers, returns the most restrictive (Free) limits
	// to fail safely.
	GetLimits(tier types.PlanTier) types.PlanLimits
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
// It implements PlanRegistry and is the standard implementation for production use.
type staticPlanRegistry struct {
	limits map[types.PlanTier]types.PlanLimits
}

// apiCallsNone marks a tier with no API access at all. It must stay
// negative: 0 is the "unlimited" sentinel.
const apiCallsNone = -1

// planDefaults defines the hardcoded plan limits.
//
//	| Plan       | Analyses/Period | API Calls/Day  | Comparables |
//	|------------|-----------------|----------------|-------------|
//	| Free       | 3               | -1 (none)      | No          |
//	| Pro        | 0 (unlimited)   | 1,000          | Yes         |
//	| Enterprise | 0 (unlimited)   | 0 (unlimited)  | Yes         |
//
// 0 represents "unlimited" -- enforcement code must treat 0 as no limit
// and a negative API-call limit as no access.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		MaxAnalyses:      3,
		MaxAPICallsDaily: apiCallsNone,
		AllowComparables: false,
	},
	types.PlanPro: {
		MaxAnalyses:      0, // Unlimited -- enforcement treats 0 as no limit
		MaxAPICallsDaily: 1000,
		AllowComparables: true,
	},
	types.PlanEnterprise: {
		MaxAnalyses:      0, // Unlimited -- enforcement treats 0 as no limit
		MaxAPICallsDaily: 0, // Unlimited -- enforcement treats 0 as no limit
		AllowComparables: true,
	},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// limits. This is the standard production implementation; no database or
// external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

// GetLimits returns the resource limits for the given plan tier.
// If the tier is unknown, it returns the Free tier limits as a safe default.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}
