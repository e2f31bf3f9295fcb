package types

// PlanLimits defines the resource constraints for a billing plan tier.
// A limit of 0 means the resource is unlimited; a negative limit means the
// resource is not available on the tier at all.
type PlanLimits struct {
	MaxAnalyses      int  `json:"analyses_max"`
	MaxAPICallsDaily int  `json:"api_calls_daily_max"`
	AllowComparables bool `json:"allow_comparables"`
}
