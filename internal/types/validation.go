package types

import (
	"fmt"
	"strings"
)

// Validation constraint constants.
const (
	MaxAddressLength = 300
	MaxNameLength    = 200
	MaxHoldYears     = 50
	MaxRadiusKM      = 100.0
	DefaultPageSize  = 20
	MaxPageSize      = 100
)

// ValidateAddress applies the structural rules for a property address.
// Geocoding happens downstream; this only rejects obviously broken input.
func ValidateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return fmt.Errorf("%s: address is required", ErrCodeValidationMissingField)
	}
	if len(trimmed) > MaxAddressLength {
		return fmt.Errorf("%s: address exceeds %d characters", ErrCodeValidationInvalidAddress, MaxAddressLength)
	}
	return nil
}

// Validate implements the Validator interface for AnalysisParameters.
func (ap AnalysisParameters) Validate() error {
	if ap.PurchasePriceCents < 0 {
		return fmt.Errorf("%s: purchase price must be non-negative", ErrCodeValidationBody)
	}
	if ap.DownPaymentPct < 0 || ap.DownPaymentPct > 100 {
		return fmt.Errorf("%s: down payment percent must be within [0, 100]", ErrCodeValidationBody)
	}
	if ap.HoldYears < 0 || ap.HoldYears > MaxHoldYears {
		return fmt.Errorf("%s: hold years must be within [0, %d]", ErrCodeValidationBody, MaxHoldYears)
	}
	if ap.ComparableRadiusKM < 0 || ap.ComparableRadiusKM > MaxRadiusKM {
		return fmt.Errorf("%s: comparable radius must be within [0, %.0f]", ErrCodeValidationBody, MaxRadiusKM)
	}
	return nil
}

// ClampPageSize normalizes a requested page size into the supported range.
func ClampPageSize(requested int) int {
	if requested <= 0 {
		return DefaultPageSize
	}
	if requested > MaxPageSize {
		return MaxPageSize
	}
	return requested
}
