package core

import (
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"propsight/internal/types"
)

// ValidationError describes a single field-level validation failure.
type ValidationError struct {
	// Field is the struct field name (lowercased) that failed validation.
	Field string `json:"field"`
	// Code is the machine-readable error code for the failure.
	Code string `json:"code"`
	// Message is a human-readable description of the failure.
	Message string `json:"message"`
}

// ValidationResult aggregates the outcome of validating a struct.
// Errors block the request; Warnings are advisory and surfaced to the client
// in the response meta without failing validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []string
}

// IsValid reports whether the result contains no blocking errors.
// Warnings do not affect validity.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator wraps go-playground/validator to register domain-specific rules
// for the PropSight API. Custom tags:
//
//   - plan_tier:        value must be one of the known billing plan tiers.
//   - analysis_type:    value must be a known property analysis type.
//   - property_address: value must be a plausible property address (non-blank,
//     bounded length).
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for nil functions or empty tag names, neither of
	// which can happen here.
	_ = v.RegisterValidation("plan_tier", validatePlanTier)
	_ = v.RegisterValidation("analysis_type", validateAnalysisType)
	_ = v.RegisterValidation("property_address", validatePropertyAddress)

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates the given struct and returns nil on success, or a
// *types.AppError on failure. The AppError's code maps to the first validation
// failure, and its Details carry the full list under "validation_errors".
func (v *Validator) ValidateStruct(s any) error {
	result := v.ValidateStructWithWarnings(s)
	if result.IsValid() {
		return nil
	}

	first := result.Errors[0]
	return types.NewAppErrorWithDetails(
		types.ErrorCode(first.Code),
		"Request validation failed: "+first.Message,
		nil,
		map[string]any{"validation_errors": result.Errors},
	)
}

// ValidateStructWithWarnings validates the given struct and returns the full
// ValidationResult, including advisory warnings. Use this variant when the
// caller wants to surface warnings to the client alongside a successful
// response.
func (v *Validator) ValidateStructWithWarnings(s any) ValidationResult {
	var result ValidationResult

	err := v.validate.Struct(s)
	if err == nil {
		return result
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the input was not a struct. This is a
		// programming error, not a client error.
		v.logger.Error("validator received non-struct input", "error", err.Error())
		result.Errors = append(result.Errors, ValidationError{
			Field:   "",
			Code:    string(types.ErrCodeValidationBody),
			Message: "request body could not be validated",
		})
		return result
	}

	for _, fe := range validationErrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Code:    tagToErrorCode(fe.Tag()),
			Message: fieldErrorMessage(fe),
		})
	}

	return result
}

// validatePlanTier implements the plan_tier tag. Empty values pass so the tag
// composes with omitempty; pair with required to reject empty.
func validatePlanTier(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return types.PlanTier(value).Valid()
}

// validateAnalysisType implements the analysis_type tag. Empty values pass so
// the tag composes with omitempty; pair with required to reject empty.
func validateAnalysisType(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	switch types.AnalysisType(value) {
	case types.AnalysisRental, types.AnalysisFlip, types.AnalysisComparable:
		return true
	default:
		return false
	}
}

// validatePropertyAddress implements the property_address tag. It delegates to
// the shared address rules (non-blank after trimming, bounded length). Empty
// values pass; pair with required to reject empty.
func validatePropertyAddress(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return types.ValidateAddress(value) == nil
}

// tagToErrorCode maps a validator tag name to the API error code returned to
// clients. Unmapped tags fall back to the generic body validation code.
func tagToErrorCode(tag string) string {
	switch tag {
	case "required":
		return string(types.ErrCodeValidationMissingField)
	case "email":
		return string(types.ErrCodeValidationInvalidEmail)
	case "plan_tier":
		return string(types.ErrCodeValidationInvalidPlan)
	case "analysis_type":
		return string(types.ErrCodeValidationBody)
	case "property_address":
		return string(types.ErrCodeValidationInvalidAddress)
	default:
		return string(types.ErrCodeValidationBody)
	}
}

// fieldErrorMessage builds a human-readable message for a single field error.
func fieldErrorMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "plan_tier":
		return field + " must be one of: free, pro, enterprise"
	case "analysis_type":
		return field + " must be one of: rental, flip, comparable"
	case "property_address":
		return field + " must be a valid property address"
	case "min":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param()
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "url":
		return field + " must be a valid URL"
	default:
		return field + " failed validation on " + fe.Tag()
	}
}
