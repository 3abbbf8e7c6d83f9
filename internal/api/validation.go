package api

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/feedpulse/internal/job"
)

// SanitizeValidationError turns a validator error into a short message
// naming the first offending field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}

	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", jsonFieldName(fe.Field()), validationTagMessage(fe.Tag()))
}

// invalidJobMessage describes a rejected job spec without echoing decoder
// or validator output.
func invalidJobMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return SanitizeValidationError(verrs)
	}
	var fe *job.FieldError
	if errors.As(err, &fe) {
		return fe.Message()
	}
	return "Invalid job"
}

var jsonNames = map[string]string{
	"JobType":     "job_type",
	"Payload":     "payload",
	"Priority":    "priority",
	"MaxAttempts": "max_attempts",
}

func jsonFieldName(field string) string {
	if name, ok := jsonNames[field]; ok {
		return name
	}
	return field
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "gte", "min":
		return "too small"
	case "lte", "max":
		return "too large"
	case "oneof":
		return "invalid value"
	case "sourcename":
		return "must be lowercase letters, digits, dashes or underscores"
	default:
		return "validation failed"
	}
}
