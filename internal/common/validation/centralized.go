package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"admission-gateway/internal/common/errors"

	"github.com/go-playground/validator/v10"
)

var dependencyNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// CentralizedValidator provides unified validation using go-playground/validator
type CentralizedValidator struct {
	validator *validator.Validate
}

// ValidationError represents a single validation error with context
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// NewCentralizedValidator creates a new centralized validator instance
func NewCentralizedValidator() *CentralizedValidator {
	v := validator.New()

	registerAdmissionValidators(v)

	// Use json tags for field names in messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &CentralizedValidator{validator: v}
}

// ValidateStruct validates a struct using struct tags
func (cv *CentralizedValidator) ValidateStruct(s interface{}) error {
	if err := cv.validator.Struct(s); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

// ValidateVar validates a single variable with validation rules
func (cv *CentralizedValidator) ValidateVar(field interface{}, tag string) error {
	if err := cv.validator.Var(field, tag); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

func (cv *CentralizedValidator) formatValidationErrors(err error) error {
	validationErrors := cv.extractValidationErrors(err)
	if len(validationErrors) == 1 {
		return errors.ValidationError(validationErrors[0].Message)
	}

	messages := make([]string, len(validationErrors))
	for i, e := range validationErrors {
		messages[i] = e.Message
	}

	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func (cv *CentralizedValidator) extractValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fieldError := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   fieldError.Field(),
				Tag:     fieldError.Tag(),
				Value:   fmt.Sprintf("%v", fieldError.Value()),
				Message: cv.formatFieldError(fieldError),
				Param:   fieldError.Param(),
			})
		}
	} else {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "unknown",
			Tag:     "error",
			Message: err.Error(),
		})
	}

	return validationErrors
}

func (cv *CentralizedValidator) formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", err.Field())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", err.Field())
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", err.Field(), err.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", err.Field(), err.Param())
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", err.Field(), err.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", err.Field(), err.Param())
	case "dependency_name":
		return fmt.Sprintf("field '%s' must be a lowercase dependency name", err.Field())
	case "hostname_port":
		return fmt.Sprintf("field '%s' must be a host:port address", err.Field())
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", err.Field(), err.Tag())
	}
}

func registerAdmissionValidators(v *validator.Validate) {
	// Dependency names become log fields and map keys
	_ = v.RegisterValidation("dependency_name", func(fl validator.FieldLevel) bool {
		return dependencyNamePattern.MatchString(fl.Field().String())
	})
}

var globalValidator = NewCentralizedValidator()

// ValidateStruct validates a struct using the global validator instance
func ValidateStruct(s interface{}) error {
	return globalValidator.ValidateStruct(s)
}

// ValidateVar validates a variable using the global validator instance
func ValidateVar(field interface{}, tag string) error {
	return globalValidator.ValidateVar(field, tag)
}
