package dto

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator builds a validator with the subscription rules registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	if err := RegisterCustomValidators(validate); err != nil {
		panic(err)
	}
	return validate
}

// RegisterCustomValidators registers custom validation rules for the
// subscriptions module.
func RegisterCustomValidators(validate *validator.Validate) error {
	if err := validate.RegisterValidation("http_callback", validateHTTPCallback); err != nil {
		return fmt.Errorf("failed to register http_callback validator: %w", err)
	}
	validate.RegisterStructValidation(validateCreateTargets, CreateSubscriptionRequest{})
	return nil
}

// validateHTTPCallback accepts absolute http or https URLs with a host.
func validateHTTPCallback(fl validator.FieldLevel) bool {
	return ValidateCallbackURL(fl.Field().String()) == nil
}

// validateCreateTargets rejects subscriptions that would match nothing.
func validateCreateTargets(sl validator.StructLevel) {
	req := sl.Current().Interface().(CreateSubscriptionRequest)
	if len(req.SystemIDs) == 0 && len(req.CharacterIDs) == 0 {
		sl.ReportError(req.SystemIDs, "system_ids", "SystemIDs", "at_least_one", "")
	}
}

// ValidateCallbackURL checks that a webhook target is an absolute http or
// https URL.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("callback URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("callback URL must include a host")
	}
	return nil
}

// ValidateStruct runs the validator and flattens failures into messages
// suitable for an error response.
func ValidateStruct(validate *validator.Validate, s interface{}) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var messages []string
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	for _, fieldErr := range validationErrors {
		messages = append(messages, formatValidationError(fieldErr))
	}
	return messages
}

func formatValidationError(err validator.FieldError) string {
	field := fieldName(err)
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, err.Param())
	case "http_callback":
		return fmt.Sprintf("%s must be an absolute http or https URL", field)
	case "at_least_one":
		return "at least one of system_ids or character_ids is required"
	default:
		return fmt.Sprintf("%s failed validation rule %s", field, err.Tag())
	}
}

// fieldName lowercases the struct path into the json-ish form used in error
// messages, e.g. CreateSubscriptionRequest.SystemIDs[2] -> system_ids[2].
func fieldName(err validator.FieldError) string {
	name := err.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasPrefix(name, "SystemIDs"):
		return "system_ids" + strings.TrimPrefix(name, "SystemIDs")
	case strings.HasPrefix(name, "CharacterIDs"):
		return "character_ids" + strings.TrimPrefix(name, "CharacterIDs")
	case strings.HasPrefix(name, "SubscriberID"):
		return "subscriber_id"
	case strings.HasPrefix(name, "CallbackURL"):
		return "callback_url"
	default:
		return name
	}
}
