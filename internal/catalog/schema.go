package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s\-\(\)]{10,}$`)
	sitePattern  = regexp.MustCompile(`^https?://.+\..+`)
)

type leadQualificationInput struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,contact_email"`
	Phone   string `json:"phone" validate:"required,phone"`
	Company string `json:"company" validate:"omitempty,max=200"`
	Website string `json:"companyWebsite" validate:"omitempty,website"`
	Request string `json:"request" validate:"required,max=5000"`
}

type leadQualificationOutput struct {
	CallID             string   `json:"callId" validate:"required"`
	Duration           *float64 `json:"duration" validate:"required,min=0"`
	QualificationScore *float64 `json:"qualificationScore" validate:"required,min=0,max=100"`
	Summary            string   `json:"summary" validate:"required"`
	NextSteps          []string `json:"nextSteps" validate:"required,dive,required"`
}

type appointmentInput struct {
	Name          string `json:"name" validate:"required,max=200"`
	Email         string `json:"email" validate:"required,contact_email"`
	Phone         string `json:"phone" validate:"omitempty,phone"`
	PreferredDate string `json:"preferredDate" validate:"required,datetime=2006-01-02"`
	PreferredTime string `json:"preferredTime" validate:"omitempty,datetime=15:04"`
	Timezone      string `json:"timezone" validate:"omitempty,timezone"`
	Reason        string `json:"reason" validate:"omitempty,max=2000"`
}

type appointmentOutput struct {
	AppointmentID    string   `json:"appointmentId" validate:"required"`
	ScheduledTime    string   `json:"scheduledTime" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Duration         *float64 `json:"duration" validate:"omitempty,min=0"`
	ConfirmationCode string   `json:"confirmationCode" validate:"required"`
	CalendarLink     string   `json:"calendarLink" validate:"omitempty,url"`
}

type chatbotInput struct {
	SessionID string `json:"sessionId" validate:"required,max=200"`
	Message   string `json:"message" validate:"required,max=4000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "contact_email", emailPattern)
	mustRegister(v, "phone", phonePattern)
	mustRegister(v, "website", sitePattern)
	return v
}

func mustRegister(v *validator.Validate, tag string, re *regexp.Regexp) {
	if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("catalog: register %s: %v", tag, err))
	}
}

// ValidationError carries one message per offending field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Struct validates any value carrying `validate` tags and converts failures
// into a *ValidationError.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("catalog: validate: %w", err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fieldPath(fe)] = describe(fe)
	}
	return out
}

func fieldPath(fe validator.FieldError) string {
	// Namespace is "<struct>.<field>[...]"; drop the struct's Go name.
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "contact_email", "email":
		return "must be a valid email address"
	case "phone":
		return "must be a valid phone number"
	case "website", "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must match the format " + fe.Param()
	case "timezone":
		return "must be an IANA time zone"
	default:
		return "is invalid"
	}
}

func decodeAndValidate(field string, raw json.RawMessage, schema func() any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &ValidationError{Fields: map[string]string{field: "must be a JSON object"}}
	}
	if schema == nil {
		if !json.Valid(trimmed) {
			return &ValidationError{Fields: map[string]string{field: "must be valid JSON"}}
		}
		return nil
	}
	target := schema()
	if err := json.Unmarshal(trimmed, target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return &ValidationError{Fields: map[string]string{typeErr.Field: "must be a " + typeErr.Type.String()}}
		}
		return &ValidationError{Fields: map[string]string{field: "must be valid JSON"}}
	}
	return Struct(target)
}
