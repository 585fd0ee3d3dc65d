package validator

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/charlesng35/spoilr/pkg/errors"
	"github.com/charlesng35/spoilr/pkg/mail"
)

var (
	once     sync.Once
	validate *validator.Validate

	slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}

	parts := make([]string, len(v))
	for i, err := range v {
		if err.Param != "" {
			parts[i] = err.Field + " failed on " + err.Tag + "=" + err.Param
		} else {
			parts[i] = err.Field + " failed on " + err.Tag
		}
	}
	return strings.Join(parts, "; ")
}

// FormErrors renders the failures as human messages keyed by form field.
func (v ValidationErrors) FormErrors() appErrors.FormErrors {
	out := appErrors.FormErrors{}
	for _, fe := range v {
		out.Add(fe.Field, message(fe))
	}
	return out
}

func message(fe ValidationError) string {
	switch fe.Tag {
	case "required":
		return "This field is required."
	case "slug":
		return "Enter a valid slug."
	case "notify_emails":
		return `Enter "all", "none", or a comma separated list of addresses.`
	case "oneof":
		return "Select a valid choice. Options: " + fe.Param + "."
	case "max":
		return "Ensure this value has at most " + fe.Param + " characters."
	case "gt", "gte":
		return "Ensure this value is greater than " + fe.Param + "."
	case "lte", "lt":
		return "Ensure this value is at most " + fe.Param + "."
	default:
		return "Enter a valid value."
	}
}

// ValidateStruct validates a struct using registered rules.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	if ve, ok := err.(validator.ValidationErrors); ok {
		failures := make(ValidationErrors, 0, len(ve))
		for _, fe := range ve {
			failures = append(failures, ValidationError{
				Field: fe.Field(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
			})
		}
		return failures
	}

	return err
}

// RegisterValidation exposes underlying validator custom rules.
func RegisterValidation(tag string, fn validator.Func) error {
	return getValidator().RegisterValidation(tag, fn)
}

// ValidNotifyEmails accepts "all", "none" or a CSV of valid addresses.
func ValidNotifyEmails(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "all", "none":
		return true
	}
	addrs, err := mail.ParseAddressCSV(value)
	return err == nil && len(addrs) > 0
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, key := range []string{"form", "json"} {
				name := fld.Tag.Get(key)
				if comma := strings.Index(name, ","); comma != -1 {
					name = name[:comma]
				}
				if name != "" && name != "-" {
					return name
				}
			}
			return fld.Name
		})
		_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return slugPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("notify_emails", func(fl validator.FieldLevel) bool {
			return ValidNotifyEmails(fl.Field().String())
		})
	})
	return validate
}
