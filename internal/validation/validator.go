// Package validation validates engine records using the validator/v10 library.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
)

// Validator wraps go-playground/validator with domain error conversion.
type Validator struct {
	v *validator.Validate
}

// New creates a validator configured for our domain.
func New() *Validator {
	v := validator.New()

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	v.RegisterStructValidation(validateProfile, domain.EncodeProfile{})

	return &Validator{v: v}
}

// validateProfile enforces the codec rules that single-field tags cannot express:
// video containers need a codec, the animated preview must not carry one.
func validateProfile(sl validator.StructLevel) {
	p, ok := sl.Current().Interface().(domain.EncodeProfile)
	if !ok {
		return
	}
	switch {
	case p.Extension == domain.ExtensionGIF && p.Codec != "":
		sl.ReportError(p.Codec, "codec", "Codec", "excluded_with_gif", "")
	case p.Extension != domain.ExtensionGIF && p.Codec == "":
		sl.ReportError(p.Codec, "codec", "Codec", "required", "")
	case p.Extension == domain.ExtensionWebM && p.Codec != domain.CodecVP9:
		sl.ReportError(p.Codec, "codec", "Codec", "webm_vp9", "")
	}
}

// Validate validates a struct and returns a domain error.
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// formatError converts validator errors to domain errors.
func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	fieldErrors := make(map[string]string)
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = v.friendlyMessage(e)
	}

	return domainerrors.ValidationWithDetails("validation failed", fieldErrors)
}

func (v *Validator) friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must not exceed %s characters", e.Param())
	case "oneof":
		return "must be one of: " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "lte":
		return "must be less than or equal to " + e.Param()
	case "excluded_with_gif":
		return "must be empty for the animated preview"
	case "webm_vp9":
		return "webm renditions must use vp9"
	default:
		return "is invalid"
	}
}
