// Package validation checks request structs against their `validate` tags and
// reports failures as invalid_input errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report JSON field names rather than Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("site_uid", validateSiteUID)
}

// validateSiteUID accepts 1-128 characters of [A-Za-z0-9._-].
func validateSiteUID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Struct validates v. Field failures are returned as one invalid_input error
// with a "fields" detail mapping field name to the failed rule.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errcode.Wrap(errcode.InvalidInput, err, "request cannot be validated")
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
		names = append(names, fe.Field())
	}
	return errcode.New(errcode.InvalidInput, fmt.Sprintf("invalid fields: %s", strings.Join(names, ", "))).
		WithDetail("fields", fields)
}
