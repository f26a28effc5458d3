// Package validate plugs go-playground/validator into echo and reports
// failures as apperr validation errors keyed by JSON field name.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/apperr"
)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query", "param"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	return &Validator{v: v}
}

// Engine exposes the underlying validator for registering custom rules.
func (cv *Validator) Engine() *validator.Validate {
	return cv.v
}

func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return apperr.Validation("Validation failed", apperr.FieldErrors(ve))
	}
	return apperr.Validation("Invalid request", nil)
}

// Bind decodes the request into dst and validates it. Binding failures
// (malformed JSON, wrong types) become 400s.
func Bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return apperr.Validation("Invalid request body", nil)
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(dst)
}
