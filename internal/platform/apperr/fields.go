package apperr

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldErrors converts validator errors into field -> message pairs. Field
// names come from the validator's tag-name function (json names in this
// service).
func FieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if isList(fe) {
			return fmt.Sprintf("must contain at least %s items", fe.Param())
		}
		if isText(fe) {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if isList(fe) {
			return fmt.Sprintf("must contain at most %s items", fe.Param())
		}
		if isText(fe) {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "datetime":
		return "must be a date in " + fe.Param() + " format"
	case "gt", "gte":
		return "must be greater than " + orEqual(fe.Tag()) + fe.Param()
	case "dive":
		return "contains an invalid value"
	default:
		return "is invalid"
	}
}

func isText(fe validator.FieldError) bool {
	return fe.Kind() == reflect.String
}

func isList(fe validator.FieldError) bool {
	return fe.Kind() == reflect.Slice || fe.Kind() == reflect.Array
}

func orEqual(tag string) string {
	if tag == "gte" {
		return "or equal to "
	}
	return ""
}
