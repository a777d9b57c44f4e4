package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` tags
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError reports the first rule a field failed
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("validate expects a struct, got nil")
		}
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" {
			continue
		}

		if err := v.validateField(val.Field(i), fieldType.Name, tag); err != nil {
			return err
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, name, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		switch ruleName {
		case "required":
			if field.IsZero() || (hasLen(field) && field.Len() == 0) {
				return &FieldError{Field: name, Rule: ruleName, Msg: "field is required"}
			}

		case "min", "max":
			limit, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: bad %s rule %q", name, ruleName, arg)
			}
			n, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && n < limit {
				return &FieldError{Field: name, Rule: ruleName, Msg: fmt.Sprintf("minimum is %d", limit)}
			}
			if ruleName == "max" && n > limit {
				return &FieldError{Field: name, Rule: ruleName, Msg: fmt.Sprintf("maximum is %d", limit)}
			}

		case "oneof":
			if field.Kind() != reflect.String {
				continue
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return &FieldError{Field: name, Rule: ruleName, Msg: fmt.Sprintf("must be one of %v", allowed)}
			}
		}
	}

	return nil
}

func hasLen(field reflect.Value) bool {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// measure returns the length of sized values or the value of numbers
func measure(field reflect.Value) (int64, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return int64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return field.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(field.Uint()), true
	}
	return 0, false
}
