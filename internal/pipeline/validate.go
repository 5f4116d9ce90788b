package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// newSubmissionValidator reports fields by their JSON names so problems read
// the way clients wrote the request.
func newSubmissionValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// validate checks a submission and collects every problem into a
// *publishing.ValidationError.
func (c *Coordinator) validate(sub Submission) error {
	err := c.valid.Struct(sub)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate submission: %w", err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeField(fe))
	}
	return publishing.NewValidationError(problems...)
}

func describeField(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "notblank":
		return field + " must not be blank"
	case "min":
		return fmt.Sprintf("%s needs at least %s entry", field, fe.Param())
	case "unique":
		if fe.Param() != "" {
			return fmt.Sprintf("%s repeats a %s", field, strings.ToLower(fe.Param()))
		}
		return field + " has repeated entries"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
