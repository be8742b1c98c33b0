package roles

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError is returned for payloads that can never succeed. Codenames lists unknown
// permissions when the payload referenced any.
type ValidationError struct {
	Message   string
	Codenames []string
}

func (e *ValidationError) Error() string {
	if len(e.Codenames) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Codenames, ", "))
}

func unknownPermissionsError(codenames []string) *ValidationError {
	return &ValidationError{Message: "unknown permissions", Codenames: codenames}
}

// fieldErrors turns validator failures into a ValidationError naming the offending fields.
func fieldErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)

	return &ValidationError{Message: "invalid fields " + strings.Join(fields, ", ")}
}
