package grants

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// RecordError describes why a single record in a batch was rejected.
type RecordError struct {
	Role   Role
	Index  int
	Field  string
	Reason string
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s[%d]: %s %s", e.Role.PartitionName(), e.Index, e.Field, e.Reason)
}

// Is lets RecordErrors match ErrValidation.
func (e RecordError) Is(target error) bool {
	return target == ErrValidation
}

func describeTag(tag string) string {
	switch tag {
	case "required", "min":
		return "is required"
	case "oneof":
		return "must be granter or grantee"
	}
	return "failed " + tag
}

// ValidateRecord checks that record has every required field. The returned
// error, if any, is a RecordError for the first offending field; the caller
// fills in Index.
func ValidateRecord(record Record) error {
	err := getValidator().Struct(record)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	fe := fieldErrs[0]
	return RecordError{
		Role:   record.Role,
		Field:  fe.Field(),
		Reason: describeTag(fe.Tag()),
	}
}

// CombineRecordErrors merges a batch's record errors into one error, or nil
// if there are none.
func CombineRecordErrors(errs []RecordError) error {
	var combined error
	for _, err := range errs {
		combined = multierr.Append(combined, err)
	}
	return combined
}
