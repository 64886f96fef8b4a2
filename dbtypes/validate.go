package dbtypes

import (
	"errors"
	"fmt"
	"strings"

	"medtracker/daynum"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError reports a malformed record or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("while validating: %w", err)
	}
	fe := verrs[0]
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &ValidationError{Field: lowerFirst(fe.Field()), Reason: reason}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Validate checks the medication's fields, including that the end date does
// not precede the start date.
func (m *Medication) Validate() error {
	if err := validate.Struct(m); err != nil {
		return structError(err)
	}
	if m.EndDate != nil && daynum.FromTime(*m.EndDate) < daynum.FromTime(m.StartDate) {
		return &ValidationError{Field: "endDate", Reason: "before startDate"}
	}
	return nil
}

// Validate checks the intake's fields.
func (i *MedicationIntake) Validate() error {
	if err := validate.Struct(i); err != nil {
		return structError(err)
	}
	return nil
}

// Validate checks the notification's fields.
func (n *Notification) Validate() error {
	if err := validate.Struct(n); err != nil {
		return structError(err)
	}
	return nil
}

// Validate checks the user's fields.
func (u *User) Validate() error {
	if u.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if err := validate.Struct(u); err != nil {
		return structError(err)
	}
	return nil
}
