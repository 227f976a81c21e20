package visit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports a record, line, order or plan that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLabOrderNotAttachable rejects attaching a lab order to a record that
	// is not being examined.
	ErrLabOrderNotAttachable = errors.New("lab orders can only be attached during examination")

	// ErrNotALabPlan rejects a lab order against a catalog plan that carries
	// no lab work.
	ErrNotALabPlan = errors.New("plan is not a lab plan")

	// ErrNoActiveSession reports an await or cancel against an unknown or
	// already resolved checkout session.
	ErrNoActiveSession = errors.New("no active checkout session")
)

// IncompletePrerequisitesError rejects completing a visit while clinical
// fields are empty or attached lab work is unfinished. It lists the specific
// gaps so the operator can be pointed at them.
type IncompletePrerequisitesError struct {
	MissingFields    []string
	UnfinishedOrders []uuid.UUID
}

func (e *IncompletePrerequisitesError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, fmt.Sprintf("empty clinical fields: %s", strings.Join(e.MissingFields, ", ")))
	}
	if len(e.UnfinishedOrders) > 0 {
		parts = append(parts, fmt.Sprintf("%d lab order(s) not done", len(e.UnfinishedOrders)))
	}
	return "visit cannot be completed: " + strings.Join(parts, "; ")
}

// MissingRequiredFieldsError rejects finalizing a lab result while declared
// required parameters have no value.
type MissingRequiredFieldsError struct {
	Fields []string
}

func (e *MissingRequiredFieldsError) Error() string {
	return fmt.Sprintf("result is missing required values: %s", strings.Join(e.Fields, ", "))
}
