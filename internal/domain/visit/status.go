package visit

import "fmt"

// EntityKind names a status-carrying entity type.
type EntityKind string

const (
	KindVisitRecord EntityKind = "visit_record"
	KindLabOrder    EntityKind = "lab_order"
	KindLabResult   EntityKind = "lab_result"
)

// InvalidTransitionError reports a requested status edge outside the allowed
// graph. Never retried; the caller asked for something illegal.
type InvalidTransitionError struct {
	Kind      EntityKind
	Current   string
	Requested string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Kind, e.Current, e.Requested)
}

// Allowed edges per entity kind. No implicit skips: every hop is listed, and
// cancellation is only reachable from non-terminal states.
var transitions = map[EntityKind]map[string]map[string]bool{
	KindVisitRecord: {
		StatusAwaitingExam: {StatusInExam: true, StatusCancelled: true},
		StatusInExam:       {StatusAwaitingLab: true, StatusCancelled: true},
		StatusAwaitingLab:  {StatusCompleted: true, StatusCancelled: true},
		StatusCompleted:    {},
		StatusCancelled:    {},
	},
	KindLabOrder: {
		OrderPending:        {OrderInProgress: true, OrderCancelled: true},
		OrderInProgress:     {OrderAwaitingResult: true, OrderCancelled: true},
		OrderAwaitingResult: {OrderDone: true, OrderCancelled: true},
		OrderDone:           {},
		OrderCancelled:      {},
	},
	KindLabResult: {
		ResultDraft:     {ResultFinal: true, ResultCancelled: true},
		ResultFinal:     {},
		ResultCancelled: {},
	},
}

// ValidateTransition classifies the edge current -> requested as legal or
// illegal for the given entity kind. Pure; it never mutates anything. Unknown
// statuses are illegal by construction.
func ValidateTransition(kind EntityKind, current, requested string) error {
	if transitions[kind][current][requested] {
		return nil
	}
	return &InvalidTransitionError{Kind: kind, Current: current, Requested: requested}
}
