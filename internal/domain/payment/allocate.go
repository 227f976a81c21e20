package payment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrOverpayment rejects a payment exceeding the outstanding balance of
	// the supplied lines. Nothing is mutated on rejection.
	ErrOverpayment = errors.New("payment exceeds outstanding balance")

	// ErrNoLines rejects a payment against an empty line set.
	ErrNoLines = errors.New("at least one invoice line is required")

	// ErrNonPositiveAmount rejects a zero or negative payment.
	ErrNonPositiveAmount = errors.New("payment amount must be positive")
)

// Line is an invoice line's share of a payment, as seen by the orchestrator:
// just an identity and what is still owed on it.
type Line struct {
	ID          uuid.UUID
	Outstanding int64
}

// LineAllocation is the amount a payment puts toward one line. Settled means
// the line's remaining balance reached zero.
type LineAllocation struct {
	LineID  uuid.UUID
	Amount  int64
	Settled bool
}

// Allocate distributes amount greedily across lines in the order supplied,
// capping each line at its own remaining balance. The whole allocation is
// computed before anything is returned, so a rejection mutates nothing.
func Allocate(amount int64, lines []Line) ([]LineAllocation, error) {
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if len(lines) == 0 {
		return nil, ErrNoLines
	}

	var outstanding int64
	for _, line := range lines {
		if line.Outstanding < 0 {
			return nil, fmt.Errorf("line %s has negative outstanding balance", line.ID)
		}
		outstanding += line.Outstanding
	}
	if amount > outstanding {
		return nil, fmt.Errorf("amount %d against outstanding %d: %w", amount, outstanding, ErrOverpayment)
	}

	allocations := make([]LineAllocation, 0, len(lines))
	remaining := amount
	for _, line := range lines {
		if remaining == 0 {
			break
		}
		put := line.Outstanding
		if put > remaining {
			put = remaining
		}
		if put == 0 {
			continue
		}
		allocations = append(allocations, LineAllocation{
			LineID:  line.ID,
			Amount:  put,
			Settled: put == line.Outstanding,
		})
		remaining -= put
	}
	return allocations, nil
}
