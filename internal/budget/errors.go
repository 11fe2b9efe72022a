package budget

import (
	"errors"
	"fmt"
)

// ExceededError is a non-retryable denial carrying enough structured
// detail for the caller to explain it without re-deriving the arithmetic.
type ExceededError struct {
	Scope        string // "daily" or "per_request"
	TaskType     string
	CapUSD       float64
	ProjectedUSD float64
	SpentUSD     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s, task=%s): projected %.6f USD, spent %.6f USD, cap %.6f USD",
		e.Scope, e.TaskType, e.ProjectedUSD, e.SpentUSD, e.CapUSD)
}

// NoAffordableError signals that every candidate was pruned by the
// per-request cap. Non-retryable.
type NoAffordableError struct {
	TaskType    string
	CapUSD      float64
	CheapestUSD float64
}

func (e *NoAffordableError) Error() string {
	return fmt.Sprintf("no affordable candidate (task=%s): cheapest projected %.6f USD exceeds cap %.6f USD",
		e.TaskType, e.CheapestUSD, e.CapUSD)
}

// IsBudgetError reports whether err is a budget denial of either kind.
func IsBudgetError(err error) bool {
	var exceeded *ExceededError
	var noAffordable *NoAffordableError
	return errors.As(err, &exceeded) || errors.As(err, &noAffordable)
}
