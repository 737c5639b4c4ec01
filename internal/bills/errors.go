package bills

import "errors"

var (
	// ErrNotFound indicates an unknown bill id.
	ErrNotFound = errors.New("bills: not found")
	// ErrDuplicate indicates a bill with the same (amount, due date)
	// already exists. Expected during re-ingestion, not an error
	// condition for the caller.
	ErrDuplicate = errors.New("bills: duplicate bill")
	// ErrPrerequisite indicates a stage was invoked before its hard
	// prerequisite (notification before the PDF exists).
	ErrPrerequisite = errors.New("bills: prerequisite stage not complete")
	// ErrCompleted indicates a mutation attempt on a completed bill.
	ErrCompleted = errors.New("bills: bill already completed")
	// ErrActionDisabled indicates the executor is switched off in
	// configuration.
	ErrActionDisabled = errors.New("bills: action disabled by configuration")
)
