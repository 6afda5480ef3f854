package query

import (
	"errors"
	"fmt"

	"github.com/entrhq/geoprobe/pkg/types"
)

// Error kinds, matched with errors.Is.
var (
	ErrSession         = errors.New("session error")
	ErrNavigation      = errors.New("navigation error")
	ErrTimeout         = errors.New("timeout")
	ErrExtraction      = errors.New("extraction error")
	ErrWebhookDelivery = errors.New("webhook delivery error")
)

// StageError records which stage of a query failed.
type StageError struct {
	Stage types.ErrorStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage types.ErrorStage, kind, err error) *StageError {
	if err == nil {
		return &StageError{Stage: stage, Err: kind}
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, err)}
}

// StageOf returns the failing stage recorded in err, or StageUnknown.
func StageOf(err error) types.ErrorStage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return types.StageUnknown
}

// Reason returns the user-facing failure message for err.
func Reason(err error) string {
	var se *StageError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
