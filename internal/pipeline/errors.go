package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindTranscriptionFailed ErrorKind = "transcription_failed"
	KindUnderstandingFailed ErrorKind = "understanding_failed"
	KindSynthesisFailed     ErrorKind = "synthesis_failed"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
)

var (
	ErrTranscriptionFailed = errors.New("pipeline: transcription failed")
	ErrUnderstandingFailed = errors.New("pipeline: understanding failed")
	ErrSynthesisFailed     = errors.New("pipeline: synthesis failed")
	ErrStageTimeout        = errors.New("pipeline: stage timeout")
	ErrCancelled           = errors.New("pipeline: cancelled")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTranscriptionFailed:
		return ErrTranscriptionFailed
	case KindUnderstandingFailed:
		return ErrUnderstandingFailed
	case KindSynthesisFailed:
		return ErrSynthesisFailed
	case KindTimeout:
		return ErrStageTimeout
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Error is a stage failure. A stage timeout carries KindTimeout with the
// stage that expired.
type Error struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline: %s during %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("pipeline: %s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// stageFailure maps a provider error to the error kind for stage. The stage
// context distinguishes its own deadline from cancellation of the turn.
func stageFailure(turnCtx, stageCtx context.Context, stage Stage, err error) *Error {
	switch {
	case turnCtx.Err() != nil:
		return &Error{Kind: KindCancelled, Stage: stage, Err: turnCtx.Err()}
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Stage: stage, Err: err}
	}
	kind := KindUnderstandingFailed
	switch stage {
	case StageTranscribe:
		kind = KindTranscriptionFailed
	case StageSynthesize:
		kind = KindSynthesisFailed
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}
