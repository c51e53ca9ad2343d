package speech

import (
	"context"
	"errors"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// RetryingTranscriber retries a failed transcription at most once. Provider
// errors that will not change on retry fail immediately.
type RetryingTranscriber struct {
	next   pipeline.Transcriber
	logger *logging.Logger
}

func NewRetryingTranscriber(next pipeline.Transcriber, logger *logging.Logger) *RetryingTranscriber {
	if next == nil {
		panic("speech: transcriber cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryingTranscriber{next: next, logger: logger}
}

func (r *RetryingTranscriber) Transcribe(ctx context.Context, audio []byte) (pipeline.Transcript, error) {
	out, err := r.next.Transcribe(ctx, audio)
	if err == nil || !retryable(ctx, err) {
		return out, err
	}
	r.logger.Warn("speech: transcription failed, retrying once", "error", err)
	return r.next.Transcribe(ctx, audio)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return true
}
