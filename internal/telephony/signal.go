package telephony

import (
	"context"
	"errors"
)

// CallSignal routes pipeline call-control side effects: audio goes over the
// media stream, transfers and hangups over the REST API.
type CallSignal struct {
	calls *Client
	media *MediaStreams
}

func NewCallSignal(calls *Client, media *MediaStreams) *CallSignal {
	if calls == nil || media == nil {
		panic("telephony: call control client and media streams are required")
	}
	return &CallSignal{calls: calls, media: media}
}

func (s *CallSignal) SendAudio(ctx context.Context, callID string, chunk []byte) error {
	return s.media.SendAudio(ctx, callID, chunk)
}

func (s *CallSignal) Transfer(ctx context.Context, callID, target string) error {
	_ = s.media.Clear(callID)
	return ignoreGone(s.calls.Transfer(ctx, callID, target))
}

// Hangup treats a call that already ended as success.
func (s *CallSignal) Hangup(ctx context.Context, callID string) error {
	return ignoreGone(s.calls.Hangup(ctx, callID))
}

func ignoreGone(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.CallGone() {
		return nil
	}
	return err
}
