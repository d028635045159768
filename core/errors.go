package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-voice/core/protocol"
)

var (
	// ErrTransportFailure ends the session.
	ErrTransportFailure = errors.New("transport failure")
	// ErrUpstreamTimeout marks a tool, model or synthesis call that exceeded
	// its deadline. The turn continues with a fallback.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamError marks a failed or malformed collaborator response. It
	// is recovered from the same way as ErrUpstreamTimeout.
	ErrUpstreamError = errors.New("upstream error")
	// ErrOrderingViolation is a broken audio sequencing invariant.
	ErrOrderingViolation = errors.New("ordering violation")

	errTurnNotLive = errors.New("turn is no longer live")
)

// classifyUpstream tags a collaborator failure with ErrUpstreamTimeout or
// ErrUpstreamError.
func classifyUpstream(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamError):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamError, err)
	}
}

func endReason(err error) string {
	switch {
	case err == nil:
		return protocol.EndReasonCompleted
	case errors.Is(err, ErrUpstreamTimeout):
		return protocol.EndReasonUpstreamTimeout
	default:
		return protocol.EndReasonUpstreamError
	}
}
