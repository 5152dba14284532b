package core

import (
	"context"
	"log/slog"
	"time"
)

// ConversationService forwards prompts to the completion collaborator. It does
// not consult the quota gate or record turns; callers sequence
// gate check, SubmitPrompt and append themselves.
type ConversationService struct {
	completer Completer
	timeout   time.Duration
}

func NewConversationService(completer Completer, timeout time.Duration) *ConversationService {
	return &ConversationService{completer: completer, timeout: timeout}
}

// Submit returns the tagged outcome of one completion call.
func (s *ConversationService) Submit(ctx context.Context, prompt string) Completion {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res := s.completer.Complete(ctx, prompt)
	if !res.OK() {
		slog.Warn("completion call failed",
			"kind", res.Kind.String(),
			"status", res.Status,
			"err", res.Err,
		)
	}
	return res
}

// SubmitPrompt always yields a string: the answer, or a diagnostic describing
// why there is none.
func (s *ConversationService) SubmitPrompt(ctx context.Context, prompt string) string {
	return s.Submit(ctx, prompt).String()
}
