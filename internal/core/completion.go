package core

import (
	"context"
	"fmt"
)

// NoChoicesMessage is returned in place of an answer when the provider replied
// without any choices.
const NoChoicesMessage = "No choices in response"

// Completer is the external language-model collaborator: one stateless prompt
// in, one Completion out. Implementations never return a Go error; every
// failure is described by the Completion itself.
type Completer interface {
	Complete(ctx context.Context, prompt string) Completion
}

type CompletionKind int

const (
	CompletionSuccess CompletionKind = iota
	CompletionNoChoices
	CompletionTransportError
	CompletionStatusError
	CompletionParseError
)

func (k CompletionKind) String() string {
	switch k {
	case CompletionSuccess:
		return "success"
	case CompletionNoChoices:
		return "no_choices"
	case CompletionTransportError:
		return "transport_error"
	case CompletionStatusError:
		return "status_error"
	case CompletionParseError:
		return "parse_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Completion is the tagged result of one completion call.
type Completion struct {
	Kind CompletionKind

	// Text is the first choice's content; set only for CompletionSuccess.
	Text string

	// Provider, Status and Body are set for CompletionStatusError. Provider
	// names the service that rejected the call, e.g. "OpenAI".
	Provider string
	Status   int
	Body     string

	// Err is set for transport and parse errors.
	Err error
}

func (c Completion) OK() bool { return c.Kind == CompletionSuccess }

// String renders the completion for the user: the answer itself, or a
// human-readable diagnostic.
func (c Completion) String() string {
	switch c.Kind {
	case CompletionSuccess:
		return c.Text
	case CompletionNoChoices:
		return NoChoicesMessage
	case CompletionStatusError:
		provider := c.Provider
		if provider == "" {
			provider = "Completion"
		}
		return fmt.Sprintf("%s error status: %d, body: %s", provider, c.Status, c.Body)
	case CompletionParseError:
		return fmt.Sprintf("JSON parse error: %v", c.Err)
	default:
		return fmt.Sprintf("HTTP request error: %v", c.Err)
	}
}

func transportFailure(err error) Completion {
	return Completion{Kind: CompletionTransportError, Err: err}
}
