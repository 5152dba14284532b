package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModelName = "gemini-1.5-flash-latest"
	geminiProvider         = "Gemini"
)

// GeminiCompleter answers prompts with a Gemini model. Each call is a single
// user turn; no history is sent.
type GeminiCompleter struct {
	client    *genai.Client
	modelName string
}

func NewGeminiCompleter(ctx context.Context, apiKey, modelName string) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "creating GenAI client")
	}
	if modelName == "" {
		modelName = defaultGeminiModelName
	}
	return &GeminiCompleter{client: client, modelName: modelName}, nil
}

func (g *GeminiCompleter) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		slog.Warn("error closing GenAI client", "err", err)
	} else {
		slog.Debug("GenAI client closed")
	}
}

func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) Completion {
	model := g.client.GenerativeModel(g.modelName)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return geminiFailure(err)
	}
	return geminiCompletion(resp)
}

// geminiFailure reports API rejections as status errors and everything else
// as a transport failure.
func geminiFailure(err error) Completion {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Body
		if body == "" {
			body = apiErr.Message
		}
		return Completion{Kind: CompletionStatusError, Provider: geminiProvider, Status: apiErr.Code, Body: body}
	}
	return transportFailure(err)
}

// geminiCompletion takes the first candidate and concatenates its text parts.
func geminiCompletion(resp *genai.GenerateContentResponse) Completion {
	if resp == nil || len(resp.Candidates) == 0 {
		return Completion{Kind: CompletionNoChoices}
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return Completion{Kind: CompletionParseError, Err: errors.New("first candidate has no content")}
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			slog.Debug("skipping non-text Gemini response part", "type", fmt.Sprintf("%T", part))
		}
	}
	if text.Len() == 0 {
		return Completion{Kind: CompletionParseError, Err: errors.New("first candidate has no text parts")}
	}
	return Completion{Kind: CompletionSuccess, Text: text.String()}
}
