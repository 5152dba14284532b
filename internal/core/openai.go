package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// MaxResponseBytes caps the completion response body; anything larger is
// treated as a transport error.
const MaxResponseBytes = 1 << 20

const openAIProvider = "OpenAI"

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// OpenAICompleter calls an OpenAI-compatible chat completions endpoint.
type OpenAICompleter struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func NewOpenAICompleter(url, model, apiKey string, client *http.Client) *OpenAICompleter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAICompleter{url: url, model: model, apiKey: apiKey, client: client}
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) Completion {
	bodyBytes, err := json.Marshal(openAIRequest{
		Model:    c.model,
		Messages: []openAIMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return transportFailure(errors.Wrap(err, "encoding request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return transportFailure(errors.Wrap(err, "building request"))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return transportFailure(errors.Wrap(err, "reading response"))
	}
	if len(body) > MaxResponseBytes {
		return transportFailure(errors.Errorf("response exceeds %d bytes", MaxResponseBytes))
	}

	if resp.StatusCode != http.StatusOK {
		return Completion{Kind: CompletionStatusError, Provider: openAIProvider, Status: resp.StatusCode, Body: string(body)}
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Completion{Kind: CompletionParseError, Err: err}
	}
	if len(apiResp.Choices) == 0 {
		return Completion{Kind: CompletionNoChoices}
	}
	return Completion{Kind: CompletionSuccess, Text: apiResp.Choices[0].Message.Content}
}
