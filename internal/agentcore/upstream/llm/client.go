// Package llm wraps a streaming chat-completion provider behind a narrow
// delta iterator so the turn orchestrator depends on no provider specifics.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxrelay/agentcore/internal/agentcore/logging"
)

// Message is one entry of the prompt list, in role/content form.
type Message struct {
	Role    string
	Content string
}

// Params is the closed set of generation parameters the orchestrator may
// set; no other provider-specific knob is exposed.
type Params struct {
	Model          string
	Temperature    float32
	MaxTokens      int
	IncludeUsage   bool
}

// Client streams chat completions against an OpenAI-compatible provider.
type Client struct {
	api *openai.Client
	log logging.Logger
}

// New builds an LLM client using apiKey against the default OpenAI API base
// (or a compatible endpoint reachable at baseURL, when non-empty).
func New(apiKey, baseURL string, log logging.Logger) *Client {
	if log == nil {
		log = logging.NoOp()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), log: log}
}

// Delta is one emitted chunk of the streaming completion.
type Delta struct {
	Text string
	Done bool
}

// Stream starts a streaming completion and returns a channel of deltas,
// closed when the stream completes, the context is cancelled, or an error
// occurs (in which case the error, or ctx.Err() on cancellation, is sent on
// the returned error channel; normal completion sends a Done delta). Cancel
// aborts the HTTP stream within one delta boundary, since the underlying SDK
// call select{}s on ctx itself.
func (c *Client) Stream(ctx context.Context, messages []Message, params Params) (<-chan Delta, <-chan error) {
	out := make(chan Delta)
	errs := make(chan error, 1)

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    chatMessages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	}
	if params.IncludeUsage {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	go func() {
		defer close(out)

		stream, err := c.api.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errs <- fmt.Errorf("llm: create stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Delta{Done: true}
				return
			}
			if err != nil {
				errs <- fmt.Errorf("llm: recv: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- Delta{Text: delta}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}
