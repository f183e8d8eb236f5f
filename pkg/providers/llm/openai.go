// Package llm wraps the streaming chat-completion API behind the session's
// Responder interface, emitting the response one sentence at a time.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxline-ai/phone-agent/pkg/session"
)

// OpenAIResponder generates replies with a streaming chat completion.
// Sentence-level emission matters here: the downstream synthesizer produces
// far better prosody on complete sentences than on raw token fragments, and
// emitting per sentence keeps time-to-first-audio low.
type OpenAIResponder struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIResponder wraps a shared client. The client is created once at
// process start and reused across all sessions.
func NewOpenAIResponder(client *openai.Client, model string, maxTokens int) *OpenAIResponder {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if maxTokens <= 0 {
		maxTokens = 300
	}
	return &OpenAIResponder{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name identifies the provider.
func (r *OpenAIResponder) Name() string {
	return "openai-llm"
}

// StreamSentences runs one streaming completion over messages (system prompt
// first) and invokes emit once per complete sentence, in generation order.
// When the stream ends, any non-empty trailing text is emitted as a final
// sentence. An emit error aborts the stream and is returned as-is.
func (r *OpenAIResponder) StreamSentences(ctx context.Context, messages []session.Message, emit func(sentence string) error) error {
	req := openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages:  toAPIMessages(messages),
		Stream:    true,
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start completion stream: %w", err)
	}
	defer stream.Close()

	var splitter sentenceSplitter
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		for _, sentence := range splitter.push(resp.Choices[0].Delta.Content) {
			if err := emit(sentence); err != nil {
				return err
			}
		}
	}

	if rest := splitter.flush(); rest != "" {
		return emit(rest)
	}
	return nil
}

func toAPIMessages(messages []session.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
