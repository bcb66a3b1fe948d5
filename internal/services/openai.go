package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI answers questions with an OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL keeps the library's default endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Stream is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Stream(ctx context.Context, question models.Question) iter.Seq[string] {
	return func(yield func(string) bool) {
		req := goopenai.ChatCompletionRequest{
			Model: o.model,
			Messages: []goopenai.ChatCompletionMessage{
				{
					Role:    goopenai.ChatMessageRoleSystem,
					Content: systemPrompt(o.systemPrompt, question.Language),
				},
				{
					Role:    goopenai.ChatMessageRoleUser,
					Content: question.Query,
				},
			},
			Stream: true,
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Error("Failed to open stream", slog.String(errLoggerKey, err.Error()))
			yield(errorText(fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				o.logger.Error("Failed to receive", slog.String(errLoggerKey, err.Error()))
				yield(errorText(fmt.Errorf("error receiving response: %w", err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if delta := response.Choices[0].Delta.Content; delta != "" {
				if !yield(delta) {
					return
				}
			}
		}
	}
}
