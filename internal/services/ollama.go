package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama answers questions with a model served by an Ollama instance, instead of the QA service.
// Like QA, it reports failures as a single "Error: " delta.
type Ollama struct {
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("error parsing ollama host: %w", err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Stream asks the model the question and yields the response as it is generated. The model is
// instructed to answer in the question's language.
func (o Ollama) Stream(ctx context.Context, question models.Question) iter.Seq[string] {
	return func(yield func(string) bool) {
		t := true
		req := api.ChatRequest{
			Model: o.model,
			Messages: []api.Message{
				{Role: "system", Content: systemPrompt(o.systemPrompt, question.Language)},
				{Role: string(models.RoleUser), Content: question.Query},
			},
			Stream: &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Error("Chat failed", slog.String(errLoggerKey, err.Error()))
			yield(errorText(fmt.Errorf("error sending request: %w", err)))
		}
	}
}
