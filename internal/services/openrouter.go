package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter answers questions with the OpenRouter chat completion API.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
	openRouterDone        = "[DONE]"
)

// NewOpenRouter creates a new OpenRouter instance. An empty endpoint selects the public API.
func NewOpenRouter(apiKey, endpoint, model, systemPrompt string, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Stream sends the question and yields the content of every streamed choice delta until the
// "[DONE]" event.
func (o OpenRouter) Stream(ctx context.Context, question models.Question) iter.Seq[string] {
	return func(yield func(string) bool) {
		resp, err := o.doRequest(ctx, question)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Error("Failed to send request", slog.String(errLoggerKey, err.Error()))
			yield(errorText(err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(errorText(fmt.Errorf("error reading response: %w", err)))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == openRouterDone {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(errorText(fmt.Errorf("error unmarshaling response: %w", err)))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			if delta := res.Choices[0].Delta.Content; delta != "" {
				if !yield(delta) {
					return
				}
			}
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, question models.Question) (*http.Response, error) {
	reqBody := openRouterChatRequest{
		Model: o.model,
		Messages: []openRouterMessage{
			{Role: "system", Content: systemPrompt(o.systemPrompt, question.Language)},
			{Role: string(models.RoleUser), Content: question.Query},
		},
		Stream: true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("X-Title", "Civil Rights Helper")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		o.logger.Error("Unexpected status",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return resp, nil
}
