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

// Anthropic answers questions with the Anthropic messages API, streaming the reply as server-sent
// events.
type Anthropic struct {
	apiKey       string
	model        string
	maxTokens    int
	systemPrompt string
	endpoint     string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	// DefaultAnthropicMaxTokens is used when NewAnthropic is given a non-positive limit.
	DefaultAnthropicMaxTokens = 1024
)

// NewAnthropic creates a new Anthropic instance. An empty endpoint selects the public API.
func NewAnthropic(apiKey, endpoint, model string, maxTokens int, systemPrompt string, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	return Anthropic{
		apiKey:       apiKey,
		model:        model,
		maxTokens:    maxTokens,
		systemPrompt: systemPrompt,
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Stream sends the question and yields the text of every content block delta.
func (a Anthropic) Stream(ctx context.Context, question models.Question) iter.Seq[string] {
	return func(yield func(string) bool) {
		reqBody := anthropicChatRequest{
			Model: a.model,
			Messages: []anthropicMessage{
				{Role: string(models.RoleUser), Content: question.Query},
			},
			System:    systemPrompt(a.systemPrompt, question.Language),
			MaxTokens: a.maxTokens,
			Stream:    true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(errorText(fmt.Errorf("error marshaling request: %w", err)))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(errorText(fmt.Errorf("error creating request: %w", err)))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Error("Failed to send request", slog.String(errLoggerKey, err.Error()))
			yield(errorText(fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			a.logger.Error("Unexpected status",
				slog.Int("status", resp.StatusCode),
				slog.String("body", string(body)))
			yield(fmt.Sprintf("Error: HTTP %d", resp.StatusCode))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(errorText(fmt.Errorf("error reading response: %w", err)))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(errorText(fmt.Errorf("error unmarshaling error: %w", err)))
					return
				}
				yield(errorText(fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(errorText(fmt.Errorf("error unmarshaling response: %w", err)))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text) {
					return
				}
			default:
				continue
			}
		}
	}
}
