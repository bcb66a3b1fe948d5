package services

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

const errLoggerKey = "err"

// DefaultSystemPrompt is used by the model-backed answerers when no prompt is configured.
const DefaultSystemPrompt = "You help people understand their civil rights in plain, short answers. " +
	"You are not a lawyer and your answers are not verified legal advice."

func systemPrompt(prompt string, language models.Language) string {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	if language == "" {
		return prompt
	}
	return fmt.Sprintf("%s\n\nAlways answer in %s.", prompt, language)
}
