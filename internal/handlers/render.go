package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

type message struct {
	ID        string
	Index     int
	Role      string
	Content   template.HTML
	Timestamp time.Time

	// Open marks an answer that is still streaming.
	Open bool
}

type languageOption struct {
	Name     string
	Selected bool
}

type chatPageData struct {
	Messages  []message
	Streaming bool
}

type infoPageData struct {
	Languages []languageOption
}

// viewMessage prepares msg for the templates. Answers are Markdown and rendered to HTML; questions
// are shown as typed.
func (m Main) viewMessage(index int, msg models.Message) (message, error) {
	var content template.HTML
	switch msg.Role {
	case models.RoleAssistant:
		var buf bytes.Buffer
		if err := m.markdown.Convert([]byte(msg.Text), &buf); err != nil {
			return message{}, fmt.Errorf("failed to render markdown: %w", err)
		}
		content = template.HTML(buf.String())
	default:
		content = template.HTML(strings.ReplaceAll(template.HTMLEscapeString(msg.Text), "\n", "<br>"))
	}

	return message{
		ID:        msg.ID,
		Index:     index,
		Role:      string(msg.Role),
		Content:   content,
		Timestamp: msg.Timestamp,
		Open:      msg.Open,
	}, nil
}

func (m Main) viewMessages(msgs []models.Message) ([]message, error) {
	views := make([]message, len(msgs))
	for i, msg := range msgs {
		v, err := m.viewMessage(i, msg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

// messageHTML renders the bubble of a single message, as inserted by the event stream.
func (m Main) messageHTML(index int, msg models.Message) (string, error) {
	v, err := m.viewMessage(index, msg)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", v); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}

func languageOptions(selected models.Language) []languageOption {
	opts := make([]languageOption, len(models.Languages))
	for i, l := range models.Languages {
		opts[i] = languageOption{
			Name:     string(l),
			Selected: l == selected,
		}
	}
	return opts
}
