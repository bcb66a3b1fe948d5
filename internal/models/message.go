package models

import (
	"strings"
	"time"
)

// Message is a single entry of a conversation transcript. Its position in the transcript is what
// identifies it for updates; ID only exists so the front end can address the rendered bubble.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time

	// Open is true while the entry is an assistant entry still receiving streamed deltas.
	Open bool
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a question typed by the user. Entries with this role never change once
	// appended.
	RoleUser Role = "user"
	// RoleAssistant represents an answer. Its text grows in place while the answer streams in.
	RoleAssistant Role = "assistant"
)

// Language is the display language the answer is requested in. The value is sent verbatim to the
// answering service.
type Language string

// Recognized languages, in the order they are offered to the user.
const (
	LanguageEnglish Language = "English"
	LanguageSpanish Language = "Spanish"
	LanguageRussian Language = "Russian"
)

// Languages lists the languages offered on the info screen.
var Languages = []Language{LanguageEnglish, LanguageSpanish, LanguageRussian}

// ParseLanguage returns the recognized language matching s, ignoring case and surrounding spaces.
func ParseLanguage(s string) (Language, bool) {
	s = strings.TrimSpace(s)
	for _, l := range Languages {
		if strings.EqualFold(string(l), s) {
			return l, true
		}
	}
	return "", false
}

// Question is the payload sent to an answering service for one turn.
type Question struct {
	Query    string   `json:"query"`
	Language Language `json:"language"`
}

// Screen is the page the session is currently looking at.
type Screen string

const (
	ScreenChat Screen = "chat"
	ScreenInfo Screen = "info"
)
