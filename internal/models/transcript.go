package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transcript is the ordered list of messages of one conversation. Entries alternate user and
// assistant, except for the tail which may be a user entry awaiting its placeholder.
//
// A Transcript is not safe for concurrent use. The owning session mutates it from a single
// goroutine and hands copies of its entries to everyone else.
type Transcript struct {
	messages []Message
	open     bool
}

// AppendUser appends a user entry. It reports false and leaves the transcript untouched when text
// is blank, or when the previous answer is still streaming.
func (t *Transcript) AppendUser(text string) bool {
	if strings.TrimSpace(text) == "" || t.open {
		return false
	}
	if n := len(t.messages); n > 0 && t.messages[n-1].Role == RoleUser {
		return false
	}

	t.messages = append(t.messages, Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	})
	return true
}

// AppendAssistantPlaceholder appends an empty, open assistant entry that becomes the target of
// AppendToLastAssistant. It only succeeds right after a user entry.
func (t *Transcript) AppendAssistantPlaceholder() bool {
	n := len(t.messages)
	if n == 0 || t.messages[n-1].Role != RoleUser {
		return false
	}

	t.messages = append(t.messages, Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Open:      true,
	})
	t.open = true
	return true
}

// AppendToLastAssistant concatenates delta onto the open assistant entry. Calls made while no entry
// is open are ignored and report false.
func (t *Transcript) AppendToLastAssistant(delta string) bool {
	if !t.open {
		return false
	}
	t.messages[len(t.messages)-1].Text += delta
	return true
}

// CloseAssistant marks the open assistant entry as finished. It is a no-op when nothing is open.
func (t *Transcript) CloseAssistant() {
	if !t.open {
		return
	}
	t.messages[len(t.messages)-1].Open = false
	t.open = false
}

// Streaming reports whether an assistant entry is currently open.
func (t *Transcript) Streaming() bool {
	return t.open
}

// Last returns a copy of the last entry.
func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// At returns a copy of the entry at index i.
func (t *Transcript) At(i int) (Message, bool) {
	if i < 0 || i >= len(t.messages) {
		return Message{}, false
	}
	return t.messages[i], true
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Messages returns a copy of all entries in insertion order.
func (t *Transcript) Messages() []Message {
	msgs := make([]Message, len(t.messages))
	copy(msgs, t.messages)
	return msgs
}
