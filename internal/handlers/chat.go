package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types sent on the event stream.
var (
	messageSSEType = sse.Type("message")
	closeSSEType   = sse.Type("close")
)

type messageEvent struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Role  string `json:"role"`
	Open  bool   `json:"open"`
	HTML  string `json:"html"`
}

// requestedByScript tells requests made by the page script, which expect a status code, from plain
// form posts, which expect to be sent back to the page.
func requestedByScript(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "fetch"
}

func (m Main) done(w http.ResponseWriter, r *http.Request, status int) {
	if requestedByScript(r) {
		w.WriteHeader(status)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleHome renders the screen the session is on: the chat with its transcript, or the info
// screen with the language options.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sess := m.session(w, r)

	screen, err := sess.Screen()
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	if screen == models.ScreenInfo {
		lang, err := sess.Language()
		if err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		if err := m.templates.ExecuteTemplate(w, "info.html", infoPageData{
			Languages: languageOptions(lang),
		}); err != nil {
			m.logger.Error("Failed to render info page", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	msgs, err := sess.Messages()
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	views, err := m.viewMessages(msgs)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	streaming := len(msgs) > 0 && msgs[len(msgs)-1].Open
	if err := m.templates.ExecuteTemplate(w, "chat.html", chatPageData{
		Messages:  views,
		Streaming: streaming,
	}); err != nil {
		m.logger.Error("Failed to render chat page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleScreen switches the session between the chat and info screens. It expects a "screen" form
// field of either "chat" or "info".
func (m Main) HandleScreen(w http.ResponseWriter, r *http.Request) {
	screen := models.Screen(r.FormValue("screen"))
	if screen != models.ScreenChat && screen != models.ScreenInfo {
		http.Error(w, "Unknown screen", http.StatusBadRequest)
		return
	}

	if err := m.session(w, r).SetScreen(screen); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	m.done(w, r, http.StatusNoContent)
}

// HandleLanguage selects the language of the following answers from the "language" form field.
func (m Main) HandleLanguage(w http.ResponseWriter, r *http.Request) {
	lang, ok := models.ParseLanguage(r.FormValue("language"))
	if !ok {
		http.Error(w, "Unknown language", http.StatusBadRequest)
		return
	}

	if err := m.session(w, r).SetLanguage(lang); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	m.done(w, r, http.StatusNoContent)
}

// HandleMessages submits the "message" form field as a question. The answer is not part of the
// response; it arrives through the event stream as it is received.
//
// It responds 400 for a blank message and 409 while the previous answer is still streaming.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sess := m.session(w, r)

	err := sess.Submit(r.FormValue("message"))
	switch {
	case err == nil:
		m.done(w, r, http.StatusAccepted)
	case errors.Is(err, ErrEmptyQuestion):
		http.Error(w, "Message is required", http.StatusBadRequest)
	case errors.Is(err, ErrTurnInFlight):
		http.Error(w, "Previous answer is still streaming", http.StatusConflict)
	default:
		m.logger.Error("Failed to submit question", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusGone)
	}
}

// HandleStop cancels the answer currently streaming. What was received so far is kept.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := m.session(w, r).Cancel(); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	m.done(w, r, http.StatusNoContent)
}

// HandleEvents streams transcript updates of the caller's session as server-sent events. Each
// "message" event carries the whole rendered entry, so the page replaces the bubble rather than
// appending to it. A "close" event is sent when the session ends.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sess := m.session(w, r)

	updates, unsubscribe, err := sess.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	defer unsubscribe()

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := sseSess.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				e := &sse.Message{Type: closeSSEType}
				// The session ended. Browsers ignore events without data.
				e.AppendData("bye")
				_ = sseSess.Send(e)
				_ = sseSess.Flush()
				return
			}
			sess.Touch()

			data, err := m.eventData(u)
			if err != nil {
				m.logger.Error("Failed to render update",
					slog.Int("index", u.Index),
					slog.String(errLoggerKey, err.Error()))
				continue
			}

			e := &sse.Message{Type: messageSSEType}
			e.AppendData(data)
			if err := sseSess.Send(e); err != nil {
				m.logger.Debug("Event stream closed", slog.String(errLoggerKey, err.Error()))
				return
			}
			if err := sseSess.Flush(); err != nil {
				return
			}
		}
	}
}

func (m Main) eventData(u Update) (string, error) {
	html, err := m.messageHTML(u.Index, u.Message)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(messageEvent{
		ID:    u.Message.ID,
		Index: u.Index,
		Role:  string(u.Message.Role),
		Open:  u.Message.Open,
		HTML:  html,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
