package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	civilrightshelper "github.com/MegaGrindStone/civilrights-helper"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Main serves the web front end: the chat and info screens, question submission and the event
// stream that carries answers to the browser as they grow.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	sessions *Sessions

	logger *slog.Logger
}

const (
	sessionCookieName = "crh_session"
	errLoggerKey      = "err"
)

// NewMain creates a new Main serving the sessions held by sessions. It parses the HTML templates
// from the embedded filesystem.
func NewMain(sessions *Sessions, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		civilrightshelper.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		sessions: sessions,
		logger:   logger.With(slog.String("module", "main")),
	}, nil
}

// session returns the caller's session, starting a new one (and setting its cookie) when the
// request carries no cookie or one for a session that has expired.
func (m Main) session(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if sess, ok := m.sessions.Get(c.Value); ok {
			return sess
		}
	}

	sess := m.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// Shutdown closes every session. Streaming answers are cancelled and event streams end, which lets
// the HTTP server finish its own shutdown.
func (m Main) Shutdown(context.Context) error {
	m.sessions.Close()
	return nil
}
