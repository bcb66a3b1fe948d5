package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

// Answerer streams the answer to a question as text deltas. Implementations never fail: errors are
// delivered as the text of a final delta, so the answer entry always ends up with something to show.
type Answerer interface {
	Stream(ctx context.Context, question models.Question) iter.Seq[string]
}

// Errors returned by Session operations.
var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrTurnInFlight  = errors.New("previous answer is still streaming")
	ErrSessionClosed = errors.New("session is closed")
)

// Update reports the new state of one transcript entry.
type Update struct {
	Index   int
	Message models.Message
}

const subscriberBuffer = 64

// Session is one user's conversation: the transcript, the selected language and the current
// screen. All of that state is owned by a single goroutine; every operation, including applying
// streamed deltas, is sent to it as a closure and runs there in order.
type Session struct {
	id       string
	answerer Answerer

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	lastActive atomic.Int64
	watchers   atomic.Int32

	// Owned by the run goroutine.
	transcript  models.Transcript
	language    models.Language
	screen      models.Screen
	cancelTurn  context.CancelFunc
	subscribers map[chan Update]struct{}

	logger *slog.Logger
}

// NewSession starts a session that asks questions through answerer in the given language.
func NewSession(id string, answerer Answerer, language models.Language, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		answerer:    answerer,
		ops:         make(chan func()),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		language:    language,
		screen:      models.ScreenChat,
		subscribers: make(map[chan Update]struct{}),
		logger:      logger.With(slog.String("session", id)),
	}
	s.Touch()
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) run() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			if s.cancelTurn != nil {
				s.cancelTurn()
			}
			for ch := range s.subscribers {
				close(ch)
			}
			clear(s.subscribers)
			return
		}
	}
}

// do queues op on the session goroutine without waiting for it to run.
func (s *Session) do(op func()) error {
	select {
	case s.ops <- op:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// call runs op on the session goroutine and waits for it.
func (s *Session) call(op func()) error {
	finished := make(chan struct{})
	if err := s.do(func() {
		op()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Submit adds the question and an empty answer entry to the transcript and starts streaming the
// answer into that entry. Only one answer streams at a time; Submit returns ErrTurnInFlight until
// the previous one has finished.
func (s *Session) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyQuestion
	}

	var err error
	if callErr := s.call(func() {
		if s.transcript.Streaming() {
			err = ErrTurnInFlight
			return
		}
		if !s.transcript.AppendUser(text) || !s.transcript.AppendAssistantPlaceholder() {
			err = fmt.Errorf("transcript refused question: %w", ErrTurnInFlight)
			return
		}
		s.publish(s.transcript.Len() - 2)
		s.publish(s.transcript.Len() - 1)

		ctx, cancel := context.WithCancel(s.ctx)
		s.cancelTurn = cancel
		q := models.Question{Query: text, Language: s.language}
		s.logger.Info("Question submitted", slog.String("language", string(q.Language)))

		go s.stream(ctx, q)
	}); callErr != nil {
		return callErr
	}
	return err
}

// stream runs off the session goroutine. It hands every delta back to the session goroutine and
// closes the answer entry once the answerer is done.
func (s *Session) stream(ctx context.Context, q models.Question) {
	started := time.Now()
	deltas := 0

	defer func() {
		_ = s.do(func() {
			if s.cancelTurn != nil {
				s.cancelTurn()
				s.cancelTurn = nil
			}
			s.transcript.CloseAssistant()
			s.publish(s.transcript.Len() - 1)
			s.logger.Info("Answer finished",
				slog.Int("deltas", deltas),
				slog.Duration("elapsed", time.Since(started)))
		})
	}()

	for delta := range s.answerer.Stream(ctx, q) {
		deltas++
		if err := s.do(func() {
			if s.transcript.AppendToLastAssistant(delta) {
				s.publish(s.transcript.Len() - 1)
			}
		}); err != nil {
			return
		}
	}
}

// Cancel stops the answer currently streaming, if any. The partial answer is kept.
func (s *Session) Cancel() error {
	return s.call(func() {
		if s.cancelTurn != nil {
			s.logger.Info("Answer cancelled")
			s.cancelTurn()
		}
	})
}

// Streaming reports whether an answer is still streaming.
func (s *Session) Streaming() (bool, error) {
	var streaming bool
	err := s.call(func() { streaming = s.transcript.Streaming() })
	return streaming, err
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() ([]models.Message, error) {
	var msgs []models.Message
	err := s.call(func() { msgs = s.transcript.Messages() })
	return msgs, err
}

// Language returns the language answers are requested in.
func (s *Session) Language() (models.Language, error) {
	var l models.Language
	err := s.call(func() { l = s.language })
	return l, err
}

// SetLanguage changes the language used by the next question. An answer already streaming keeps
// the language it was asked in.
func (s *Session) SetLanguage(l models.Language) error {
	return s.call(func() { s.language = l })
}

// Screen returns the screen the user is on.
func (s *Session) Screen() (models.Screen, error) {
	var sc models.Screen
	err := s.call(func() { sc = s.screen })
	return sc, err
}

// SetScreen records navigation to sc.
func (s *Session) SetScreen(sc models.Screen) error {
	return s.call(func() { s.screen = sc })
}

// Subscribe returns a channel of transcript updates and a function that ends the subscription.
// The channel is closed when the subscription ends or the session closes. A subscriber that falls
// behind first loses intermediate states of entries that were updated again; each update carries the
// whole entry.
func (s *Session) Subscribe() (<-chan Update, func(), error) {
	ch := make(chan Update, subscriberBuffer)
	if err := s.call(func() { s.subscribers[ch] = struct{}{} }); err != nil {
		return nil, nil, err
	}
	s.watchers.Add(1)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.watchers.Add(-1)
			_ = s.call(func() {
				if _, ok := s.subscribers[ch]; ok {
					delete(s.subscribers, ch)
					close(ch)
				}
			})
		})
	}
	return ch, unsubscribe, nil
}

func (s *Session) publish(index int) {
	msg, ok := s.transcript.At(index)
	if !ok {
		return
	}
	u := Update{Index: index, Message: msg}

	for ch := range s.subscribers {
		deliver(ch, u)
	}
}

// deliver sends u without blocking. When ch is full, an older pending update of an entry that is
// updated again later is removed to make room; only if every pending update is for a different entry
// is the oldest one removed. Runs on the session goroutine, the only sender on ch.
func deliver(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}

	pending := make([]Update, 0, cap(ch))
	for drained := false; !drained; {
		select {
		case p := <-ch:
			pending = append(pending, p)
		default:
			drained = true
		}
	}

	if len(pending) == cap(ch) {
		drop := 0
		for i, p := range pending {
			superseded := p.Index == u.Index || slices.ContainsFunc(pending[i+1:], func(later Update) bool {
				return later.Index == p.Index
			})
			if superseded {
				drop = i
				break
			}
		}
		pending = slices.Delete(pending, drop, drop+1)
	}

	for _, p := range append(pending, u) {
		ch <- p
	}
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// IdleSince reports when the session was last used.
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Watched reports whether anyone is subscribed to updates.
func (s *Session) Watched() bool {
	return s.watchers.Load() > 0
}

// Close stops the session goroutine and cancels the answer in flight. It is safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
}
