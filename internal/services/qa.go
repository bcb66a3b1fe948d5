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
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

// EndOfStreamMarker is the token the QA service writes once the answer is complete. The connection
// may stay open after it, so the marker, not the end of the body, ends an answer.
const EndOfStreamMarker = "[[END_OF_STREAM]]"

const (
	// DefaultChunkSize is the read size used when NewQA is given a non-positive chunk size.
	DefaultChunkSize = 1024
	// DefaultConnectTimeout bounds dialing, the TLS handshake and each request write.
	DefaultConnectTimeout = 60 * time.Second
)

var endOfStreamMarker = []byte(EndOfStreamMarker)

// QA streams answers from the question-answering service. Every failure is reported as a single
// delta starting with "Error: " so callers can show it in place of the answer.
type QA struct {
	askURL    string
	chunkSize int

	client *http.Client

	logger *slog.Logger
}

// NewQA creates a QA client for the service at baseURL. The connect timeout applies to dialing,
// TLS and writing the request; reading the response body is never timed out.
func NewQA(baseURL string, connectTimeout time.Duration, chunkSize int, logger *slog.Logger) QA {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return writeDeadlineConn{Conn: conn, timeout: connectTimeout}, nil
	}
	transport.TLSHandshakeTimeout = connectTimeout

	return QA{
		askURL:    strings.TrimSuffix(baseURL, "/") + "/ask",
		chunkSize: chunkSize,
		// No Client.Timeout: it would also cover reading the body.
		client: &http.Client{Transport: transport},
		logger: logger.With(slog.String("module", "qa")),
	}
}

// Stream posts the question and returns the answer as a sequence of text deltas, in the order they
// were read from the network. The sequence ends at the end-of-stream marker, at the end of the body,
// after an error delta, when ctx is cancelled, or when the caller stops iterating. Cancellation ends
// the sequence without an error delta. The response is always closed before the sequence returns.
func (q QA) Stream(ctx context.Context, question models.Question) iter.Seq[string] {
	return func(yield func(string) bool) {
		body, err := json.Marshal(question)
		if err != nil {
			yield(errorText(fmt.Errorf("error marshaling request: %w", err)))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.askURL, bytes.NewReader(body))
		if err != nil {
			yield(errorText(fmt.Errorf("error creating request: %w", err)))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := q.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))
			yield(errorText(err))
			return
		}
		if resp.Body != nil {
			defer resp.Body.Close()
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			q.logger.Warn("Non-success status", slog.Int("status", resp.StatusCode))
			yield(fmt.Sprintf("Error: HTTP %d", resp.StatusCode))
			return
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			yield("Error: No response body.")
			return
		}

		if err := q.read(ctx, resp.Body, yield); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to read answer", slog.String(errLoggerKey, err.Error()))
			yield(errorText(err))
		}
	}
}

// Fetch is the callback form of Stream: onDelta is called once per delta, and Fetch returns when
// the answer is complete.
func (q QA) Fetch(ctx context.Context, question models.Question, onDelta func(string)) {
	for delta := range q.Stream(ctx, question) {
		onDelta(delta)
	}
}

// read forwards the body to yield chunk by chunk. It returns nil when the marker is found, when the
// body ends, or when yield asks to stop.
func (q QA) read(ctx context.Context, body io.Reader, yield func(string) bool) error {
	buf := make([]byte, q.chunkSize)
	var s markerSplitter

	for {
		n, err := body.Read(buf)
		switch {
		case n > 0 && isBlank(string(buf[:n])):
			// A whitespace-only chunk is dropped, but it still ends whatever was held back.
			if rest := s.flush(); !isBlank(rest) && !yield(rest) {
				return nil
			}
		case n > 0:
			piece, done := s.feed(buf[:n])
			if !isBlank(piece) && !yield(piece) {
				return nil
			}
			if done {
				q.logger.Debug("End of stream marker received")
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rest := s.flush(); !isBlank(rest) {
					yield(rest)
				}
				q.logger.Debug("Answer body ended without marker")
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// markerSplitter finds the end-of-stream marker in a sequence of reads. Bytes that could be the
// start of a marker or of a multi-byte character are held back until the next read decides them.
type markerSplitter struct {
	pending []byte
}

// feed returns the text that can be forwarded for chunk, and whether the marker was found. Text
// before the marker is returned; text after it is discarded.
func (s *markerSplitter) feed(chunk []byte) (string, bool) {
	data := append(s.pending, chunk...)
	s.pending = nil

	if i := bytes.Index(data, endOfStreamMarker); i >= 0 {
		return string(data[:i]), true
	}

	keep := heldTail(data)
	if keep == 0 {
		return string(data), false
	}
	// Whitespace in front of held bytes stays with them, so it is not mistaken for a blank chunk.
	if isBlank(string(data[:len(data)-keep])) {
		s.pending = append([]byte(nil), data...)
		return "", false
	}
	s.pending = append([]byte(nil), data[len(data)-keep:]...)
	return string(data[:len(data)-keep]), false
}

// flush returns whatever is still held back.
func (s *markerSplitter) flush() string {
	rest := string(s.pending)
	s.pending = nil
	return rest
}

func heldTail(data []byte) int {
	keep := 0
	for k := min(len(data), len(endOfStreamMarker)-1); k > 0; k-- {
		if bytes.HasSuffix(data, endOfStreamMarker[:k]) {
			keep = k
			break
		}
	}
	return keep + incompleteRuneTail(data[:len(data)-keep])
}

func incompleteRuneTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return 0
		}
		return len(b) - i
	}
	return 0
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func errorText(err error) string {
	return "Error: " + err.Error()
}

// writeDeadlineConn bounds every write on the connection. Reads are left without a deadline.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
