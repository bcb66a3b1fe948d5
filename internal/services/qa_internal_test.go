package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"testing"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
)

// scriptedReader returns one scripted chunk per Read, then err (io.EOF if nil).
type scriptedReader struct {
	chunks []string
	err    error
	reads  int
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if r.reads >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.reads])
	r.reads++
	return n, nil
}

func newTestQA() QA {
	return NewQA("http://qa.invalid", 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, q QA, r io.Reader) ([]string, error) {
	t.Helper()
	var got []string
	err := q.read(context.Background(), r, func(s string) bool {
		got = append(got, s)
		return true
	})
	return got, err
}

func TestReadChunks(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		reads  int
	}{
		{
			name:   "marker in last chunk",
			chunks: []string{"Hello ", "World[[END_OF_STREAM]]"},
			want:   []string{"Hello ", "World"},
		},
		{
			name:   "no marker",
			chunks: []string{"Hello World"},
			want:   []string{"Hello World"},
		},
		{
			name:   "blank chunk dropped",
			chunks: []string{"Hello", "  \n\t ", " World"},
			want:   []string{"Hello", " World"},
		},
		{
			name:   "content after marker discarded",
			chunks: []string{"done[[END_OF_STREAM]]tail", "never read"},
			want:   []string{"done"},
			reads:  1,
		},
		{
			name:   "marker alone",
			chunks: []string{"Answer", "[[END_OF_STREAM]]"},
			want:   []string{"Answer"},
		},
		{
			name:   "marker split across chunks",
			chunks: []string{"Hello [[END_OF", "_STREAM]] ignored", "never read"},
			want:   []string{"Hello "},
			reads:  2,
		},
		{
			name:   "marker split one byte at a time",
			chunks: []string{"ok", "[", "[", "END_OF_STREAM", "]", "]", "never read"},
			want:   []string{"ok"},
			reads:  6,
		},
		{
			name:   "bracket that is not a marker",
			chunks: []string{"see [[", "note]] here"},
			want:   []string{"see ", "[[note]] here"},
		},
		{
			name:   "held bracket flushed at end",
			chunks: []string{"array[["},
			want:   []string{"array", "[["},
		},
		{
			name:   "multi-byte character split across chunks",
			chunks: []string{"Привет, ми\xd1", "\x80!"},
			want:   []string{"Привет, ми", "р!"},
		},
		{
			name:   "space before a held bracket",
			chunks: []string{"See", " [", "1] here"},
			want:   []string{"See", " [1] here"},
		},
		{
			name:   "space before a split character",
			chunks: []string{"Привет", " \xd0", "\xbcир"},
			want:   []string{"Привет", " мир"},
		},
		{
			name:   "blank chunk releases held bracket",
			chunks: []string{"[", " ", "[END_OF_STREAM]]"},
			want:   []string{"[", "[END_OF_STREAM]]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedReader{chunks: tt.chunks}
			got, err := collect(t, newTestQA(), r)
			if err != nil {
				t.Fatalf("read() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("deltas = %q, want %q", got, tt.want)
			}
			if tt.reads > 0 && r.reads != tt.reads {
				t.Errorf("reads = %d, want %d", r.reads, tt.reads)
			}
		})
	}
}

func TestReadError(t *testing.T) {
	readErr := errors.New("connection reset by peer")
	r := &scriptedReader{chunks: []string{"partial"}, err: readErr}

	got, err := collect(t, newTestQA(), r)
	if !errors.Is(err, readErr) {
		t.Fatalf("read() error = %v, want %v", err, readErr)
	}
	if !slices.Equal(got, []string{"partial"}) {
		t.Errorf("deltas = %q, want %q", got, []string{"partial"})
	}
}

func TestReadStopsWhenYieldDeclines(t *testing.T) {
	r := &scriptedReader{chunks: []string{"one", "two", "three"}}

	var got []string
	err := newTestQA().read(context.Background(), r, func(s string) bool {
		got = append(got, s)
		return false
	})
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if !slices.Equal(got, []string{"one"}) || r.reads != 1 {
		t.Errorf("deltas = %q after %d reads, want [one] after 1 read", got, r.reads)
	}
}

func TestReadSmallChunkSize(t *testing.T) {
	q := NewQA("http://qa.invalid", 0, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := &fullReader{data: "Hello World[[END_OF_STREAM]]trailing"}

	got, err := collect(t, q, r)
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	joined := ""
	for _, d := range got {
		if len(d) > 4+len(EndOfStreamMarker) {
			t.Errorf("delta %q longer than a chunk plus held bytes", d)
		}
		joined += d
	}
	if joined != "Hello World" {
		t.Errorf("joined deltas = %q, want %q", joined, "Hello World")
	}
}

// fullReader fills as much of p as it can on every Read.
type fullReader struct {
	data string
	off  int
}

func (r *fullReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// countingBody records reads and closes of a response body.
type countingBody struct {
	reads  int
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	b.reads++
	return copy(p, "internal error details"), io.EOF
}

func (b *countingBody) Close() error {
	b.closed = true
	return nil
}

func TestStreamErrorStatusLeavesBodyUnread(t *testing.T) {
	body := &countingBody{}
	q := newTestQA()
	q.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       body,
			Request:    r,
		}, nil
	})}

	got := slices.Collect(q.Stream(context.Background(), models.Question{Query: "Q", Language: models.LanguageEnglish}))

	if !slices.Equal(got, []string{"Error: HTTP 500"}) {
		t.Errorf("deltas = %q, want [Error: HTTP 500]", got)
	}
	if body.reads != 0 {
		t.Errorf("body reads = %d, want 0", body.reads)
	}
	if !body.closed {
		t.Error("body was not closed")
	}
}
