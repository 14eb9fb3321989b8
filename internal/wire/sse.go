package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Writer writes Server-Sent Events to an http.ResponseWriter.
// Call Init once before writing any events to set the required headers.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a Writer wrapping w. If w does not implement
// http.Flusher, writes still succeed but may be buffered.
func NewWriter(w http.ResponseWriter) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Init sets the SSE response headers and flushes them to the client.
func (sw *Writer) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flush()
}

// WriteEvent writes ev as one frame:
//
//	data: {json}\n\n
func (sw *Writer) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wire: marshal event: %w", err)
	}
	return sw.frame(string(data))
}

// Done writes the terminating "data: [DONE]" frame.
func (sw *Writer) Done() error {
	return sw.frame(Done)
}

func (sw *Writer) frame(payload string) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("wire: write event: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// ReadEvents reads SSE frames from body and delivers decoded events on the
// returned channel. The channel is closed at the [DONE] frame, at the end of
// the body, on a read error, or when ctx is cancelled. The body is closed
// when reading finishes.
//
// Lines starting with ":" are comments. Multiple "data:" lines in one frame
// are joined with newlines. A frame that is not valid JSON is logged and
// skipped; the stream continues. Events of unknown type are delivered for
// the caller to ignore.
func ReadEvents(ctx context.Context, body io.ReadCloser, logger *slog.Logger) <-chan Event {
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		var data strings.Builder

		// flush returns false when the stream should stop.
		flush := func() bool {
			if data.Len() == 0 {
				return true
			}
			raw := data.String()
			data.Reset()
			if raw == Done {
				return false
			}
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				logger.Warn("skipping malformed event", "error", err, "frame", truncate(raw, 200))
				return true
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && ctx.Err() == nil {
					logger.Warn("event stream read failed", "error", err)
				}
				flush()
				return
			}

			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(payload)
			default:
				// event:, id:, retry: and unknown fields are not used.
			}
		}
	}()
	return ch
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
