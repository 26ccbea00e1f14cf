// Package stream converts either a genuine provider event stream or one
// complete provider response into an ordered sequence of client-dialect SSE
// frames, with cooperative cancellation.
package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelbridge/gateway/internal/dialect"
	"github.com/modelbridge/gateway/internal/domain"
)

// DefaultChunkSize is the delta size used by simulated streaming.
const DefaultChunkSize = 48

// Simulate synthesizes a stream from one complete response: a start event,
// deltas carved from the text, and an end event carrying usage totals.
// Concatenating the delta texts reproduces the original text exactly.
// Cancellation stops emission with no terminal event.
func Simulate(ctx context.Context, resp *domain.CompletionResponse, chunkSize int) <-chan domain.StreamEvent {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	events := make(chan domain.StreamEvent)
	go func() {
		defer close(events)

		if !send(ctx, events, domain.StreamEvent{Type: domain.StreamStart, MessageID: resp.ID, Model: resp.Model}) {
			return
		}

		// Chunk on rune boundaries so multi-byte characters never split.
		runes := []rune(resp.Text)
		for i := 0; i < len(runes); i += chunkSize {
			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			ev := domain.StreamEvent{
				Type:      domain.StreamDelta,
				MessageID: resp.ID,
				Index:     i / chunkSize,
				Text:      string(runes[i:end]),
			}
			if !send(ctx, events, ev) {
				return
			}
		}

		usage := resp.Usage
		send(ctx, events, domain.StreamEvent{Type: domain.StreamEnd, MessageID: resp.ID, Usage: &usage})
	}()
	return events
}

func send(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pipe drains provider stream events into w as SSE frames in the caller's
// dialect, buffering at most one event at a time. It returns once the
// stream terminates or ctx is cancelled; after cancellation no further
// frames, terminal or otherwise, are written.
func Pipe(ctx context.Context, w http.ResponseWriter, d domain.Dialect, events <-chan domain.StreamEvent, errs <-chan error) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	enc := dialect.NewStreamEncoder(d)
	ended := false

	writeFrames := func(frames [][]byte) {
		for _, frame := range frames {
			w.Write(frame)
		}
		if len(frames) > 0 {
			flusher.Flush()
		}
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				if ended {
					writeFrames(enc.Done())
				}
				return nil
			}
			if ended {
				// Terminal already emitted; drop anything trailing.
				continue
			}
			writeFrames(enc.Encode(ev))
			if ev.Type == domain.StreamEnd {
				ended = true
			}
			if ev.Type == domain.StreamError {
				return ev.Err
			}

		case err, open := <-errs:
			if !open {
				// A nil channel blocks, keeping the select on events.
				errs = nil
				continue
			}
			if err != nil {
				if !ended {
					writeFrames(enc.Encode(domain.StreamEvent{Type: domain.StreamError, Err: err}))
				}
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
