package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"chatrelay/internal/domain"
)

// maxSSELine bounds a single SSE line. Chunks carrying a whole refusal or
// tool payload can exceed bufio's 64 KiB default.
const maxSSELine = 1 << 20

// sseEvent is what a provider-specific line parser extracts from one data
// payload. finished marks a finish_reason; the stream still runs until
// [DONE] or EOF.
type sseEvent struct {
	text     string
	finished bool
	err      error
}

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a Fragment using parseLine. Exactly one terminal fragment
// (Done or Err) is sent unless ctx is cancelled first. The returned channel
// is closed when the stream ends, the body is closed, or ctx is cancelled.
// onEnd, if set, runs once when the reader goroutine exits with the number of
// text fragments delivered and the terminal error (nil after Done).
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (sseEvent, error), onEnd func(frags int, err error)) <-chan domain.Fragment {
	ch := make(chan domain.Fragment, 16)
	go func() {
		var (
			frags  int
			endErr error
		)
		defer func() {
			if onEnd != nil {
				onEnd(frags, endErr)
			}
		}()
		defer close(ch)
		defer body.Close()

		send := func(f domain.Fragment) bool {
			select {
			case ch <- f:
				return true
			case <-ctx.Done():
				endErr = ctx.Err()
				return false
			}
		}
		fail := func(err error) {
			endErr = err
			send(domain.Fragment{Err: err})
		}

		finished := false
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				endErr = err
				return
			}

			line := scanner.Bytes()
			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.Fragment{Done: true})
				return
			}

			ev, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if ev.err != nil {
				fail(ev.err)
				return
			}
			if ev.text != "" {
				if !send(domain.Fragment{Text: ev.text}) {
					return
				}
				frags++
			}
			if ev.finished {
				finished = true
			}
		}
		if err := ctx.Err(); err != nil {
			endErr = err
			return
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("%w: %v", domain.ErrStreamInterrupt, err))
			return
		}
		// Some compatible servers omit [DONE] after the finish chunk.
		if finished {
			send(domain.Fragment{Done: true})
			return
		}
		fail(fmt.Errorf("%w: stream ended without completion", domain.ErrStreamInterrupt))
	}()
	return ch
}
