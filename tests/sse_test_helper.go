package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// newSSEScanner wraps an SSE body in a scanner sized for large data frames.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

// nextSSEData advances the scanner to the next "data:" frame and returns its
// payload. It returns io.EOF when the stream ends first.
func nextSSEData(ctx context.Context, sc *bufio.Scanner) (json.RawMessage, error) {
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		return json.RawMessage(payload), nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// firstSSEData reads a single SSE "data:" frame and closes the body. A frame
// carrying a JSON-RPC error member is surfaced as an error.
func firstSSEData(ctx context.Context, body io.ReadCloser) (json.RawMessage, error) {
	defer body.Close()
	data, err := nextSSEData(ctx, newSSEScanner(body))
	if err != nil {
		return nil, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode sse frame: %w", err)
	}
	if e, ok := probe["error"]; ok {
		return nil, fmt.Errorf("rpc error: %s", string(e))
	}
	return data, nil
}

// waitForNotification scans SSE data frames from r until one carries the
// target JSON-RPC method or the timeout elapses. Frames for other methods are
// skipped.
func waitForNotification(parent context.Context, r io.Reader, method string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sc := newSSEScanner(r)
	type frame struct {
		data json.RawMessage
		err  error
	}
	frames := make(chan frame, 1)
	go func() {
		for {
			data, err := nextSSEData(ctx, sc)
			select {
			case frames <- frame{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", method, ctx.Err())
		case f := <-frames:
			if f.err != nil {
				return fmt.Errorf("waiting for %s: %w", method, f.err)
			}
			var msg struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal(f.data, &msg); err != nil {
				continue
			}
			if msg.Method == method {
				return nil
			}
		}
	}
}
