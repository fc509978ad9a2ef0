package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/thobiasn/beacon/internal/board"
)

// maxEventSize bounds a single SSE line.
const maxEventSize = 1 << 20

var errStreamEnded = errors.New("stream ended")

type logStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the stream. No LogFailed is sent for a closed stream.
func (s *logStream) Close() {
	s.cancel()
}

func (s *logStream) run(ctx context.Context, client *http.Client, send Sender, key board.FeedKey, endpoint string) {
	defer close(s.done)
	err := readEvents(ctx, client, endpoint,
		func() { send.Send(board.LogOpened{Feed: key}) },
		func(data string) { send.Send(board.LogLine{Feed: key, Text: data}) },
	)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errStreamEnded
	}
	send.Send(board.LogFailed{Feed: key, Err: err})
}

// readEvents connects to an SSE endpoint and calls onMessage with the data
// of every event until the stream ends. It returns nil on a clean end of
// stream.
func readEvents(ctx context.Context, client *http.Client, endpoint string, onOpen func(), onMessage func(string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create log request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("log stream returned status %d", resp.StatusCode)
	}
	onOpen()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	var data []string
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if data != nil {
				onMessage(strings.Join(data, "\n"))
				data = nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read log stream: %w", err)
	}
	return nil
}
