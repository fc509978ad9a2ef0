package agent

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type logsAPI interface {
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// LogTailer manages per-container log streaming goroutines that feed the
// logbook.
type LogTailer struct {
	client  logsAPI
	logbook *Logbook
	tail    int // lines of history to fetch when a tailer starts

	mu      sync.Mutex
	tailers map[string]*tailer // container ID -> tailer
	wg      sync.WaitGroup
}

type tailer struct {
	cancel context.CancelFunc
}

// NewLogTailer creates a new log tailer.
func NewLogTailer(c logsAPI, logbook *Logbook, tail int) *LogTailer {
	return &LogTailer{
		client:  c,
		logbook: logbook,
		tail:    tail,
		tailers: make(map[string]*tailer),
	}
}

// Sync starts tailers for new running containers and stops tailers for
// containers that stopped or disappeared.
func (lt *LogTailer) Sync(ctx context.Context, containers []Container) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	active := make(map[string]bool)
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		active[c.ID] = true

		if _, exists := lt.tailers[c.ID]; !exists {
			tailerCtx, cancel := context.WithCancel(ctx)
			t := &tailer{cancel: cancel}
			lt.tailers[c.ID] = t
			lt.wg.Add(1)
			go lt.follow(tailerCtx, t, c.ID, c.Name)
		}
	}

	for id, t := range lt.tailers {
		if !active[id] {
			t.cancel()
			delete(lt.tailers, id)
		}
	}
}

// Running returns how many tailers are active.
func (lt *LogTailer) Running() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.tailers)
}

// Stop cancels all tailers and waits for them to exit.
func (lt *LogTailer) Stop() {
	lt.mu.Lock()
	for id, t := range lt.tailers {
		t.cancel()
		delete(lt.tailers, id)
	}
	lt.mu.Unlock()

	lt.wg.Wait()
}

func (lt *LogTailer) follow(ctx context.Context, t *tailer, containerID, name string) {
	defer lt.wg.Done()
	// A stream that ends on its own is forgotten so the next Sync can
	// restart it.
	defer func() {
		lt.mu.Lock()
		if lt.tailers[containerID] == t {
			delete(lt.tailers, containerID)
		}
		lt.mu.Unlock()
		t.cancel()
	}()

	logs, err := lt.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       strconv.Itoa(lt.tail),
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("failed to start log tail", "container", name, "error", err)
		}
		return
	}
	defer logs.Close()

	// Docker multiplexes stdout/stderr with 8-byte headers.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	// Close the log stream when context is cancelled so the demux goroutine
	// unblocks even if the Docker client doesn't propagate cancellation.
	go func() {
		<-ctx.Done()
		logs.Close()
	}()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		lt.scanLines(stdoutR, name)
	}()
	go func() {
		defer readers.Done()
		lt.scanLines(stderrR, name)
	}()
	readers.Wait()
}

func (lt *LogTailer) scanLines(r io.ReadCloser, name string) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	// Allow log lines up to 64KB.
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		lt.logbook.Append(name, scanner.Text())
	}
}
