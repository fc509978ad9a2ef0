package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sseKeepAlive is how often an idle log stream sends a comment line so
// proxies and clients can tell a quiet feed from a dead one.
const sseKeepAlive = 15 * time.Second

// LogServer serves per-entity log feeds as server-sent events:
//
//	GET /logs/{name}  one "data:" event per line, backlog first
//	GET /healthz      200 ok
type LogServer struct {
	logbook *Logbook
	srv     *http.Server
	ln      net.Listener
	wg      sync.WaitGroup

	// done unblocks streaming handlers on shutdown; http.Server.Shutdown
	// does not cancel hijacked or long-lived requests on its own.
	done chan struct{}
}

// NewLogServer creates a LogServer. Call Start to begin serving.
func NewLogServer(logbook *Logbook) *LogServer {
	ls := &LogServer{logbook: logbook, done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /logs/{name}", ls.handleLogs)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok\n")
	})
	ls.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ls
}

// Handler exposes the routes, for tests and embedding.
func (ls *LogServer) Handler() http.Handler { return ls.srv.Handler }

// Start listens on addr and serves in the background.
func (ls *LogServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ls.ln = ln
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		if err := ls.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("log server", "error", err)
		}
	}()
	slog.Info("log server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (ls *LogServer) Addr() string {
	if ls.ln == nil {
		return ""
	}
	return ls.ln.Addr().String()
}

// Stop ends every stream and shuts the server down.
func (ls *LogServer) Stop() {
	close(ls.done)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ls.srv.Shutdown(ctx); err != nil {
		slog.Warn("log server shutdown", "error", err)
	}
	ls.wg.Wait()
	slog.Info("log server stopped")
}

func (ls *LogServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	backlog, sub, ch := ls.logbook.Follow(name)
	defer ls.logbook.Unfollow(name, sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, line := range backlog {
		if err := writeEvent(w, line); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ls.done:
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			line, _ := msg.(string)
			if err := writeEvent(w, line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE event. Lines reaching here never contain
// newlines; a stray CR is dropped rather than ending the field early.
func writeEvent(w io.Writer, line string) error {
	line = strings.ReplaceAll(line, "\r", "")
	_, err := fmt.Fprintf(w, "data: %s\n\n", line)
	return err
}
