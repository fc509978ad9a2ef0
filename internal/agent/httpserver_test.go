package agent

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/beacon/internal/board"
	"github.com/thobiasn/beacon/internal/feed"
)

func testLogServer(t *testing.T, backlog int) (*Logbook, *httptest.Server) {
	t.Helper()
	lb := NewLogbook(NewHub(), backlog)
	ls := NewLogServer(lb)
	srv := httptest.NewServer(ls.Handler())
	t.Cleanup(func() {
		close(ls.done)
		srv.Close()
	})
	return lb, srv
}

// readData returns the next n "data:" payloads from an SSE body.
func readData(t *testing.T, sc *bufio.Scanner, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n && sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, line)
		}
	}
	if len(out) < n {
		t.Fatalf("got %d events, want %d (err %v)", len(out), n, sc.Err())
	}
	return out
}

func TestLogServerReplaysBacklogThenStreams(t *testing.T) {
	lb, srv := testLogServer(t, 10)
	lb.Append("cam", "old 1", "old 2")

	resp, err := http.Get(srv.URL + "/logs/cam")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if got := readData(t, sc, 2); got[0] != "old 1" || got[1] != "old 2" {
		t.Errorf("backlog = %v", got)
	}

	// The handler subscribed before replaying, so a line appended now is
	// delivered live.
	lb.Append("cam", "fresh")
	lb.Append("other", "not mine")
	if got := readData(t, sc, 1); got[0] != "fresh" {
		t.Errorf("live = %v", got)
	}
}

func TestLogServerUnknownNameStillStreams(t *testing.T) {
	lb, srv := testLogServer(t, 10)

	resp, err := http.Get(srv.URL + "/logs/later")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unknown entity", resp.StatusCode)
	}

	go func() {
		// Give the handler time to subscribe before the entity appears.
		time.Sleep(50 * time.Millisecond)
		lb.Append("later", "hello")
	}()
	if got := readData(t, bufio.NewScanner(resp.Body), 1); got[0] != "hello" {
		t.Errorf("got %v", got)
	}
}

func TestLogServerHealthz(t *testing.T) {
	_, srv := testLogServer(t, 1)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestLogServerRejectsOtherMethods(t *testing.T) {
	_, srv := testLogServer(t, 1)
	resp, err := http.Post(srv.URL+"/logs/cam", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWriteEventDropsCR(t *testing.T) {
	var b strings.Builder
	writeEvent(&b, "a\rb")
	if b.String() != "data: ab\n\n" {
		t.Errorf("event = %q", b.String())
	}
}

type chanSender chan tea.Msg

func (c chanSender) Send(msg tea.Msg) { c <- msg }

// The dashboard's own SSE client reads what the log server writes.
func TestLogServerWithFeedClient(t *testing.T) {
	lb, srv := testLogServer(t, 10)
	lb.Append("cam", "booted")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := make(chanSender, 16)
	tr := feed.NewTransport(ctx, msgs)

	key := board.FeedKey{Entity: "cam", ID: 1}
	sub := tr.OpenLog(key, srv.URL+"/logs/cam")
	defer sub.Close()

	next := func() tea.Msg {
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for feed message")
			return nil
		}
	}

	if m, ok := next().(board.LogOpened); !ok || m.Feed != key {
		t.Fatalf("first message = %#v, want LogOpened", m)
	}
	if m, ok := next().(board.LogLine); !ok || m.Text != "booted" {
		t.Fatalf("second message = %#v, want backlog line", m)
	}
	lb.Append("cam", "running")
	if m, ok := next().(board.LogLine); !ok || m.Text != "running" {
		t.Fatalf("third message = %#v, want live line", m)
	}
}
