package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/thobiasn/beacon/internal/protocol"
	"github.com/thobiasn/beacon/internal/tui"
)

type socketFixture struct {
	ss      *SocketServer
	hub     *Hub
	workers *Workers
	logbook *Logbook
	path    string
}

// testSocketServer creates a SocketServer on a temp Unix socket. The
// snapshot it serves is the worker registry.
func testSocketServer(t *testing.T) *socketFixture {
	t.Helper()
	hub := NewHub()
	workers := NewWorkers(nil, time.Minute)
	logbook := NewLogbook(hub, 10)
	ss := NewSocketServer(hub, workers, logbook, workers.Records)
	path := filepath.Join(t.TempDir(), "test.sock")
	if err := ss.Start(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ss.Stop() })
	return &socketFixture{ss: ss, hub: hub, workers: workers, logbook: logbook, path: path}
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, env *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	if err := protocol.WriteMsg(conn, env); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := protocol.ReadMsg(conn)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func mustEnvelope(t *testing.T, typ protocol.MsgType, id uint32, body any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, id, body)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestSocketReportAndQuery(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	resp := roundTrip(t, conn, mustEnvelope(t, protocol.TypeReportStatus, 1, &protocol.ReportStatusReq{
		Records: []protocol.StatusRecord{{Name: "arm", Group: "lab", Status: "Running"}},
	}))
	if resp.Type != protocol.TypeResult || resp.ID != 1 {
		t.Fatalf("report response = %q id %d", resp.Type, resp.ID)
	}

	resp = roundTrip(t, conn, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 2))
	if resp.ID != 2 {
		t.Fatalf("id = %d, want 2", resp.ID)
	}
	got, err := protocol.Decode[protocol.QueryEntitiesResp](resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Records) != 1 || got.Records[0].Name != "arm" || got.Records[0].Active != ActiveLabel {
		t.Errorf("records = %+v", got.Records)
	}
}

func TestSocketReportStatusValidation(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	tests := []*protocol.Envelope{
		mustEnvelope(t, protocol.TypeReportStatus, 1, &protocol.ReportStatusReq{}),
		mustEnvelope(t, protocol.TypeReportStatus, 2, &protocol.ReportStatusReq{Records: []protocol.StatusRecord{{Status: "x"}}}),
		mustEnvelope(t, protocol.TypeReportStatus, 3, "not a request"),
	}
	for _, env := range tests {
		if resp := roundTrip(t, conn, env); resp.Type != protocol.TypeError || resp.ID != env.ID {
			t.Errorf("request %d: got %q id %d, want error", env.ID, resp.Type, resp.ID)
		}
	}
	if len(f.workers.Records()) != 0 {
		t.Error("invalid reports must not reach the registry")
	}
}

func TestSocketReportLog(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	resp := roundTrip(t, conn, mustEnvelope(t, protocol.TypeReportLog, 1, &protocol.ReportLogReq{
		Name:  "arm",
		Lines: []string{"homing", "ready"},
	}))
	if resp.Type != protocol.TypeResult {
		t.Fatalf("type = %q, want result", resp.Type)
	}
	if got := f.logbook.Backlog("arm"); !slices.Equal(got, []string{"homing", "ready"}) {
		t.Errorf("backlog = %v", got)
	}

	resp = roundTrip(t, conn, mustEnvelope(t, protocol.TypeReportLog, 2, &protocol.ReportLogReq{Lines: []string{"x"}}))
	if resp.Type != protocol.TypeError {
		t.Errorf("nameless log report: type = %q, want error", resp.Type)
	}

	resp = roundTrip(t, conn, mustEnvelope(t, protocol.TypeReportLog, 3, &protocol.ReportLogReq{
		Name:  "arm",
		Lines: make([]string, maxReportLines+1),
	}))
	if resp.Type != protocol.TypeError {
		t.Errorf("oversized log report: type = %q, want error", resp.Type)
	}
}

func TestSocketStreamStatus(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	if err := protocol.WriteMsg(conn, protocol.NewEnvelopeNoBody(protocol.TypeSubscribeStatus, 0)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	f.hub.Publish(TopicStatus, &protocol.StatusUpdate{
		Timestamp: 7,
		Records:   []protocol.StatusRecord{{Name: "cam"}},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := protocol.ReadMsg(conn)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.TypeStatusUpdate || msg.ID != 0 {
		t.Fatalf("type = %q id %d, want status:update id 0", msg.Type, msg.ID)
	}
	u, err := protocol.Decode[protocol.StatusUpdate](msg)
	if err != nil {
		t.Fatal(err)
	}
	if u.Timestamp != 7 || len(u.Records) != 1 {
		t.Errorf("update = %+v", u)
	}
}

func TestSocketUnsubscribe(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	protocol.WriteMsg(conn, protocol.NewEnvelopeNoBody(protocol.TypeSubscribeStatus, 0))
	time.Sleep(50 * time.Millisecond)
	protocol.WriteMsg(conn, mustEnvelope(t, protocol.TypeUnsubscribe, 0, &protocol.Unsubscribe{Topic: TopicStatus}))
	time.Sleep(50 * time.Millisecond)

	// Publish, which should not arrive since we unsubscribed.
	f.hub.Publish(TopicStatus, &protocol.StatusUpdate{Timestamp: 1})

	resp := roundTrip(t, conn, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 3))
	if resp.Type != protocol.TypeResult || resp.ID != 3 {
		t.Errorf("got %q id %d, want result 3 (not status:update)", resp.Type, resp.ID)
	}
}

func TestSocketDuplicateSubscription(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	env := protocol.NewEnvelopeNoBody(protocol.TypeSubscribeStatus, 0)
	protocol.WriteMsg(conn, env)
	protocol.WriteMsg(conn, env)
	time.Sleep(50 * time.Millisecond)

	if n := f.hub.subscriberCount(TopicStatus); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}

	f.hub.Publish(TopicStatus, &protocol.StatusUpdate{Timestamp: 42})

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := protocol.ReadMsg(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReadMsg(conn); err == nil {
		t.Error("got a second message (duplicate subscription)")
	}
}

func TestSocketUnknownType(t *testing.T) {
	f := testSocketServer(t)
	conn := dial(t, f.path)

	resp := roundTrip(t, conn, protocol.NewEnvelopeNoBody("bogus:type", 1))
	if resp.Type != protocol.TypeError {
		t.Fatalf("type = %q, want error", resp.Type)
	}
	e, err := protocol.Decode[protocol.ErrorResult](resp)
	if err != nil {
		t.Fatal(err)
	}
	if e.Error == "" {
		t.Error("expected non-empty error message")
	}
}

func TestSocketCleanupOnDisconnect(t *testing.T) {
	f := testSocketServer(t)

	conn, err := net.Dial("unix", f.path)
	if err != nil {
		t.Fatal(err)
	}
	protocol.WriteMsg(conn, protocol.NewEnvelopeNoBody(protocol.TypeSubscribeStatus, 0))
	time.Sleep(50 * time.Millisecond)
	if n := f.hub.subscriberCount(TopicStatus); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	conn.Close()
	deadline := time.After(2 * time.Second)
	for f.hub.subscriberCount(TopicStatus) != 0 {
		select {
		case <-deadline:
			t.Fatal("subscription not cleaned up after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSocketConnectionLimit(t *testing.T) {
	hub := NewHub()
	workers := NewWorkers(nil, time.Minute)
	ss := NewSocketServer(hub, workers, NewLogbook(hub, 1), workers.Records)
	ss.connSem = make(chan struct{}, 2)
	path := filepath.Join(t.TempDir(), "test.sock")
	if err := ss.Start(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ss.Stop() })

	for _, c := range []net.Conn{dial(t, path), dial(t, path)} {
		if resp := roundTrip(t, c, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 1)); resp.Type != protocol.TypeResult {
			t.Errorf("expected result, got %q", resp.Type)
		}
	}

	conn3 := dial(t, path)
	protocol.WriteMsg(conn3, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 1))
	conn3.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := protocol.ReadMsg(conn3); err == nil {
		t.Error("expected 3rd connection to be rejected")
	}
}

func TestSocketStopClosesClients(t *testing.T) {
	hub := NewHub()
	workers := NewWorkers(nil, time.Minute)
	ss := NewSocketServer(hub, workers, NewLogbook(hub, 1), workers.Records)
	path := filepath.Join(t.TempDir(), "test.sock")
	if err := ss.Start(path); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, path)
	roundTrip(t, conn, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 1))

	done := make(chan struct{})
	go func() {
		ss.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a connected client")
	}

	if _, err := os.Stat(path); err == nil {
		t.Error("socket file should be removed after Stop()")
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadMsg(conn); err == nil {
		t.Error("client connection should be closed")
	}
}

func TestSocketTCP(t *testing.T) {
	f := testSocketServer(t)
	addr, err := f.ss.StartTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if resp := roundTrip(t, conn, protocol.NewEnvelopeNoBody(protocol.TypeQueryEntities, 5)); resp.Type != protocol.TypeResult {
		t.Errorf("tcp query type = %q", resp.Type)
	}
}

// The dashboard client and the report command speak to the server through
// tui.Client.
func TestSocketWithClient(t *testing.T) {
	f := testSocketServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := tui.Dial(ctx, f.path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetProgram(nil)

	if err := c.ReportStatus(ctx, []protocol.StatusRecord{{Name: "arm", Create: protocol.Float(0.1)}}); err != nil {
		t.Fatal(err)
	}
	if err := c.ReportLog(ctx, "arm", []string{"hello"}); err != nil {
		t.Fatal(err)
	}
	recs, err := c.QueryEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Create == nil || *recs[0].Create != 0.1 {
		t.Errorf("records = %+v", recs)
	}
	if got := f.logbook.Backlog("arm"); len(got) != 1 {
		t.Errorf("backlog = %v", got)
	}

	if err := c.ReportStatus(ctx, []protocol.StatusRecord{{}}); err == nil {
		t.Error("expected agent error for nameless record")
	}
}

func TestLatestKeepsNewestSnapshot(t *testing.T) {
	ch := make(chan any, 4)
	ch <- 2
	ch <- 3
	msg, ok := latest(ch, 1)
	if !ok || msg != 3 {
		t.Fatalf("latest = %v, %v; want 3, true", msg, ok)
	}
	if msg, ok = latest(ch, 9); !ok || msg != 9 {
		t.Fatalf("empty channel = %v, %v; want 9, true", msg, ok)
	}
	close(ch)
	if _, ok = latest(ch, 1); ok {
		t.Fatal("closed channel should report !ok")
	}
}
