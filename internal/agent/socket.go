package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/thobiasn/beacon/internal/protocol"
)

const maxConnections = 64

// maxReportLines bounds one report:log request.
const maxReportLines = 1000

// SocketServer speaks the msgpack protocol to dashboards and reporters over
// a Unix socket and, optionally, TCP.
type SocketServer struct {
	hub      *Hub
	workers  *Workers
	logbook  *Logbook
	snapshot func() []protocol.StatusRecord

	mu        sync.Mutex
	listeners []net.Listener
	path      string
	wg        sync.WaitGroup
	connSem   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSocketServer creates a SocketServer. snapshot returns the full current
// record set for query:entities.
func NewSocketServer(hub *Hub, workers *Workers, logbook *Logbook, snapshot func() []protocol.StatusRecord) *SocketServer {
	return &SocketServer{
		hub:      hub,
		workers:  workers,
		logbook:  logbook,
		snapshot: snapshot,
		connSem:  make(chan struct{}, maxConnections),
		stopCh:   make(chan struct{}),
	}
}

// Start listens on the Unix socket at path, replacing a stale file.
func (ss *SocketServer) Start(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", path, err)
	}
	// Any local user may watch the dashboard or report.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	ss.path = path
	ss.serve(ln)
	slog.Info("socket server started", "path", path)
	return nil
}

// StartTCP additionally accepts connections on a TCP address.
func (ss *SocketServer) StartTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	ss.serve(ln)
	slog.Info("socket server listening on tcp", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

func (ss *SocketServer) serve(ln net.Listener) {
	ss.mu.Lock()
	ss.listeners = append(ss.listeners, ln)
	ss.mu.Unlock()
	ss.wg.Add(1)
	go ss.accept(ln)
}

// Stop closes listeners and connections, waits for them, and removes the
// socket file.
func (ss *SocketServer) Stop() {
	ss.stopOnce.Do(func() { close(ss.stopCh) })
	ss.mu.Lock()
	for _, ln := range ss.listeners {
		ln.Close()
	}
	ss.listeners = nil
	ss.mu.Unlock()
	ss.wg.Wait()
	if ss.path != "" {
		os.Remove(ss.path)
	}
	slog.Info("socket server stopped")
}

func (ss *SocketServer) accept(ln net.Listener) {
	defer ss.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("accept error", "error", err)
			}
			return
		}
		select {
		case ss.connSem <- struct{}{}:
		default:
			slog.Warn("connection limit reached, rejecting", "remote", nc.RemoteAddr())
			nc.Close()
			continue
		}
		ss.wg.Add(1)
		go ss.handle(nc)
	}
}

func (ss *SocketServer) handle(nc net.Conn) {
	defer ss.wg.Done()
	defer func() { <-ss.connSem }()

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ss: ss, nc: nc, ctx: ctx}
	slog.Debug("client connected", "remote", nc.RemoteAddr())
	defer func() {
		cancel()
		nc.Close()
		c.dropStatus()
		slog.Debug("client disconnected", "remote", nc.RemoteAddr())
	}()

	// Stop unblocks the read below.
	go func() {
		select {
		case <-ctx.Done():
		case <-ss.stopCh:
			nc.Close()
		}
	}()

	for {
		env, err := protocol.ReadMsg(nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("read error", "remote", nc.RemoteAddr(), "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

// conn is one client. Handlers run on the read goroutine; only writes are
// shared with the status forwarder.
type conn struct {
	ss      *SocketServer
	nc      net.Conn
	ctx     context.Context
	writeMu sync.Mutex

	status      *subscriber
	stopForward context.CancelFunc
	forwardDone chan struct{}
}

type handlerFunc func(c *conn, env *protocol.Envelope)

var handlers = map[protocol.MsgType]handlerFunc{
	protocol.TypeSubscribeStatus: (*conn).subscribeStatus,
	protocol.TypeUnsubscribe:     (*conn).unsubscribe,
	protocol.TypeQueryEntities:   (*conn).queryEntities,
	protocol.TypeReportStatus:    (*conn).reportStatus,
	protocol.TypeReportLog:       (*conn).reportLog,
}

func (c *conn) dispatch(env *protocol.Envelope) {
	h, ok := handlers[env.Type]
	if !ok {
		c.fail(env.ID, fmt.Sprintf("unknown message type: %s", env.Type))
		return
	}
	h(c, env)
}

func (c *conn) write(env *protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMsg(c.nc, env); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("write error", "remote", c.nc.RemoteAddr(), "error", err)
	}
}

func (c *conn) reply(id uint32, body any) {
	env, err := protocol.NewEnvelope(protocol.TypeResult, id, body)
	if err != nil {
		slog.Error("encode response", "error", err)
		return
	}
	c.write(env)
}

func (c *conn) fail(id uint32, msg string) {
	c.write(protocol.NewErrorEnvelope(id, msg))
}

// subscribeStatus starts pushing snapshots. A second subscribe is a no-op.
func (c *conn) subscribeStatus(*protocol.Envelope) {
	if c.status != nil {
		return
	}
	sub, ch := c.ss.hub.Subscribe(TopicStatus)
	ctx, cancel := context.WithCancel(c.ctx)
	c.status, c.stopForward = sub, cancel
	c.forwardDone = make(chan struct{})
	go c.forward(ctx, ch, c.forwardDone)
}

// forward writes snapshots to the client. Snapshots are complete, so when
// the client falls behind only the newest queued one is sent.
func (c *conn) forward(ctx context.Context, ch <-chan any, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg, ok = latest(ch, msg); !ok {
				return
			}
			env, err := protocol.NewEnvelope(protocol.TypeStatusUpdate, 0, msg)
			if err != nil {
				slog.Error("encode status update", "error", err)
				continue
			}
			c.write(env)
		}
	}
}

// latest drains ch without blocking and returns the last message seen. ok is
// false once ch is closed.
func latest(ch <-chan any, msg any) (any, bool) {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return msg, false
			}
			msg = next
		default:
			return msg, true
		}
	}
}

func (c *conn) dropStatus() {
	if c.status == nil {
		return
	}
	c.stopForward()
	c.ss.hub.Unsubscribe(TopicStatus, c.status)
	<-c.forwardDone
	c.status, c.stopForward, c.forwardDone = nil, nil, nil
}

func (c *conn) unsubscribe(env *protocol.Envelope) {
	req, err := protocol.Decode[protocol.Unsubscribe](env)
	if err != nil {
		c.fail(env.ID, "invalid unsubscribe body")
		return
	}
	if req.Topic == TopicStatus {
		c.dropStatus()
	}
}

func (c *conn) queryEntities(env *protocol.Envelope) {
	c.reply(env.ID, &protocol.QueryEntitiesResp{Records: c.ss.snapshot()})
}

func (c *conn) reportStatus(env *protocol.Envelope) {
	req, err := protocol.Decode[protocol.ReportStatusReq](env)
	if err != nil {
		c.fail(env.ID, "invalid body")
		return
	}
	if len(req.Records) == 0 {
		c.fail(env.ID, "no records")
		return
	}
	if err := c.ss.workers.Report(c.ctx, req.Records); err != nil {
		c.fail(env.ID, err.Error())
		return
	}
	c.reply(env.ID, &protocol.Result{OK: true, Message: fmt.Sprintf("%d records", len(req.Records))})
}

func (c *conn) reportLog(env *protocol.Envelope) {
	req, err := protocol.Decode[protocol.ReportLogReq](env)
	if err != nil {
		c.fail(env.ID, "invalid body")
		return
	}
	switch {
	case req.Name == "" || len(req.Name) > maxNameLen:
		c.fail(env.ID, "invalid name")
		return
	case len(req.Lines) > maxReportLines:
		c.fail(env.ID, fmt.Sprintf("too many lines (max %d)", maxReportLines))
		return
	}
	c.ss.logbook.Append(req.Name, req.Lines...)
	c.reply(env.ID, &protocol.Result{OK: true, Message: fmt.Sprintf("%d lines", len(req.Lines))})
}
