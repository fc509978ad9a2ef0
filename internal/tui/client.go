package tui

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/beacon/internal/protocol"
)

var (
	// ErrClosed is returned by requests outstanding when the connection ends.
	ErrClosed = errors.New("connection closed")
	// ErrConnLost is carried by ConnErrMsg when the agent goes away.
	ErrConnLost = errors.New("connection lost")
)

// StatusMsg carries one pushed snapshot into the program.
type StatusMsg struct {
	*protocol.StatusUpdate
}

// ConnErrMsg ends the program: there is one agent and no reconnect.
type ConnErrMsg struct {
	Err error
}

// Client is one connection to the agent. Responses are matched to requests
// by envelope ID; ID 0 envelopes are pushes and become tea messages.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	nextID  atomic.Uint32
	calls   inflight
	prog    *tea.Program
	done    chan struct{} // closed when the reader exits
	start   sync.Once
	closed  atomic.Bool // deliberate Close, no ConnErrMsg
}

// inflight tracks requests waiting for their response.
type inflight struct {
	mu sync.Mutex
	m  map[uint32]chan *protocol.Envelope
}

func (f *inflight) add(id uint32) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	f.mu.Lock()
	f.m[id] = ch
	f.mu.Unlock()
	return ch
}

func (f *inflight) remove(id uint32) {
	f.mu.Lock()
	delete(f.m, id)
	f.mu.Unlock()
}

// deliver hands env to its waiter. Late responses are dropped.
func (f *inflight) deliver(env *protocol.Envelope) {
	f.mu.Lock()
	ch, ok := f.m[env.ID]
	f.mu.Unlock()
	if ok {
		ch <- env
	}
}

// fail wakes every waiter with a closed channel.
func (f *inflight) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.m {
		close(ch)
		delete(f.m, id)
	}
}

// NewClient wraps an existing connection. Call SetProgram to start reading.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:  conn,
		calls: inflight{m: make(map[uint32]chan *protocol.Envelope)},
		done:  make(chan struct{}),
	}
}

// Dial connects to the agent. A non-empty addr is dialed over TCP,
// otherwise socketPath over a Unix socket.
func Dial(ctx context.Context, socketPath, addr string) (*Client, error) {
	network, target := "unix", socketPath
	if addr != "" {
		network, target = "tcp", addr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, target, err)
	}
	return NewClient(conn), nil
}

// SetProgram attaches the program that receives pushes and starts the
// reader. A nil program is fine for one-shot CLI use. Only the first call
// starts the reader.
func (c *Client) SetProgram(p *tea.Program) {
	c.prog = p
	c.start.Do(func() { go c.read() })
}

// Close ends the connection without a ConnErrMsg.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

func (c *Client) emit(msg tea.Msg) {
	if c.prog != nil {
		c.prog.Send(msg)
	}
}

func (c *Client) read() {
	defer func() {
		close(c.done)
		c.calls.fail()
		if !c.closed.Load() {
			c.emit(ConnErrMsg{Err: ErrConnLost})
		}
	}()

	for {
		env, err := protocol.ReadMsg(c.conn)
		if err != nil {
			return
		}
		if env.ID != 0 {
			c.calls.deliver(env)
			continue
		}
		if env.Type != protocol.TypeStatusUpdate {
			continue
		}
		u, err := protocol.Decode[protocol.StatusUpdate](env)
		if err != nil {
			log.Printf("decode status update: %v", err)
			continue
		}
		c.emit(StatusMsg{&u})
	}
}

func envelope(typ protocol.MsgType, id uint32, body any) (*protocol.Envelope, error) {
	if body == nil {
		return protocol.NewEnvelopeNoBody(typ, id), nil
	}
	return protocol.NewEnvelope(typ, id, body)
}

func (c *Client) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMsg(c.conn, env)
}

// Request sends a request and blocks until the response arrives, ctx is
// done, or the connection dies. Agent error responses come back as
// *protocol.AgentError.
func (c *Client) Request(ctx context.Context, typ protocol.MsgType, body any) (*protocol.Envelope, error) {
	id := c.nextID.Add(1)
	env, err := envelope(typ, id, body)
	if err != nil {
		return nil, err
	}

	ch := c.calls.add(id)
	defer c.calls.remove(id)

	if err := c.write(env); err != nil {
		return nil, fmt.Errorf("write %s: %w", typ, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if err := protocol.ResponseErr(resp); err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// SubscribeStatus asks the agent to push every snapshot.
func (c *Client) SubscribeStatus() error {
	return c.write(protocol.NewEnvelopeNoBody(protocol.TypeSubscribeStatus, 0))
}

// UnsubscribeStatus stops the pushes.
func (c *Client) UnsubscribeStatus() error {
	env, err := envelope(protocol.TypeUnsubscribe, 0, &protocol.Unsubscribe{Topic: protocol.TopicStatus})
	if err != nil {
		return err
	}
	return c.write(env)
}

// QueryEntities returns the agent's current snapshot.
func (c *Client) QueryEntities(ctx context.Context) ([]protocol.StatusRecord, error) {
	resp, err := c.Request(ctx, protocol.TypeQueryEntities, nil)
	if err != nil {
		return nil, err
	}
	r, err := protocol.Decode[protocol.QueryEntitiesResp](resp)
	if err != nil {
		return nil, err
	}
	return r.Records, nil
}

// ReportStatus pushes worker records to the agent.
func (c *Client) ReportStatus(ctx context.Context, records []protocol.StatusRecord) error {
	_, err := c.Request(ctx, protocol.TypeReportStatus, &protocol.ReportStatusReq{Records: records})
	return err
}

// ReportLog appends lines to a worker's log feed.
func (c *Client) ReportLog(ctx context.Context, name string, lines []string) error {
	_, err := c.Request(ctx, protocol.TypeReportLog, &protocol.ReportLogReq{Name: name, Lines: lines})
	return err
}
