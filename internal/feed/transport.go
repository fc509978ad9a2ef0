// Package feed implements the network side of the dashboard's per-entity
// feeds: server-sent-event log streams and MJPEG camera surfaces. Feeds run
// on their own goroutines and report back only by sending messages to the
// dispatch loop.
package feed

import (
	"context"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/beacon/internal/board"
)

// Sender receives feed messages. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Transport opens log streams and camera surfaces over HTTP. It implements
// board.Transport.
type Transport struct {
	ctx  context.Context
	send Sender

	// Client is used for every request. Streams are long-lived, so it
	// should not carry an overall timeout.
	Client *http.Client
	// FrameInterval is the minimum spacing between FrameMsgs per surface.
	// The first frame of every stream is always sent.
	FrameInterval time.Duration
}

var _ board.Transport = (*Transport)(nil)

// NewTransport returns a transport whose feeds stop when ctx is done.
func NewTransport(ctx context.Context, send Sender) *Transport {
	return &Transport{
		ctx:           ctx,
		send:          send,
		Client:        &http.Client{},
		FrameInterval: 250 * time.Millisecond,
	}
}

// OpenLog starts streaming endpoint. Events are tagged with key.
func (t *Transport) OpenLog(key board.FeedKey, endpoint string) board.Subscription {
	ctx, cancel := context.WithCancel(t.ctx)
	s := &logStream{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, t.Client, t.send, key, endpoint)
	return s
}

// NewSurface returns an idle camera surface for entity.
func (t *Transport) NewSurface(entity string) board.Surface {
	return &Surface{t: t, entity: entity}
}
