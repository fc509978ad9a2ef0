package board

import "github.com/thobiasn/beacon/internal/protocol"

// Event is anything Dashboard.Handle consumes. Each event is applied to
// completion before the next one is looked at.
type Event interface {
	event()
}

// StatusBatch carries one delivery from the status subscription.
type StatusBatch struct {
	Records []protocol.StatusRecord
}

// LogOpened reports that a log feed connected.
type LogOpened struct {
	Feed FeedKey
}

// LogLine carries one line from a log feed.
type LogLine struct {
	Feed FeedKey
	Text string
}

// LogFailed reports a transport failure on a log feed.
type LogFailed struct {
	Feed FeedKey
	Err  error
}

// VisibilityChanged reports the page (terminal) becoming visible or hidden.
type VisibilityChanged struct {
	Visible bool
}

// TabSelected is a user picking an inner tab on one entity panel.
type TabSelected struct {
	Entity string
	Tab    Tab
}

// GroupSelected is a user picking a group tab.
type GroupSelected struct {
	Group string
}

func (StatusBatch) event()       {}
func (LogOpened) event()         {}
func (LogLine) event()           {}
func (LogFailed) event()         {}
func (VisibilityChanged) event() {}
func (TabSelected) event()       {}
func (GroupSelected) event()     {}
