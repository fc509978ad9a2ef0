package board

// StreamState is the state of an entity's image feed.
type StreamState int

const (
	StreamClosed StreamState = iota
	StreamOpen
)

func (s StreamState) String() string {
	if s == StreamOpen {
		return "open"
	}
	return "closed"
}

// Stream owns the surface of one entity's image feed. It is open exactly
// while the entity has an endpoint, the stream tab is active and the page is
// visible. Every Closed→Open transition issues a fresh request.
type Stream struct {
	endpoint string
	surface  Surface
	state    StreamState
	opens    int
	closes   int
}

// sync moves the stream toward want. It reports whether the state changed.
func (s *Stream) sync(want bool) bool {
	want = want && s.endpoint != "" && s.surface != nil
	switch {
	case want && s.state == StreamClosed:
		s.surface.SetSource(s.endpoint)
		s.state = StreamOpen
		s.opens++
		return true
	case !want && s.state == StreamOpen:
		s.surface.SetSource("")
		s.state = StreamClosed
		s.closes++
		return true
	}
	return false
}

// repoint records a new endpoint. An open stream is pointed at it at once.
func (s *Stream) repoint(endpoint string) {
	s.endpoint = endpoint
	if s.state == StreamOpen {
		s.surface.SetSource(endpoint)
		s.opens++
	}
}

// FeedState is the state of an entity's log feed.
type FeedState int

const (
	FeedNone       FeedState = iota // no log endpoint
	FeedConnecting                  // opened, waiting for the transport
	FeedOpen                        // connected, lines flowing
	FeedClosed                      // failed; final for this endpoint
)

func (s FeedState) String() string {
	switch s {
	case FeedConnecting:
		return "connecting"
	case FeedOpen:
		return "open"
	case FeedClosed:
		return "closed"
	}
	return "none"
}

// logFeed is the text-line subscription feeding an entity's LineBuffer.
type logFeed struct {
	key      FeedKey
	endpoint string
	sub      Subscription
	state    FeedState
	err      error
}

func (f *logFeed) live() bool {
	return f.state == FeedConnecting || f.state == FeedOpen
}

func (f *logFeed) close() {
	if f.sub != nil && f.live() {
		f.sub.Close()
	}
	f.state = FeedClosed
}
