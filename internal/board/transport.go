package board

// FeedKey identifies one opened log subscription. A new key is issued every
// time a feed is (re)opened so events from a replaced feed can be told apart.
type FeedKey struct {
	Entity string
	ID     uint64
}

// Subscription is a live log feed. Close is final.
type Subscription interface {
	Close()
}

// Surface is the display surface an entity's image feed is bound to.
// SetSource with a non-empty endpoint starts a fresh request against it;
// an empty endpoint releases the feed.
type Surface interface {
	SetSource(endpoint string)
}

// Transport opens the per-entity feeds. Implementations run their own I/O
// and report back only through Events handed to Dashboard.Handle.
type Transport interface {
	OpenLog(key FeedKey, endpoint string) Subscription
	NewSurface(entity string) Surface
}

type nopSubscription struct{}

func (nopSubscription) Close() {}

type nopSurface struct{}

func (nopSurface) SetSource(string) {}

type nopTransport struct{}

func (nopTransport) OpenLog(FeedKey, string) Subscription { return nopSubscription{} }
func (nopTransport) NewSurface(string) Surface            { return nopSurface{} }
