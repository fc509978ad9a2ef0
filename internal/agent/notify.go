package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/thobiasn/beacon/internal/protocol"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const notifyQueueSize = 64

var webhookClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return errors.New("too many redirects")
		}
		return nil
	},
}

// Transition is an entity flipping between Active and Inactive. Webhook
// templates see its fields plus Subject and Body.
type Transition struct {
	Name   string
	Group  string
	Active string // ActiveLabel or InactiveLabel
	Status string
	Errors string
	At     time.Time
}

func newTransition(rec protocol.StatusRecord, at time.Time) Transition {
	return Transition{
		Name:   rec.Name,
		Group:  rec.Group,
		Active: rec.Active,
		Status: rec.Status,
		Errors: rec.Errors,
		At:     at,
	}
}

func (t Transition) Subject() string { return t.Name + " is " + t.Active }

// Body is the status text followed by the error text, if any.
func (t Transition) Body() string {
	if t.Errors == "" {
		return t.Status
	}
	return strings.TrimSpace(t.Status + "\n" + t.Errors)
}

// sink is one notification destination.
type sink interface {
	deliver(ctx context.Context, t Transition) error
}

// Notifier fans transitions out to the configured webhooks from its own
// goroutine; the collect loop only ever enqueues.
type Notifier struct {
	sinks    []sink
	queue    chan Transition
	wg       sync.WaitGroup // run goroutine
	pending  sync.WaitGroup // queued, not yet delivered
	stopOnce sync.Once
}

// NewNotifier builds a Notifier from the enabled webhooks. Without any,
// Notify is a no-op and no goroutine runs.
func NewNotifier(cfg *NotifyConfig) *Notifier {
	n := &Notifier{queue: make(chan Transition, notifyQueueSize)}
	for _, wh := range cfg.Webhooks {
		if wh.Enabled {
			n.sinks = append(n.sinks, newWebhook(wh))
		}
	}
	if len(n.sinks) > 0 {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// HasChannels reports whether any webhook is enabled.
func (n *Notifier) HasChannels() bool { return len(n.sinks) > 0 }

func (n *Notifier) run() {
	defer n.wg.Done()
	for t := range n.queue {
		for _, s := range n.sinks {
			deliverWithRetry(context.Background(), s, t)
		}
		n.pending.Done()
	}
}

// Notify queues t without blocking. A full queue drops t with a warning.
func (n *Notifier) Notify(t Transition) {
	if len(n.sinks) == 0 {
		return
	}
	n.pending.Add(1)
	select {
	case n.queue <- t:
	default:
		n.pending.Done()
		slog.Warn("notification queue full, dropping", "entity", t.Name, "active", t.Active)
	}
}

// Flush waits until everything queued so far has been delivered or given up.
func (n *Notifier) Flush() { n.pending.Wait() }

// Stop drains the queue and waits. Safe to call more than once.
func (n *Notifier) Stop() {
	if len(n.sinks) == 0 {
		return
	}
	n.stopOnce.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// retryBackoffs are the waits before the second and third attempt.
var retryBackoffs = []time.Duration{1 * time.Second, 3 * time.Second}

func deliverWithRetry(ctx context.Context, s sink, t Transition) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.deliver(ctx, t); err == nil {
			return
		}
		if attempt == len(retryBackoffs) {
			break
		}
		slog.Warn("notification failed, retrying", "entity", t.Name, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			slog.Error("notification retry aborted", "entity", t.Name, "error", ctx.Err())
			return
		case <-time.After(retryBackoffs[attempt]):
		}
	}
	slog.Error("notification failed", "entity", t.Name, "attempts", len(retryBackoffs)+1, "error", err)
}

// webhook POSTs a transition. Without a template the body is JSON with a
// chat-style "text" field plus the raw transition.
type webhook struct {
	url     string
	headers http.Header
	tmpl    *template.Template
}

type webhookPayload struct {
	Text   string `json:"text"`
	Name   string `json:"name"`
	Group  string `json:"group,omitempty"`
	Active bool   `json:"active"`
	At     int64  `json:"at"` // unix milliseconds
}

func newWebhook(cfg WebhookConfig) *webhook {
	w := &webhook{url: cfg.URL, headers: make(http.Header)}
	for k, v := range cfg.Headers {
		w.headers.Set(stripCRLF(k), stripCRLF(v))
	}
	if w.headers.Get("Content-Type") == "" {
		w.headers.Set("Content-Type", "application/json")
	}
	if cfg.Template != "" {
		// Validated at config load.
		w.tmpl = template.Must(template.New("webhook").Parse(cfg.Template))
	}
	return w
}

func (w *webhook) payload(t Transition) ([]byte, error) {
	if w.tmpl != nil {
		var buf bytes.Buffer
		if err := w.tmpl.Execute(&buf, t); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return jsonAPI.Marshal(webhookPayload{
		Text:   fmt.Sprintf("*%s*\n%s", t.Subject(), t.Body()),
		Name:   t.Name,
		Group:  t.Group,
		Active: t.Active == ActiveLabel,
		At:     t.At.UnixMilli(),
	})
}

func (w *webhook) deliver(ctx context.Context, t Transition) error {
	body, err := w.payload(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = w.headers.Clone()

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", w.url, resp.StatusCode)
	}
	return nil
}

// stripCRLF keeps configured header text on one line.
func stripCRLF(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
