package protocol

import "github.com/vmihailenco/msgpack/v5"

// MsgType identifies the type of a protocol message.
type MsgType string

const (
	// Streaming: client subscribes, agent pushes.
	TypeSubscribeStatus MsgType = "subscribe:status"
	TypeUnsubscribe     MsgType = "unsubscribe"
	TypeStatusUpdate    MsgType = "status:update"

	// Request-response.
	TypeQueryEntities MsgType = "query:entities"
	TypeReportStatus  MsgType = "report:status"
	TypeReportLog     MsgType = "report:log"
	TypeResult        MsgType = "result"
	TypeError         MsgType = "error"
)

// TopicStatus is the only streaming topic a client can subscribe to.
const TopicStatus = "status"

// Envelope is the top-level wire message. Body is decoded in a second pass
// based on the Type field.
type Envelope struct {
	Type MsgType            `msgpack:"type"`
	ID   uint32             `msgpack:"id"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// StatusRecord is one snapshot of a single entity. Pointer and empty fields
// are "absent": receivers treat them as unchanged, never as cleared.
type StatusRecord struct {
	Name           string `msgpack:"name" json:"name" yaml:"name"`
	Group          string `msgpack:"group,omitempty" json:"group,omitempty" yaml:"group,omitempty"`
	Active         string `msgpack:"active" json:"active" yaml:"active"`
	Status         string `msgpack:"status" json:"status" yaml:"status"`
	Description    string `msgpack:"description" json:"description" yaml:"description"`
	Errors         string `msgpack:"errors,omitempty" json:"errors,omitempty" yaml:"errors,omitempty"`
	LogEndpoint    string `msgpack:"log_endpoint,omitempty" json:"logEndpoint,omitempty" yaml:"log_endpoint,omitempty"`
	StreamEndpoint string `msgpack:"stream_endpoint,omitempty" json:"streamEndpoint,omitempty" yaml:"stream_endpoint,omitempty"`

	// Lifecycle timings in seconds.
	Create      *float64 `msgpack:"create,omitempty" json:"create,omitempty" yaml:"create,omitempty"`
	RunPeriodic *float64 `msgpack:"run_periodic,omitempty" json:"runPeriodic,omitempty" yaml:"run_periodic,omitempty"`
	Shutdown    *float64 `msgpack:"shutdown,omitempty" json:"shutdown,omitempty" yaml:"shutdown,omitempty"`
	Close       *float64 `msgpack:"close,omitempty" json:"close,omitempty" yaml:"close,omitempty"`

	Capabilities []string `msgpack:"capabilities,omitempty" json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	StreamShape  []int    `msgpack:"stream_shape,omitempty" json:"streamShape,omitempty" yaml:"stream_shape,omitempty"`
}

// --- Streaming messages ---

// Unsubscribe is the body for TypeUnsubscribe.
type Unsubscribe struct {
	Topic string `msgpack:"topic"`
}

// StatusUpdate is pushed every collect cycle with the full snapshot.
type StatusUpdate struct {
	Timestamp int64          `msgpack:"timestamp"` // unix milliseconds
	Records   []StatusRecord `msgpack:"records"`
}

// --- Request-response messages ---

// QueryEntitiesResp is the response for TypeQueryEntities.
type QueryEntitiesResp struct {
	Records []StatusRecord `msgpack:"records"`
}

// ReportStatusReq is the body for TypeReportStatus.
type ReportStatusReq struct {
	Records []StatusRecord `msgpack:"records"`
}

// ReportLogReq is the body for TypeReportLog.
type ReportLogReq struct {
	Name  string   `msgpack:"name"`
	Lines []string `msgpack:"lines"`
}

// Result is the generic success response.
type Result struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// ErrorResult is the generic error response.
type ErrorResult struct {
	Error string `msgpack:"error"`
}

// Float returns a pointer to v, for building records with timers.
func Float(v float64) *float64 {
	return &v
}
