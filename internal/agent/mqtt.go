package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/thobiasn/beacon/internal/protocol"
)

// MQTTSource subscribes to worker status messages on a broker and feeds
// them into the worker registry.
//
// Payloads are JSON, either one record object or an array of them. Field
// names may be snake_case or camelCase. When a record has no name, the last
// topic segment is used (beacon/status/arm names "arm").
type MQTTSource struct {
	cfg     MQTTConfig
	workers *Workers
	client  mqtt.Client
}

// NewMQTTSource creates a source. Call Start to connect.
func NewMQTTSource(cfg MQTTConfig, workers *Workers) *MQTTSource {
	return &MQTTSource{cfg: cfg, workers: workers}
}

// Start connects to the broker. The client reconnects on its own after a
// lost connection and resubscribes in onConnect.
func (m *MQTTSource) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", m.cfg.Broker, "error", err)
	})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, token.Error())
	}
	slog.Info("mqtt connected", "broker", m.cfg.Broker, "topic", m.cfg.Topic)
	return nil
}

// Stop disconnects from the broker.
func (m *MQTTSource) Stop() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

func (m *MQTTSource) onConnect(client mqtt.Client) {
	token := client.Subscribe(m.cfg.Topic, 0, m.onMessage)
	if token.Wait() && token.Error() != nil {
		slog.Error("mqtt subscribe", "topic", m.cfg.Topic, "error", token.Error())
	}
}

func (m *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.handle(msg.Topic(), msg.Payload())
}

func (m *MQTTSource) handle(topic string, payload []byte) {
	recs, err := decodeStatusPayload(payload, topicName(topic))
	if err != nil {
		slog.Warn("mqtt payload", "topic", topic, "error", err)
		return
	}
	if err := m.workers.Report(context.Background(), recs); err != nil {
		slog.Warn("mqtt report", "topic", topic, "error", err)
	}
}

func topicName(topic string) string {
	topic = strings.TrimRight(topic, "/")
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

var errBadPayload = errors.New("payload must be a JSON object or array of objects")

// decodeStatusPayload parses records without failing on odd field types:
// a timer that is not a number (or numeric string) becomes absent, and
// active may be a bool or a string.
func decodeStatusPayload(data []byte, fallbackName string) ([]protocol.StatusRecord, error) {
	root := jsoniter.Get(data)
	var items []jsoniter.Any
	switch root.ValueType() {
	case jsoniter.ObjectValue:
		items = append(items, root)
	case jsoniter.ArrayValue:
		for i := 0; i < root.Size(); i++ {
			items = append(items, root.Get(i))
		}
	default:
		return nil, errBadPayload
	}

	out := make([]protocol.StatusRecord, 0, len(items))
	for _, it := range items {
		if it.ValueType() != jsoniter.ObjectValue {
			return nil, errBadPayload
		}
		rec := decodeRecord(it)
		if rec.Name == "" {
			rec.Name = fallbackName
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(v jsoniter.Any) protocol.StatusRecord {
	return protocol.StatusRecord{
		Name:           anyString(v, "name"),
		Group:          anyString(v, "group"),
		Active:         anyActive(v.Get("active")),
		Status:         anyString(v, "status"),
		Description:    anyString(v, "description"),
		Errors:         anyString(v, "errors"),
		LogEndpoint:    anyString(v, "log_endpoint", "logEndpoint"),
		StreamEndpoint: anyString(v, "stream_endpoint", "streamEndpoint"),
		Create:         anyFloat(v, "create"),
		RunPeriodic:    anyFloat(v, "run_periodic", "runPeriodic"),
		Shutdown:       anyFloat(v, "shutdown"),
		Close:          anyFloat(v, "close"),
		Capabilities:   anyStrings(v.Get("capabilities")),
		StreamShape:    anyInts(v, "stream_shape", "streamShape"),
	}
}

// field returns the first of keys present on v.
func field(v jsoniter.Any, keys ...string) jsoniter.Any {
	for _, k := range keys {
		f := v.Get(k)
		if f.ValueType() != jsoniter.InvalidValue && f.ValueType() != jsoniter.NilValue {
			return f
		}
	}
	return nil
}

func anyString(v jsoniter.Any, keys ...string) string {
	f := field(v, keys...)
	if f == nil {
		return ""
	}
	switch f.ValueType() {
	case jsoniter.StringValue, jsoniter.NumberValue, jsoniter.BoolValue:
		return f.ToString()
	}
	return ""
}

func anyActive(f jsoniter.Any) string {
	switch f.ValueType() {
	case jsoniter.BoolValue:
		if f.ToBool() {
			return ActiveLabel
		}
		return InactiveLabel
	case jsoniter.StringValue:
		return f.ToString()
	}
	return ""
}

func anyFloat(v jsoniter.Any, keys ...string) *float64 {
	f := field(v, keys...)
	if f == nil {
		return nil
	}
	switch f.ValueType() {
	case jsoniter.NumberValue:
		return protocol.Float(f.ToFloat64())
	case jsoniter.StringValue:
		n, err := strconv.ParseFloat(strings.TrimSpace(f.ToString()), 64)
		if err != nil {
			return nil
		}
		return protocol.Float(n)
	}
	return nil
}

// anyStrings accepts a JSON array of strings or one comma-separated string.
func anyStrings(f jsoniter.Any) []string {
	switch f.ValueType() {
	case jsoniter.ArrayValue:
		out := make([]string, 0, f.Size())
		for i := 0; i < f.Size(); i++ {
			if s := f.Get(i); s.ValueType() == jsoniter.StringValue {
				out = append(out, s.ToString())
			}
		}
		return out
	case jsoniter.StringValue:
		return splitList(f.ToString())
	}
	return nil
}

func anyInts(v jsoniter.Any, keys ...string) []int {
	f := field(v, keys...)
	if f == nil || f.ValueType() != jsoniter.ArrayValue {
		return nil
	}
	out := make([]int, 0, f.Size())
	for i := 0; i < f.Size(); i++ {
		if n := f.Get(i); n.ValueType() == jsoniter.NumberValue {
			out = append(out, n.ToInt())
		}
	}
	return out
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
