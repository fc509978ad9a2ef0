package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func frame(size uint32, payload []byte) *bytes.Buffer {
	var buf bytes.Buffer
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], size)
	buf.Write(hdr[:])
	buf.Write(payload)
	return &buf
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	sent := []*Envelope{
		NewEnvelopeNoBody(TypeSubscribeStatus, 0),
		NewEnvelopeNoBody(TypeQueryEntities, 7),
		NewErrorEnvelope(8, "nope"),
	}
	for _, e := range sent {
		if err := WriteMsg(&buf, e); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range sent {
		got, err := ReadMsg(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Type != want.Type || got.ID != want.ID {
			t.Errorf("frame %d = %s/%d, want %s/%d", i, got.Type, got.ID, want.Type, want.ID)
		}
	}
	if _, err := ReadMsg(&buf); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestWriteMsgSingleWrite(t *testing.T) {
	w := &countingWriter{}
	if err := WriteMsg(w, NewEnvelopeNoBody(TypeQueryEntities, 1)); err != nil {
		t.Fatal(err)
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestReadMsgErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      io.Reader
		want    error // checked with errors.Is when set
		wantErr bool
	}{
		{name: "empty stream", in: strings.NewReader(""), want: io.EOF},
		{name: "partial header", in: strings.NewReader("ab"), want: io.ErrUnexpectedEOF},
		{name: "partial payload", in: frame(100, make([]byte, 10)), want: io.ErrUnexpectedEOF},
		{name: "oversized", in: frame(MaxMessageSize+1, nil), want: ErrTooLarge},
		{name: "zero size", in: frame(0, nil), wantErr: true},
		{name: "garbage", in: frame(3, []byte{0xff, 0xfe, 0xfd}), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMsg(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriteMsgOversized(t *testing.T) {
	env := &Envelope{Type: TypeStatusUpdate, Body: make([]byte, MaxMessageSize+1)}
	var buf bytes.Buffer
	err := WriteMsg(&buf, env)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes written for a rejected frame", buf.Len())
	}
}

func TestResponseErr(t *testing.T) {
	ok, _ := NewEnvelope(TypeResult, 1, &Result{OK: true})
	if err := ResponseErr(ok); err != nil {
		t.Errorf("result envelope err = %v", err)
	}

	err := ResponseErr(NewErrorEnvelope(2, "unknown worker"))
	var ae *AgentError
	if !errors.As(err, &ae) || ae.Msg != "unknown worker" {
		t.Errorf("err = %v", err)
	}

	long := strings.Repeat("x", 1000)
	if err := ResponseErr(NewErrorEnvelope(3, long)); len(err.Error()) != maxErrorText {
		t.Errorf("len = %d, want %d", len(err.Error()), maxErrorText)
	}

	if err := ResponseErr(NewEnvelopeNoBody(TypeError, 4)); err == nil || err.Error() != "unknown error from agent" {
		t.Errorf("bodiless error = %v", err)
	}
}
