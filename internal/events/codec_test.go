package events

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

var testTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func TestEncodeFraming(t *testing.T) {
	frame, err := Encode(Typing{SenderID: "alice", IsTyping: true}, testTime)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := "event: typing\n" +
		`data: {"type":"typing","timestamp":"2024-05-06T07:08:09Z","senderId":"alice","isTyping":true}` + "\n\n"
	if string(frame) != want {
		t.Fatalf("Encode() =\n%q\nwant\n%q", frame, want)
	}
}

func TestEncodeHeartbeatUsesOwnTimestamp(t *testing.T) {
	frame, err := Encode(Heartbeat{Timestamp: testTime}, time.Now())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Count(string(frame), "timestamp") != 1 {
		t.Fatalf("expected a single timestamp field: %q", frame)
	}
	if !strings.Contains(string(frame), "2024-05-06T07:08:09Z") {
		t.Fatalf("heartbeat timestamp not preserved: %q", frame)
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil, testTime); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	msg := models.Message{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hi", CreatedAt: testTime}
	cases := []Event{
		Connected{UserID: "alice"},
		OnlineUsers{Users: []string{"alice", "bob"}},
		UserStatus{UserID: "bob", IsOnline: false},
		NewMessage{SenderID: "alice", Message: msg},
		MessageSent{Message: msg},
		Typing{SenderID: "alice", IsTyping: true},
		Heartbeat{Timestamp: testTime},
	}

	var stream strings.Builder
	for _, ev := range cases {
		frame, err := Encode(ev, testTime)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", ev.Type(), err)
		}
		stream.Write(frame)
	}

	dec := NewDecoder(strings.NewReader(stream.String()))
	for _, want := range cases {
		frame, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if frame.Event != want.Type() {
			t.Fatalf("frame type = %q, want %q", frame.Event, want.Type())
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", want.Type(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Decode() = %#v, want %#v", got, want)
		}
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestDecoderHandlesCommentsMultilineAndCRLF(t *testing.T) {
	input := ": keepalive\r\n" +
		"id: 7\r\n" +
		"event: user-status\r\n" +
		"data: {\"userId\":\"bob\",\r\n" +
		"data: \"isOnline\":true}\r\n" +
		"\r\n"
	frame, err := NewDecoder(strings.NewReader(input)).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	status, ok := ev.(UserStatus)
	if !ok {
		t.Fatalf("expected UserStatus, got %T", ev)
	}
	if status.UserID != "bob" || !status.IsOnline {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestDecoderTruncatedFrame(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("event: typing\ndata: {}\n")).Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

// filler yields an endless run of 'x' with no line terminator.
type filler struct{ read int }

func (f *filler) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	f.read += len(p)
	return len(p), nil
}

func TestDecoderRejectsOverlongLine(t *testing.T) {
	src := &filler{}
	dec := NewDecoder(io.MultiReader(strings.NewReader("event: typing\ndata: "), io.LimitReader(src, 64*MaxFrameBytes)))

	_, err := dec.Next()
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("Next() error = %v, want ErrMalformedEvent", err)
	}
	if src.read > 2*MaxFrameBytes {
		t.Fatalf("read %d bytes before rejecting the line", src.read)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "unknown type", frame: Frame{Event: "presence", Data: []byte(`{}`)}},
		{name: "invalid json", frame: Frame{Event: TypeTyping, Data: []byte(`{"senderId":`)}},
		{name: "wrong field type", frame: Frame{Event: TypeTyping, Data: []byte(`{"isTyping":"yes"}`)}},
		{name: "empty data", frame: Frame{Event: TypeConnected}},
		{name: "untyped garbage", frame: Frame{Data: []byte(`not json`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("Decode() error = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestDecodeUsesTypeTagWhenEventLineMissing(t *testing.T) {
	ev, err := Decode(Frame{Data: []byte(`{"type":"connected","userId":"carol"}`)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got, ok := ev.(Connected); !ok || got.UserID != "carol" {
		t.Fatalf("Decode() = %#v", ev)
	}
}

func TestDecodeMessage(t *testing.T) {
	frame, err := Encode(Connected{UserID: "dave"}, testTime)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	ev, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if ev.(Connected).UserID != "dave" {
		t.Fatalf("unexpected event %#v", ev)
	}
	if _, err := DecodeMessage(nil); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed error for empty message, got %v", err)
	}
}

func TestKnown(t *testing.T) {
	if !Known(TypeHeartbeat) {
		t.Fatal("heartbeat should be known")
	}
	if Known("reload") {
		t.Fatal("reload should not be known")
	}
}
