package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// MaxFrameBytes bounds a single decoded frame.
const MaxFrameBytes = 1 << 20

// Frame is one framed event before its payload is decoded.
type Frame struct {
	Event Type
	Data  []byte
}

type envelope struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders ev as a text-event frame stamped with ts.
func Encode(ev Event, ts time.Time) ([]byte, error) {
	payload, err := MarshalPayload(ev, ts)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(Frame{Event: ev.Type(), Data: payload}), nil
}

// MarshalPayload returns the JSON payload of ev including the type tag and timestamp.
func MarshalPayload(ev Event, ts time.Time) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	body := []byte("{}")
	switch e := ev.(type) {
	case Heartbeat:
		// the heartbeat's own timestamp is the envelope timestamp
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp
		}
	case *Heartbeat:
		if e != nil && !e.Timestamp.IsZero() {
			ts = e.Timestamp
		}
	default:
		var err error
		body, err = json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
		}
	}

	head, err := json.Marshal(envelope{Type: ev.Type(), Timestamp: ts.UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// EncodeFrame writes the framing for f. Multi-line data becomes several data lines.
func EncodeFrame(f Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(string(f.Event))
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(f.Data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(strings.TrimSuffix(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Decode parses the payload of f into its concrete event type.
func Decode(f Frame) (Event, error) {
	t := f.Event
	if t == "" {
		var env envelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		t = env.Type
	}
	factory, ok := factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, t)
	}
	target := factory()
	if err := json.Unmarshal(f.Data, target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, t, err)
	}
	return deref(target), nil
}

// DecodeMessage decodes a single frame delivered as one message, as on the
// WebSocket transport.
func DecodeMessage(data []byte) (Event, error) {
	frame, err := NewDecoder(bytes.NewReader(data)).Next()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty message", ErrMalformedEvent)
		}
		return nil, err
	}
	return Decode(frame)
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *Connected:
		return *e
	case *OnlineUsers:
		return *e
	case *UserStatus:
		return *e
	case *NewMessage:
		return *e
	case *MessageSent:
		return *e
	case *Typing:
		return *e
	case *Heartbeat:
		return *e
	}
	return ev
}

// Decoder reads frames from an unbroken byte stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// maxLineBytes leaves room for the field name around a full-size data line.
const maxLineBytes = MaxFrameBytes + 64

// readLine returns the next line including its terminator. A line longer
// than maxLineBytes is rejected before it is fully buffered.
func (d *Decoder) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineBytes {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedEvent, maxLineBytes)
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), err
	}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends inside one.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame   Frame
		data    bytes.Buffer
		started bool
		lines   int
	)
	for {
		line, err := d.readLine()
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				if started {
					return Frame{}, io.ErrUnexpectedEOF
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !started {
				continue
			}
			frame.Data = data.Bytes()
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = Type(value)
			started = true
		case "data":
			if lines > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			lines++
			started = true
			if data.Len() > MaxFrameBytes {
				return Frame{}, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedEvent, MaxFrameBytes)
			}
		}

		if err == io.EOF {
			// stream ended without the terminating blank line
			return Frame{}, io.ErrUnexpectedEOF
		}
	}
}
