package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// Encoder writes messages as a stream of JSON documents.
type Encoder struct {
	enc sonic.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: sonic.ConfigStd.NewEncoder(w)}
}

// Encode validates and writes one message.
func (e *Encoder) Encode(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.enc.Encode(m)
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	dec sonic.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: sonic.ConfigStd.NewDecoder(r)}
}

// Decode reads the next message. It returns io.EOF when the stream ends
// cleanly. A document that is well-formed JSON but does not fit Message, or
// whose fields do not match its type, yields ErrInvalidMessage (wrapped) and
// leaves the stream usable. Any other error means the stream is broken.
func (d *Decoder) Decode() (Message, error) {
	var frame json.RawMessage
	if err := d.dec.Decode(&frame); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	var m Message
	if err := sonic.ConfigStd.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
