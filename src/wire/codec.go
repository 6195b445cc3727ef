package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// MaxFrameSize is the maximum size, in bytes, of a single wire frame
// (type tag + payload). Frames declaring a bigger length are rejected
// before any payload is read, so a malicious peer cannot make us allocate
// unbounded memory.
const MaxFrameSize = 2 * 1024 * 1024

// FramingError reports a malformed or oversized frame. It always results in
// the connection being torn down by the caller.
type FramingError struct {
	Reason string
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

/*
The wire envelope is a 4-byte big-endian length, followed by a 1-byte type
tag, followed by a type-specific payload. The length covers the tag and the
payload. Payloads are encoded with CBOR (ugorji codec), which is compact and
self-describing enough to evolve message fields.
*/

// Encode serializes a message into a framed byte slice. A message whose
// payload would not fit in a single frame yields a *FramingError, so an
// oversized frame is never put on the wire.
func Encode(m Message) ([]byte, error) {
	var payload []byte

	ch := new(codec.CborHandle)
	enc := codec.NewEncoderBytes(&payload, ch)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	if 1+len(payload) > MaxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", 1+len(payload), MaxFrameSize)}
	}

	frame := make([]byte, 0, 5+len(payload))

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(1+len(payload)))

	frame = append(frame, length[:]...)
	frame = append(frame, byte(m.Type()))
	frame = append(frame, payload...)

	return frame, nil
}

// WriteMessage encodes m and writes the full frame to w.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)

	return err
}

// ReadMessage reads a single framed message from r. It returns a
// *FramingError when the declared length exceeds MaxFrameSize or when the
// type tag is unrecognized; both cases require the caller to terminate the
// connection.
func ReadMessage(r io.Reader) (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length < 1 {
		return nil, &FramingError{Reason: "empty frame"}
	}

	if length > MaxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", length, MaxFrameSize)}
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	return Decode(frame)
}

// Decode deserializes a frame body (type tag + payload) into a message.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 1 {
		return nil, &FramingError{Reason: "empty frame"}
	}

	if len(frame) > MaxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(frame), MaxFrameSize)}
	}

	msg := newMessage(MsgType(frame[0]))
	if msg == nil {
		return nil, &FramingError{Reason: fmt.Sprintf("unknown message tag %d", frame[0])}
	}

	ch := new(codec.CborHandle)
	dec := codec.NewDecoder(bytes.NewReader(frame[1:]), ch)

	if err := dec.Decode(msg); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("undecodable %s payload: %v", msg.Type(), err)}
	}

	return msg, nil
}

func newMessage(t MsgType) Message {
	switch t {
	case TagHello:
		return &Hello{}
	case TagHelloAck:
		return &HelloAck{}
	case TagPing:
		return &Ping{}
	case TagPong:
		return &Pong{}
	case TagPeerListRequest:
		return &PeerListRequest{}
	case TagPeerListResponse:
		return &PeerListResponse{}
	case TagBlockRequest:
		return &BlockRequest{}
	case TagBlockResponse:
		return &BlockResponse{}
	case TagNewBlockAnnouncement:
		return &NewBlockAnnouncement{}
	case TagTransactionBroadcast:
		return &TransactionBroadcast{}
	default:
		return nil
	}
}
