package wire

/*
				Streamgate Wire - upstream RPC framing
	The upstream store speaks a simple request/response protocol: each frame
	is a 4-byte big-endian length followed by a JSON body. Requests carry a
	correlation id, a method name and the encoded arguments; responses echo
	the id and carry either a result or a typed error.
*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/streamgate/streamgate/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFrameSize bounds a single frame. Chunk payloads top out at 1 MiB, so
// anything past this is a protocol violation, not a big file.
const MaxFrameSize = 8 << 20

// Upstream error codes carried in response frames.
const (
	CodeFloodWait        = "FLOOD_WAIT"
	CodeAuthBytesInvalid = "AUTH_BYTES_INVALID"
	CodeFileNotFound     = "FILE_NOT_FOUND"
)

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

type Request struct {
	ID     uint64              `json:"id"`
	Method string              `json:"method"`
	Args   jsoniter.RawMessage `json:"args,omitempty"`
}

type Response struct {
	ID     uint64              `json:"id"`
	Error  *Error              `json:"error,omitempty"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
}

// Error is the typed failure an upstream DC returns in-band.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s", e.Code)
}

// ToDomain maps a wire error onto the gateway's error taxonomy. Unknown
// codes pass through unchanged so callers can still log them.
func (e *Error) ToDomain() error {
	switch e.Code {
	case CodeFloodWait:
		return &domain.FloodWaitError{Seconds: e.Seconds}
	case CodeAuthBytesInvalid:
		return domain.ErrAuthBytesInvalid
	case CodeFileNotFound:
		return domain.ErrFileNotFound
	default:
		return e
	}
}

// WriteFrame encodes v as JSON and writes one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}
