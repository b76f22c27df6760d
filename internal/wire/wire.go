package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_beacon/internal/payload"
)

// MaxFrameSize bounds a single encoded request. JSON escaping grows a string
// at most sixfold, so a MaxURLSize URL and a payload.MaxSize body together
// still fit with room for the envelope.
const MaxFrameSize = 1 << 20

// MaxURLSize bounds the target URL of a beacon
const MaxURLSize = 64 * 1024

// Ack is the byte a worker writes back for every frame it has queued
const Ack byte = 0x06

// ErrFrameTooLarge is returned for frames whose declared length exceeds MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// CheckURL rejects a URL that could push its frame past MaxFrameSize
func CheckURL(url string) error {
	if len(url) > MaxURLSize {
		return fmt.Errorf("%w: url of %d bytes exceeds %d", ErrFrameTooLarge, len(url), MaxURLSize)
	}
	return nil
}

// Request is one beacon crossing from the caller into the worker.
// Data has already passed the size check; the worker never re-validates it.
type Request struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Data         payload.Data      `json:"data"`
	QueuedAt     string            `json:"queued_at"`               // RFC3339Nano, caller clock
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // W3C trace context
}

// NewRequest builds a Request with a fresh ID
func NewRequest(url string, data payload.Data) Request {
	return Request{
		ID:       uuid.NewString(),
		URL:      url,
		Data:     data,
		QueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Encoder writes length-prefixed JSON frames:
// - 4 bytes: payload length (uint32, big endian)
// - N bytes: JSON-encoded Request
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes req as a single frame. Header and body go out in one Write so a frame is
// never interleaved with another writer's.
func (e *Encoder) Encode(req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = e.w.Write(frame)
	return err
}

// Decoder reads frames written by Encoder
type Decoder struct {
	r      io.Reader
	header [4]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame. It returns io.EOF on a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops mid-frame.
func (d *Decoder) Decode() (Request, error) {
	var req Request
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return req, err
	}
	n := binary.BigEndian.Uint32(d.header[:])
	if n > MaxFrameSize {
		return req, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
