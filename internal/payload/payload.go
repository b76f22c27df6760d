package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"
)

var (
	// ErrUnsupportedPayload is returned for input shapes that cannot be sent as text or bytes.
	ErrUnsupportedPayload = errors.New("unsupported payload")
	// ErrPayloadTooLarge is returned when a serialized payload exceeds MaxSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Kind tags the canonical form of a serialized payload
type Kind uint8

const (
	KindNone Kind = iota
	KindText
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler so Kind travels as a readable tag
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindNone, KindText, KindBytes:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, k)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*k = KindNone
	case "text":
		*k = KindText
	case "bytes":
		*k = KindBytes
	default:
		return fmt.Errorf("%w: kind %q", ErrUnsupportedPayload, string(b))
	}
	return nil
}

// Data is the canonical serialized payload: no body, a text body, or a byte body.
// It never carries the caller's original input type.
type Data struct {
	Kind  Kind   `json:"kind"`
	Text  string `json:"text,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// IsEmpty reports whether the payload carries no body at all
func (d Data) IsEmpty() bool {
	return d.Kind == KindNone
}

// Content returns the body bytes to write on the wire
func (d Data) Content() []byte {
	switch d.Kind {
	case KindText:
		return []byte(d.Text)
	case KindBytes:
		return d.Bytes
	default:
		return nil
	}
}

// Body is any input shape accepted by a beacon. The set of implementations is closed:
// Text, Params, *Blob, View, Buffer and FormData.
type Body interface {
	serialize() (Data, error)
}

// Text is sent as UTF-8. Invalid byte sequences become U+FFFD before the
// size is measured, so the worker posts exactly the bytes that were checked.
type Text string

func (t Text) serialize() (Data, error) {
	return Data{Kind: KindText, Text: strings.ToValidUTF8(string(t), "\uFFFD")}, nil
}

// Params is a query-parameter collection sent as its encoded query string
type Params url.Values

func (p Params) serialize() (Data, error) {
	return Data{Kind: KindText, Text: url.Values(p).Encode()}, nil
}

// Blob is an immutable binary object
type Blob struct {
	contentType string
	data        []byte
}

// NewBlob concatenates parts into a new Blob. The parts are copied.
func NewBlob(contentType string, parts ...[]byte) *Blob {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	data := make([]byte, 0, n)
	for _, p := range parts {
		data = append(data, p...)
	}
	return &Blob{contentType: contentType, data: data}
}

// Type returns the media type the blob was created with
func (b *Blob) Type() string { return b.contentType }

// Len returns the blob size in bytes
func (b *Blob) Len() int { return len(b.data) }

// Bytes returns a copy of the blob contents
func (b *Blob) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *Blob) serialize() (Data, error) {
	if b == nil {
		return Data{}, fmt.Errorf("%w: nil blob", ErrUnsupportedPayload)
	}
	return Data{Kind: KindBytes, Bytes: b.Bytes()}, nil
}

// View is a window of Length bytes starting at Offset into a larger buffer.
// Only the windowed bytes are sent.
type View struct {
	Buf    []byte
	Offset int
	Length int
}

func (v View) serialize() (Data, error) {
	if v.Offset < 0 || v.Length < 0 || v.Offset > len(v.Buf) || v.Length > len(v.Buf)-v.Offset {
		return Data{}, fmt.Errorf("%w: view [%d:+%d] outside buffer of %d bytes",
			ErrUnsupportedPayload, v.Offset, v.Length, len(v.Buf))
	}
	out := make([]byte, v.Length)
	copy(out, v.Buf[v.Offset:v.Offset+v.Length])
	return Data{Kind: KindBytes, Bytes: out}, nil
}

// Buffer is a raw buffer sent in full
type Buffer []byte

func (b Buffer) serialize() (Data, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return Data{Kind: KindBytes, Bytes: out}, nil
}

// FormData is multipart form data. It is never accepted: a beacon body has no way to carry the
// multipart boundary that the receiver would need.
type FormData struct {
	Form *multipart.Form
}

func (FormData) serialize() (Data, error) {
	return Data{}, fmt.Errorf("%w: multipart form data is not supported", ErrUnsupportedPayload)
}

// Serialize resolves a Body to its canonical Data. A nil Body yields an empty payload.
// It performs no I/O.
func Serialize(b Body) (Data, error) {
	if b == nil {
		return Data{Kind: KindNone}, nil
	}
	return b.serialize()
}

// From maps untyped Go values onto a Body
func From(v any) (Body, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Body:
		return x, nil
	case string:
		return Text(x), nil
	case []byte:
		return Buffer(x), nil
	case url.Values:
		return Params(x), nil
	case *multipart.Form:
		return FormData{Form: x}, nil
	case json.RawMessage:
		return Buffer(x), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, v)
	}
}
