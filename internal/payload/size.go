package payload

import "fmt"

// MaxSize is the largest accepted payload in bytes. The bound is inclusive.
const MaxSize = 64 * 1024

// Size returns the byte length of a serialized payload. Text is measured in UTF-8 bytes.
func Size(d Data) (int, error) {
	switch d.Kind {
	case KindNone:
		return 0, nil
	case KindText:
		return len(d.Text), nil
	case KindBytes:
		return len(d.Bytes), nil
	default:
		return 0, fmt.Errorf("%w: cannot size %s", ErrUnsupportedPayload, d.Kind)
	}
}

// CheckSize returns the payload size, or ErrPayloadTooLarge when it exceeds MaxSize
func CheckSize(d Data) (int, error) {
	n, err := Size(d)
	if err != nil {
		return 0, err
	}
	if n > MaxSize {
		return n, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, n, MaxSize)
	}
	return n, nil
}
