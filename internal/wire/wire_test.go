package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_beacon/internal/payload"
)

func TestNewRequest(t *testing.T) {
	before := time.Now().UTC()
	req := NewRequest("http://h/p", payload.Data{Kind: payload.KindText, Text: "a=b"})
	after := time.Now().UTC()

	if req.ID == "" {
		t.Error("NewRequest() ID is empty")
	}
	if req.URL != "http://h/p" {
		t.Errorf("NewRequest() URL = %q, want %q", req.URL, "http://h/p")
	}
	queued, err := time.Parse(time.RFC3339Nano, req.QueuedAt)
	if err != nil {
		t.Fatalf("NewRequest() QueuedAt parse error: %v", err)
	}
	if queued.Before(before) || queued.After(after) {
		t.Errorf("NewRequest() QueuedAt %v not between %v and %v", queued, before, after)
	}

	other := NewRequest("http://h/p", payload.Data{})
	if other.ID == req.ID {
		t.Errorf("NewRequest() reused ID %q", req.ID)
	}
}

func TestEncodeDecodeStream(t *testing.T) {
	reqs := []Request{
		NewRequest("http://h/1", payload.Data{}),
		NewRequest("http://h/2", payload.Data{Kind: payload.KindText, Text: "hello"}),
		NewRequest("https://h/3", payload.Data{Kind: payload.KindBytes, Bytes: []byte{0, 1, 2, 255}}),
	}
	reqs[2].TraceHeaders = map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, r := range reqs {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range reqs {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() #%d error: %v", i, err)
		}
		if got.ID != want.ID || got.URL != want.URL {
			t.Errorf("Decode() #%d = %s %s, want %s %s", i, got.ID, got.URL, want.ID, want.URL)
		}
		if got.Data.Kind != want.Data.Kind || !bytes.Equal(got.Data.Content(), want.Data.Content()) {
			t.Errorf("Decode() #%d data = %+v, want %+v", i, got.Data, want.Data)
		}
		if got.TraceHeaders["traceparent"] != want.TraceHeaders["traceparent"] {
			t.Errorf("Decode() #%d trace headers = %v, want %v", i, got.TraceHeaders, want.TraceHeaders)
		}
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end of stream error = %v, want io.EOF", err)
	}
}

func TestTextBodyIsByteExactAcrossFrame(t *testing.T) {
	data, err := payload.Serialize(payload.Text("ok\xff<&>\x01"))
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	want, _ := payload.Size(data)

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(NewRequest("http://h/p", data)); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !bytes.Equal(got.Data.Content(), data.Content()) {
		t.Errorf("decoded body = %x, want %x", got.Data.Content(), data.Content())
	}
	if n := len(got.Data.Content()); n != want {
		t.Errorf("decoded body is %d bytes, measured %d", n, want)
	}
}

func TestCheckURL(t *testing.T) {
	if err := CheckURL("http://h/" + strings.Repeat("a", 100)); err != nil {
		t.Errorf("CheckURL(short) error = %v, want nil", err)
	}
	if err := CheckURL("http://h/" + strings.Repeat("a", MaxURLSize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("CheckURL(long) error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestWorstCaseFrameFits(t *testing.T) {
	// Control characters escape to six bytes each in JSON
	url := "http://h/" + strings.Repeat("<", MaxURLSize-len("http://h/"))
	data := payload.Data{Kind: payload.KindText, Text: strings.Repeat("\x01", payload.MaxSize)}
	if err := CheckURL(url); err != nil {
		t.Fatalf("CheckURL() error: %v", err)
	}
	if err := NewEncoder(io.Discard).Encode(NewRequest(url, data)); err != nil {
		t.Errorf("Encode() of largest accepted beacon error: %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)

	truncated := make([]byte, 4, 8)
	binary.BigEndian.PutUint32(truncated, 10)
	truncated = append(truncated, []byte("abc")...)

	garbage := make([]byte, 4)
	binary.BigEndian.PutUint32(garbage, 3)
	garbage = append(garbage, []byte("{{{")...)

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "oversized frame", input: oversized, wantErr: ErrFrameTooLarge},
		{name: "truncated body", input: truncated, wantErr: io.ErrUnexpectedEOF},
		{name: "partial header", input: []byte{0, 0}, wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader(tt.input)).Decode()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		if _, err := NewDecoder(bytes.NewReader(garbage)).Decode(); err == nil {
			t.Error("Decode() expected error for malformed JSON")
		}
	})
}

type countingWriter struct {
	writes int
	bytes.Buffer
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestEncodeSingleWrite(t *testing.T) {
	w := &countingWriter{}
	if err := NewEncoder(w).Encode(NewRequest("http://h/p", payload.Data{Kind: payload.KindText, Text: "x"})); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if w.writes != 1 {
		t.Errorf("Encode() issued %d writes, want 1", w.writes)
	}
}
