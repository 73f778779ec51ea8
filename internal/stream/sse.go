package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes events as server-sent-event frames:
//
//	event: <type>
//	data: <json>
//	<blank line>
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w. If w is an http.Flusher it is
// flushed after every frame.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame.
func (enc *Encoder) Encode(e Event) error {
	raw, err := e.data()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(enc.w, "event: %s\ndata: %s\n\n", e.Type, raw); err != nil {
		return err
	}
	if f, ok := enc.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Decoder extracts complete frames from an arbitrarily chunked byte stream.
// Bytes past the last frame boundary are buffered until more input arrives.
type Decoder struct {
	buf bytes.Buffer
}

// Write appends a chunk of raw stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next returns the next complete event, or ok=false if no full frame is buffered yet.
func (d *Decoder) Next() (Event, bool, error) {
	for {
		frame, ok := d.cut()
		if !ok {
			return Event{}, false, nil
		}
		ev, empty, err := parseFrame(frame)
		if err != nil {
			return Event{}, false, err
		}
		if empty {
			continue
		}
		return ev, true, nil
	}
}

// Buffered returns the number of bytes held back waiting for a frame boundary.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// cut removes and returns the bytes up to the first blank line.
func (d *Decoder) cut() ([]byte, bool) {
	b := d.buf.Bytes()
	i, sep := bytes.Index(b, []byte("\n\n")), 2
	if j := bytes.Index(b, []byte("\r\n\r\n")); j >= 0 && (i < 0 || j < i) {
		i, sep = j, 4
	}
	if i < 0 {
		return nil, false
	}
	frame := make([]byte, i)
	copy(frame, b[:i])
	d.buf.Next(i + sep)
	return frame, true
}

func parseFrame(frame []byte) (Event, bool, error) {
	var typ Type
	var data bytes.Buffer
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			typ = Type(value)
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(value)
		}
	}
	if typ == "" && data.Len() == 0 {
		return Event{}, true, nil
	}
	var ev Event
	if typ == "" {
		// No event line: the data carries the tagged form.
		if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
			return Event{}, false, fmt.Errorf("stream: decode frame: %w", err)
		}
		return ev, false, nil
	}
	if err := ev.decode(typ, data.Bytes()); err != nil {
		return Event{}, false, fmt.Errorf("stream: decode %s frame: %w", typ, err)
	}
	return ev, false, nil
}

// ReadAll reads r until EOF, handing every complete event to fn in order.
// It stops early if fn returns an error.
func ReadAll(r io.Reader, fn func(Event) error) error {
	var dec Decoder
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			dec.Write(chunk[:n])
			for {
				ev, ok, derr := dec.Next()
				if derr != nil {
					return derr
				}
				if !ok {
					break
				}
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if dec.Buffered() > 0 {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
