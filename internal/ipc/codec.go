package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/standardbeagle/webtap/internal/errs"
)

// MaxFrameBytes is the default limit on unterminated buffered input
const MaxFrameBytes = 10 * 1024 * 1024

// Decoder splits a byte stream into newline-delimited frames
type Decoder struct {
	buf      []byte
	maxBytes int
}

// NewDecoder creates a decoder. A non-positive maxBytes selects MaxFrameBytes.
func NewDecoder(maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}
	return &Decoder{maxBytes: maxBytes}
}

// Process appends chunk and returns every complete, non-blank line.
// The trailing partial line is kept for the next call. If the unterminated
// remainder would grow past the limit, the buffer is dropped and a
// BufferOverflow error is returned without appending chunk.
func (d *Decoder) Process(chunk []byte) ([][]byte, error) {
	last := bytes.LastIndexByte(chunk, '\n')

	pending := len(d.buf) + len(chunk)
	if last >= 0 {
		pending = len(chunk) - last - 1
	}
	if pending > d.maxBytes {
		d.buf = nil
		return nil, errs.BufferOverflow("decode frame", d.maxBytes)
	}

	if last < 0 {
		d.buf = append(d.buf, chunk...)
		return nil, nil
	}

	data := append(d.buf, chunk[:last]...)
	var frames [][]byte
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		frames = append(frames, frame)
	}

	d.buf = append([]byte(nil), chunk[last+1:]...)
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete line
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any buffered partial line
func (d *Decoder) Reset() {
	d.buf = nil
}

// ToFrame serializes v as a single JSON line terminated by '\n'
func ToFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseFrame decodes one line into T
func ParseFrame[T any](line []byte) (T, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return v, errs.Parse("parse frame", err)
	}
	return v, nil
}

// ReadFrames reads r until EOF or error, calling fn for each frame. A non-nil
// error from fn stops the loop and is returned. io.EOF is reported as nil.
func ReadFrames(r io.Reader, maxBytes int, fn func(frame []byte) error) error {
	dec := NewDecoder(maxBytes)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, perr := dec.Process(buf[:n])
			if perr != nil {
				return perr
			}
			for _, f := range frames {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
