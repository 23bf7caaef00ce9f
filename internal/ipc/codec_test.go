package ipc

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/webtap/internal/errs"
)

func collect(t *testing.T, d *Decoder, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		frames, err := d.Process([]byte(c))
		require.NoError(t, err)
		for _, f := range frames {
			out = append(out, string(f))
		}
	}
	return out
}

func TestDecoderSplitsCompleteLines(t *testing.T) {
	d := NewDecoder(0)
	frames := collect(t, d, `{"a":1}`+"\n"+`{"b":2}`+"\n"+`{"c":`)

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, frames)
	assert.Equal(t, len(`{"c":`), d.Buffered())

	frames = collect(t, d, "3}\n")
	assert.Equal(t, []string{`{"c":3}`}, frames)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoderIgnoresBlankLines(t *testing.T) {
	d := NewDecoder(0)
	frames := collect(t, d, "\n\n  \n{\"x\":1}\r\n\n")
	assert.Equal(t, []string{`{"x":1}`}, frames)
}

func TestDecoderChunkBoundaryIndependence(t *testing.T) {
	stream := `{"type":"a_request","sessionId":"s1"}` + "\n" + `{"type":"b_request","sessionId":"s2"}` + "\n"
	want := []string{`{"type":"a_request","sessionId":"s1"}`, `{"type":"b_request","sessionId":"s2"}`}

	t.Run("single byte feed", func(t *testing.T) {
		d := NewDecoder(0)
		var chunks []string
		for i := 0; i < len(stream); i++ {
			chunks = append(chunks, stream[i:i+1])
		}
		assert.Equal(t, want, collect(t, d, chunks...))
	})

	for split := 1; split < len(stream); split++ {
		d := NewDecoder(0)
		got := collect(t, d, stream[:split], stream[split:])
		require.Equal(t, want, got, "split at %d", split)
	}
}

func TestDecoderOverflowWithoutNewline(t *testing.T) {
	const limit = 1024
	d := NewDecoder(limit)

	_, err := d.Process(bytes.Repeat([]byte("x"), limit))
	require.NoError(t, err)
	assert.Equal(t, limit, d.Buffered())

	_, err = d.Process([]byte("y"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBufferOverflow))
	assert.Equal(t, 0, d.Buffered(), "overflowing data must not be appended")
}

func TestDecoderOverflowTenMegabytes(t *testing.T) {
	d := NewDecoder(0)
	chunk := bytes.Repeat([]byte("a"), 1024*1024)

	var err error
	fed := 0
	for i := 0; i < 11 && err == nil; i++ {
		_, err = d.Process(chunk)
		if err == nil {
			fed++
		}
	}

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBufferOverflow))
	assert.Equal(t, 10, fed)
	assert.LessOrEqual(t, d.Buffered(), MaxFrameBytes)
}

func TestDecoderLongTerminatedLineDoesNotOverflow(t *testing.T) {
	d := NewDecoder(16)
	line := strings.Repeat("z", 15)
	frames := collect(t, d, line[:8], line[8:]+"\n")
	assert.Equal(t, []string{line}, frames)
}

func TestToFrameAndParseFrame(t *testing.T) {
	data, err := ToFrame(map[string]string{"type": "status_request", "sessionId": "s1"})
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))

	resp, err := ParseFrame[Response](bytes.TrimSuffix(data, []byte("\n")))
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)

	_, err = ParseFrame[Response]([]byte(`{"type":`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrParse))
}

func TestReadFramesStopsOnCallbackError(t *testing.T) {
	input := strings.NewReader("{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n")
	stop := errors.New("stop")
	var seen int
	err := ReadFrames(input, 0, func(frame []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}
