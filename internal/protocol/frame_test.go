package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version uint8
		payload []byte
		want    []byte
	}{
		{"empty", Version, []byte{}, []byte{}},
		{"text", Version, []byte("hello world"), []byte("hello world")},
		{"trailing newline stripped", Version, []byte("hello\n"), []byte("hello")},
		{"only one newline stripped", Version, []byte("hello\n\n"), []byte("hello\n")},
		{"binary", 7, []byte{0x00, 0xff, 0x0a, 0x01}, []byte{0x00, 0xff, 0x0a, 0x01}},
		{"max readable", Version, bytes.Repeat([]byte("a"), MaxPayload-1), bytes.Repeat([]byte("a"), MaxPayload-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, tt.version, tt.payload))
			assert.Equal(t, HeaderSize+len(tt.payload), buf.Len())

			frame, err := ReadFrame(&buf, MaxPayload)
			require.NoError(t, err)
			assert.Equal(t, tt.version, frame.Version)
			assert.Equal(t, tt.want, frame.Payload)
			assert.Zero(t, buf.Len(), "reader should consume exactly one frame")
		})
	}
}

func TestWriteFrameHeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Version, bytes.Repeat([]byte("x"), 258)))

	raw := buf.Bytes()
	assert.Equal(t, byte(1), raw[0])
	assert.Equal(t, []byte{0x01, 0x02}, raw[1:3])
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Version, make([]byte, MaxPayload+1))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
	assert.Zero(t, buf.Len())
}

func TestReadFrameRejectsDeclaredLengthAtCapacity(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Version, bytes.Repeat([]byte("b"), BufferSize)))
	require.NoError(t, WriteText(&buf, "next"))

	_, err := ReadFrame(&buf, BufferSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// Only the header was consumed; the payload is left for the caller to
	// abandon with the connection rather than being reparsed as a header.
	assert.Equal(t, BufferSize+HeaderSize+len("next"), buf.Len())
}

func TestReadFrameJustBelowCapacity(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Version, bytes.Repeat([]byte("c"), BufferSize-1)))

	frame, err := ReadFrame(&buf, BufferSize)
	require.NoError(t, err)
	assert.Len(t, frame.Payload, BufferSize-1)
}

func TestReadFramePeerClosed(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		_, err := ReadFrame(strings.NewReader(""), BufferSize)
		assert.ErrorIs(t, err, ErrPeerClosed)
	})

	t.Run("partial header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{Version, 0x00}), BufferSize)
		assert.ErrorIs(t, err, ErrPeerClosed)
	})

	t.Run("short payload", func(t *testing.T) {
		raw := []byte{Version, 0, 0}
		binary.BigEndian.PutUint16(raw[1:], 10)
		raw = append(raw, []byte("abc")...)
		_, err := ReadFrame(bytes.NewReader(raw), BufferSize)
		assert.ErrorIs(t, err, ErrPeerClosed)
	})
}

func TestReadFrameOverConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteText(client, "first\n")
		_ = WriteText(client, "second")
		client.Close()
	}()

	first, err := ReadFrame(server, BufferSize)
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text())

	second, err := ReadFrame(server, BufferSize)
	require.NoError(t, err)
	assert.Equal(t, "second", second.Text())

	_, err = ReadFrame(server, BufferSize)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) - 1, nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestWriteFrameFailures(t *testing.T) {
	assert.ErrorIs(t, WriteText(shortWriter{}, "hi"), io.ErrShortWrite)
	assert.ErrorIs(t, WriteText(failingWriter{}, "hi"), io.ErrClosedPipe)
}
