// Package protocol implements the framed wire format shared by the chat
// engine, the admin supervisor and clients.
//
// A frame is a version byte, a big-endian uint16 payload length and the
// payload itself. One logical message is exactly one frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// Version is the only protocol version currently spoken.
	Version uint8 = 1

	// HeaderSize is the size of the version byte plus the length field.
	HeaderSize = 3

	// MaxPayload is the largest capacity a reader may pass to ReadFrame.
	// Frames declaring a length >= the capacity are rejected, so the largest
	// payload that can be read is MaxPayload-1 bytes.
	MaxPayload = math.MaxUint16

	// BufferSize is the receive capacity used by the chat engine and the
	// supervisor.
	BufferSize = 1024
)

var (
	// ErrFrameTooLarge is returned when a peer declares a payload that does
	// not fit the reader's capacity. The stream cannot be resynchronized and
	// the connection should be closed.
	ErrFrameTooLarge = errors.New("frame exceeds buffer capacity")

	// ErrPayloadTooLarge is returned when asked to send more than a uint16
	// length can describe.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame length")

	// ErrPeerClosed is returned when the peer goes away before a whole frame
	// arrived.
	ErrPeerClosed = errors.New("peer closed connection")
)

// Frame is one decoded protocol message.
type Frame struct {
	Version uint8
	Payload []byte
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// WriteFrame sends a complete frame in a single write.
func WriteFrame(w io.Writer, version uint8, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = version
	binary.BigEndian.PutUint16(buf[1:HeaderSize], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)

	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("write frame: %w", io.ErrShortWrite)
	}
	return nil
}

// WriteText sends text as a version 1 frame.
func WriteText(w io.Writer, text string) error {
	return WriteFrame(w, Version, []byte(text))
}

// ReadFrame reads exactly one frame. A declared length >= maxPayload fails
// with ErrFrameTooLarge after consuming only the header. A single trailing
// newline is stripped from the payload.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, readErr(err)
	}

	frame := Frame{Version: header[0]}
	length := int(binary.BigEndian.Uint16(header[1:HeaderSize]))
	if length >= maxPayload {
		return frame, fmt.Errorf("%w: declared %d, capacity %d", ErrFrameTooLarge, length, maxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame, readErr(err)
	}
	if length > 0 && payload[length-1] == '\n' {
		payload = payload[:length-1]
	}
	frame.Payload = payload
	return frame, nil
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return fmt.Errorf("read frame: %w", err)
}
