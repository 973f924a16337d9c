// Package sidechannel carries population counts from the chat engine to the
// supervisor over a one-way byte stream.
//
// Each record is a fixed-size big-endian uint32. Only the most recent value
// matters, so the publisher coalesces bursts of changes into one write.
package sidechannel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// RecordSize is the encoded size of one population record.
const RecordSize = 4

// WriteCount writes one population record.
func WriteCount(w io.Writer, count int) error {
	if count < 0 {
		count = 0
	}
	var buf [RecordSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write population: %w", err)
	}
	return nil
}

// ReadCount reads one population record. It returns io.EOF once the writer
// side is closed.
func ReadCount(r io.Reader) (int, error) {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, io.EOF
		}
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// Publisher writes the current population whenever it is notified.
// Notifications that arrive while a write is pending are merged, and the
// value is sampled at write time, so the last record written always reflects
// the state after the last notification.
type Publisher struct {
	w      io.Writer
	source func() int
	notify chan struct{}
	logger zerolog.Logger
}

// NewPublisher creates a publisher that samples source and writes to w.
func NewPublisher(w io.Writer, source func() int, logger zerolog.Logger) *Publisher {
	return &Publisher{
		w:      w,
		source: source,
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Notify schedules a write. It never blocks. A nil publisher is a no-op.
func (p *Publisher) Notify() {
	if p == nil {
		return
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run writes records until ctx is done or the stream breaks.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.notify:
			count := p.source()
			if err := WriteCount(p.w, count); err != nil {
				p.logger.Error().Err(err).Msg("population side channel closed")
				return err
			}
			p.logger.Debug().Int("population", count).Msg("population published")
		}
	}
}
