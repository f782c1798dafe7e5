package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"chatmux/internal/domain"
)

// DeltaFunc extracts the incremental text from one SSE data payload. An
// empty string with a nil error means the event carries no text.
type DeltaFunc func(data []byte) (string, error)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// StreamDecoder turns a server-sent-events body into text deltas. Lines may
// be split across reads arbitrarily. Only data: lines are considered; a
// malformed event is logged and skipped. A decoder is single use: once Next
// returns an error it keeps returning it.
type StreamDecoder struct {
	r         *bufio.Reader
	extract   DeltaFunc
	logger    *slog.Logger
	delivered int
	err       error
}

// NewStreamDecoder creates a decoder over r.
func NewStreamDecoder(r io.Reader, extract DeltaFunc, logger *slog.Logger) *StreamDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamDecoder{
		r:       bufio.NewReaderSize(r, 16*1024),
		extract: extract,
		logger:  logger,
	}
}

// Next returns the next non-empty delta. It returns io.EOF after the [DONE]
// sentinel or a clean end of body, and the read error otherwise.
func (d *StreamDecoder) Next() (string, error) {
	if d.err != nil {
		return "", d.err
	}
	for {
		line, rerr := d.r.ReadBytes('\n')

		delta, done := d.decodeLine(line)
		if done {
			d.err = io.EOF
			return "", io.EOF
		}
		if delta != "" {
			// A final unterminated line still counts; the read error
			// surfaces on the following call.
			if rerr != nil {
				d.err = rerr
			}
			d.delivered++
			return delta, nil
		}
		if rerr != nil {
			d.err = rerr
			return "", rerr
		}
	}
}

// Delivered reports how many deltas Next has returned.
func (d *StreamDecoder) Delivered() int { return d.delivered }

func (d *StreamDecoder) decodeLine(line []byte) (delta string, done bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", false
	}
	data := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	if len(data) == 0 {
		return "", false
	}
	if bytes.Equal(data, doneSentinel) {
		return "", true
	}

	text, err := d.extract(data)
	if err != nil {
		d.logger.Warn("skipping malformed stream event", "error", err, "data", truncate(data, 200))
		return "", false
	}
	return text, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// pumpStream drains dec into onDelta until the stream ends. After ctx is
// done no further delta is delivered and the context error is returned. A
// read failure before the first delta is a transport failure, afterwards it
// is a *domain.StreamInterruptedError.
func pumpStream(ctx context.Context, provider string, dec *StreamDecoder, onDelta func(string)) (string, error) {
	var full bytes.Buffer
	for {
		delta, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return full.String(), ctxErr
		}
		if err != nil {
			if delivered := dec.Delivered(); delivered > 0 {
				return full.String(), &domain.StreamInterruptedError{
					Provider:  provider,
					Delivered: delivered,
					Err:       err,
				}
			}
			return "", fmt.Errorf("%s: %w: read stream: %w", provider, domain.ErrTransport, err)
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
}
