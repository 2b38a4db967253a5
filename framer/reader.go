package framer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/schema"
)

// DefaultMaxLineBytes bounds a single upstream frame; page snapshots can be large.
const DefaultMaxLineBytes = 16 << 20

type readerOptions struct {
	maxLineBytes int
	logger       *slog.Logger
	onMalformed  func(err error)
}

// ReaderOption configures Messages.
type ReaderOption func(o *readerOptions)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) ReaderOption {
	return func(o *readerOptions) {
		if n > 0 {
			o.maxLineBytes = n
		}
	}
}

// WithLogger sets the logger used for skipped lines.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(o *readerOptions) { o.logger = logger }
}

// WithMalformedHook registers a callback invoked for every skipped line.
func WithMalformedHook(fn func(err error)) ReaderOption {
	return func(o *readerOptions) { o.onMalformed = fn }
}

// Messages returns a lazy sequence of envelopes read from r, one per line.
// Malformed or oversized lines are logged and skipped; the sequence ends when
// r returns EOF or any other read error. A new sequence is created for each
// child process.
func Messages(r io.Reader, options ...ReaderOption) iter.Seq[*envelope.Envelope] {
	opts := &readerOptions{maxLineBytes: DefaultMaxLineBytes, logger: slog.Default()}
	for _, option := range options {
		option(opts)
	}
	return func(yield func(*envelope.Envelope) bool) {
		reader := bufio.NewReaderSize(r, 64*1024)
		for {
			line, err := readLine(reader, opts.maxLineBytes)
			if len(line) > 0 {
				msg, parseErr := envelope.Parse(line)
				if parseErr != nil {
					opts.skip(parseErr, line)
				} else if !yield(msg) {
					return
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, errLineTooLong) {
				opts.skip(err, nil)
				continue
			}
			if !errors.Is(err, io.EOF) {
				opts.logger.Warn("upstream read failed", "err", err)
			}
			return
		}
	}
}

func (o *readerOptions) skip(err error, line []byte) {
	if o.onMalformed != nil {
		o.onMalformed(err)
	}
	attrs := []any{"err", errors.Join(schema.ErrMalformedUpstreamMessage, err)}
	if len(line) > 0 {
		const preview = 256
		if len(line) > preview {
			line = line[:preview]
		}
		attrs = append(attrs, "line", string(line))
	}
	o.logger.Warn("skipping upstream line", attrs...)
}

var errLineTooLong = errors.New("line exceeds max frame size")

// readLine returns the next non-empty line without its terminator. An
// oversized line is consumed up to its newline and reported as errLineTooLong.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return bytes.TrimSpace(line), err
		}
		if tooLong {
			return nil, errLineTooLong
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}
