package protocol

import (
	"bufio"
	"errors"
	"io"
)

// FrameReader splits an inbound byte stream into newline-terminated frames.
// Bytes are accumulated into an internal buffer; each call to Next returns
// the next non-empty line with its trailing "\n" stripped. Partial trailing
// data (a line not yet terminated by "\n") is held until its newline
// arrives, per spec.md §4.1's framing rule; once the stream reaches EOF, a
// final unterminated line is returned as the last frame.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-empty frame, blocking until one is available.
// It returns io.EOF once the underlying reader is exhausted with no further
// complete frames buffered.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := trimNewline(line)
			if len(trimmed) > 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					return trimmed, err
				}
				return trimmed, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}

// WriteFrame writes one already-framed (newline-terminated) encode result to
// w. It exists purely to give writers a single named entry point symmetric
// with FrameReader, since encode already appends the trailing newline.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
