package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultMaxLine is the default upper bound for one protocol line (1 MiB).
	// File payloads travel inline, so this also caps a single transfer.
	DefaultMaxLine = 1 << 20

	// MinMaxLine is the smallest line limit a reader accepts.
	MinMaxLine = 64

	// MaxUsernameFrame is the size of the single read used for the handshake.
	MaxUsernameFrame = 1024
)

// ErrLineTooLong is returned when a client sends a line longer than the
// reader's limit.
var ErrLineTooLong = errors.New("protocol: line too long")

// LineReader splits a byte stream into protocol lines. A single network read
// may carry several lines or part of one.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader wraps r. maxLine bounds a single line, including its newline.
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine < MinMaxLine {
		maxLine = MinMaxLine
	}
	sc := bufio.NewScanner(r)
	initial := 4096
	if initial > maxLine {
		initial = maxLine
	}
	sc.Buffer(make([]byte, 0, initial), maxLine)
	return &LineReader{sc: sc}
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// once the stream is exhausted; a final unterminated line is still returned.
func (lr *LineReader) ReadLine() (string, error) {
	if lr.sc.Scan() {
		return strings.TrimSuffix(lr.sc.Text(), "\r"), nil
	}
	err := lr.sc.Err()
	if err == nil {
		return "", io.EOF
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return "", ErrLineTooLong
	}
	return "", err
}

// WriteFrame writes frame followed by a newline in a single Write call.
func WriteFrame(w io.Writer, frame string) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// SplitHandshake separates the username from any bytes the client sent after
// it in the same read. The username ends at the first newline, or at the end
// of data when there is none.
func SplitHandshake(data []byte) (username string, rest []byte) {
	line := data
	for i, b := range data {
		if b == '\n' {
			line = data[:i]
			rest = data[i+1:]
			break
		}
	}
	return strings.TrimSpace(string(line)), rest
}
