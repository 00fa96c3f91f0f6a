// Package streambuf frames a child process's stdout into complete lines
// under a bounded memory budget, with partial-line carry across reads.
package streambuf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrOverflow is returned when the buffer would grow past MaxSize.
var ErrOverflow = errors.New("streambuf: buffer overflow")

const truncationMarker = "...[truncated]"

// Stats is a point-in-time snapshot of buffer usage.
type Stats struct {
	CurrentSize   int
	MaxSize       int
	LineCount     int
	TotalBytes    int64
	TotalLines    int64
	OverflowCount int64
	HasPartial    bool
}

// Buffer accumulates bytes read from a stream and extracts newline-delimited
// lines, carrying any trailing partial line across reads. It is safe for
// concurrent use; reads of the underlying stream are serialized internally.
type Buffer struct {
	MaxSize       int
	MaxLineLength int

	mu            sync.Mutex
	pending       []byte
	lines         [][]byte
	partial       []byte
	totalBytes    int64
	totalLines    int64
	overflowCount int64
}

// New creates a Buffer bounded by maxSize bytes with lines truncated past
// maxLineLength.
func New(maxSize, maxLineLength int) *Buffer {
	return &Buffer{
		MaxSize:       maxSize,
		MaxLineLength: maxLineLength,
	}
}

// Size returns the current number of unparsed bytes held (excludes the
// queued complete lines and the partial-line carry).
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// LineCount returns the number of complete lines currently queued.
func (b *Buffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Feed appends a chunk of bytes read from the underlying stream and extracts
// any newly completed lines. It returns ErrOverflow if the chunk would push
// the buffer past MaxSize; the buffer contents are unchanged in that case.
func (b *Buffer) Feed(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.MaxSize > 0 && len(b.pending)+len(b.partial)+len(chunk) > b.MaxSize {
		b.overflowCount++
		return ErrOverflow
	}

	b.pending = append(b.pending, chunk...)
	b.totalBytes += int64(len(chunk))
	b.extractLines()
	return nil
}

// extractLines pulls complete \n-terminated segments out of pending,
// decoding lossily as UTF-8 (malformed sequences become U+FFFD, never a
// parse error) and truncating any line longer than MaxLineLength.
func (b *Buffer) extractLines() {
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}

		raw := b.pending[:idx]
		b.pending = b.pending[idx+1:]

		line := append(append([]byte(nil), b.partial...), raw...)
		b.partial = nil

		line = lossyUTF8(line)

		if b.MaxLineLength > 0 && len(line) > b.MaxLineLength {
			line = append(line[:b.MaxLineLength], truncationMarker...)
		}

		b.lines = append(b.lines, line)
		b.totalLines++
	}

	if len(b.pending) > 0 {
		b.partial = append(b.partial, b.pending...)
		b.pending = b.pending[:0]
	}
}

// lossyUTF8 replaces invalid UTF-8 byte sequences with the Unicode
// replacement character rather than failing; malformed input must never
// surface as a parse error.
func lossyUTF8(b []byte) []byte {
	if !bytes.ContainsRune(b, 0xFFFD) && isValidUTF8(b) {
		return b
	}
	return []byte(toValidUTF8(string(b)))
}

func isValidUTF8(b []byte) bool {
	return len(b) == len([]byte(toValidUTF8(string(b))))
}

func toValidUTF8(s string) string {
	return sanitizeUTF8(s)
}

// GetLine pops the oldest complete line, or returns nil, false if none are
// queued.
func (b *Buffer) GetLine() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return nil, false
	}
	line := b.lines[0]
	b.lines = b.lines[1:]
	return line, true
}

// readResult carries the outcome of one background Read call.
type readResult struct {
	n   int
	err error
}

// ReadUntilLine reads from r, feeding the buffer, until a complete line is
// available, the context is cancelled, or timeout elapses (0 disables the
// timeout). It returns (nil, false) on timeout or clean EOF with no partial
// data left to flush. Each Read is issued from a background goroutine so
// that a reader with no deadline support (the common case for a child
// process's stdout pipe) can still be raced against cancellation; a timed
// out Read is abandoned, not interrupted, and its goroutine exits once the
// reader eventually unblocks.
func (b *Buffer) ReadUntilLine(ctx context.Context, r io.Reader, timeout time.Duration) ([]byte, bool, error) {
	if line, ok := b.GetLine(); ok {
		return line, true, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		chunk := make([]byte, 8192)
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := r.Read(chunk)
			resultCh <- readResult{n: n, err: err}
		}()

		select {
		case <-ctx.Done():
			return nil, false, nil
		case res := <-resultCh:
			if res.n > 0 {
				if ferr := b.Feed(chunk[:res.n]); ferr != nil {
					return nil, false, ferr
				}
				if line, ok := b.GetLine(); ok {
					return line, true, nil
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					if line := b.flushPartial(); line != nil {
						return line, true, nil
					}
					return nil, false, nil
				}
				return nil, false, res.err
			}
		}
	}
}

// flushPartial promotes any trailing partial-line carry to a final line.
func (b *Buffer) flushPartial() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.partial) == 0 {
		return nil
	}
	line := b.partial
	b.partial = nil
	return line
}

// Flush emits any queued complete lines followed by the trailing partial
// line (if any) as a final line, and clears all internal state.
func (b *Buffer) Flush() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.lines
	b.lines = nil

	if len(b.partial) > 0 {
		out = append(out, b.partial)
		b.partial = nil
	}
	if len(b.pending) > 0 {
		out = append(out, lossyUTF8(b.pending))
		b.pending = nil
	}

	return out
}

// Clear discards all buffered state without emitting it.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.lines = nil
	b.partial = nil
}

// Stats returns a snapshot of buffer usage counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		CurrentSize:   len(b.pending),
		MaxSize:       b.MaxSize,
		LineCount:     len(b.lines),
		TotalBytes:    b.totalBytes,
		TotalLines:    b.totalLines,
		OverflowCount: b.overflowCount,
		HasPartial:    len(b.partial) > 0,
	}
}
