package serial

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

const readBufferSize = 4096

// lockedDevice is a Device shared between owners. Every use of dev,
// including reads through a deviceReader, holds mu.
type lockedDevice struct {
	mu  sync.Mutex
	dev Device
}

// deviceReader is an io.Reader over a lockedDevice that holds the lock for
// the duration of each call only. It does not buffer.
type deviceReader struct {
	shared *lockedDevice
}

func (r deviceReader) Read(p []byte) (int, error) {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	return r.shared.dev.Read(p)
}

// lineBuffer is the buffered read side of a Port, shared by the Port,
// ListenerBuilders and Listeners. Callers hold mu around read and readLine.
type lineBuffer struct {
	mu      sync.Mutex
	r       *bufio.Reader
	pending []byte // start of a line interrupted by an error
	stats   *counters
}

func newLineBuffer(src io.Reader, stats *counters) *lineBuffer {
	return &lineBuffer{
		r:     bufio.NewReaderSize(src, readBufferSize),
		stats: stats,
	}
}

// read performs at most one read from the device, serving buffered bytes first.
func (b *lineBuffer) read(p []byte) (int, error) {
	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		if len(b.pending) == 0 {
			b.pending = nil
		}
		b.stats.bytesRead.Add(int64(n))
		return n, nil
	}
	n, err := b.r.Read(p)
	b.stats.bytesRead.Add(int64(n))
	return n, err
}

// readLine reads through the next '\n' and returns the line with "\n" or
// "\r\n" removed, plus the raw number of bytes consumed. Bytes read before
// an error are kept and prefix the next line.
func (b *lineBuffer) readLine() ([]byte, int, error) {
	for {
		chunk, err := b.r.ReadSlice('\n')
		b.pending = append(b.pending, chunk...)
		switch {
		case err == nil:
			raw := b.pending
			b.pending = nil
			b.stats.bytesRead.Add(int64(len(raw)))
			b.stats.linesRead.Add(1)
			return trimEOL(raw), len(raw), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, 0, err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
