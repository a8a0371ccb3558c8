package serial

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of a Port's traffic counters.
type Stats struct {
	BytesWritten int64
	BytesRead    int64
	LinesRead    int64
	Errors       int64
	OpenedAt     time.Time
}

type counters struct {
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	linesRead    atomic.Int64
	errors       atomic.Int64
	openedAt     time.Time
}

func newCounters() *counters {
	return &counters{openedAt: time.Now()}
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesWritten: c.bytesWritten.Load(),
		BytesRead:    c.bytesRead.Load(),
		LinesRead:    c.linesRead.Load(),
		Errors:       c.errors.Load(),
		OpenedAt:     c.openedAt,
	}
}
