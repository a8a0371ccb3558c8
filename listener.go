package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// errorPause throttles the listen loop after a read failure.
const errorPause = 20 * time.Millisecond

// ListenerState is the lifecycle state of a Listener.
type ListenerState int32

// Listener states. A Listener moves from idle to running to stopped, never back.
const (
	ListenerIdle ListenerState = iota
	ListenerRunning
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerRunning:
		return "running"
	case ListenerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ListenerState(%d)", int32(s))
	}
}

// cancelToken is shared by a Listener and its goroutine.
type cancelToken struct {
	set atomic.Bool
}

func (t *cancelToken) cancel()         { t.set.Store(true) }
func (t *cancelToken) cancelled() bool { return t.set.Load() }

// Listener reads lines from a Port in a background goroutine and passes each
// to a callback.
//
// While running it holds the Port's read side for its whole lifetime, so
// Port.Read, Port.ReadLine and other Listeners block until it stops. Stop is
// cooperative: the goroutine notices it after the line read in progress
// returns, which takes at most the Port's timeout. Each iteration is as long
// as that timeout, so a very short timeout makes the loop spin.
type Listener struct {
	reader    *lineBuffer
	callback  callback
	onError   ErrorFunc
	maxErrors int
	token     *cancelToken
	state     atomic.Int32
	detach    func() bool // unregisters the ListenContext hook, set before run starts
	logger    *slog.Logger
}

// Listen starts the background goroutine. It does nothing unless the
// Listener is idle; a stopped Listener cannot be restarted.
func (l *Listener) Listen() {
	if l.start() {
		go l.run()
	}
}

// ListenContext is Listen, plus Stop once ctx is done. The hook on ctx is
// removed when the Listener stops on its own.
func (l *Listener) ListenContext(ctx context.Context) {
	if ctx.Err() != nil {
		l.Stop()
		return
	}
	if !l.start() {
		return
	}
	l.detach = context.AfterFunc(ctx, l.Stop)
	go l.run()
}

func (l *Listener) start() bool {
	return l.state.CompareAndSwap(int32(ListenerIdle), int32(ListenerRunning))
}

// Stop asks the goroutine to exit. It is safe to call more than once and
// before Listen.
func (l *Listener) Stop() {
	l.token.cancel()
	l.state.Store(int32(ListenerStopped))
}

// Close is Stop, for use as an io.Closer.
func (l *Listener) Close() error {
	l.Stop()
	return nil
}

// State returns the Listener's state as seen by callers.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

func (l *Listener) run() {
	l.reader.mu.Lock()
	defer l.reader.mu.Unlock()

	l.logger.Debug("Listener started")
	failures := 0
	for !l.token.cancelled() {
		line, _, err := l.reader.readLine()
		if err == nil {
			failures = 0
			l.callback.fn(l.callback.userData, line)
			continue
		}

		kind := Classify(err)
		if kind == Timeout {
			continue
		}
		l.reader.stats.errors.Add(1)
		if l.onError != nil {
			l.onError(kind, err)
		}
		if errors.Is(err, ErrClosed) {
			l.logger.Debug("Listener device closed")
			break
		}
		if kind == Interrupted {
			continue
		}

		failures++
		if l.maxErrors > 0 && failures >= l.maxErrors {
			l.logger.Error("Listener stopping after repeated read errors", "errors", failures, "error", err)
			break
		}
		l.logger.Warn("Listener read failed", "kind", kind, "error", err)
		time.Sleep(errorPause)
	}

	if l.detach != nil {
		l.detach()
	}
	l.token.cancel()
	l.state.Store(int32(ListenerStopped))
	l.logger.Debug("Listener stopped")
}
