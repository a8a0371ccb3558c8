package serial

import (
	"log/slog"
	"sync"
)

// DefaultMaxConsecutiveErrors is how many read failures in a row, other than
// timeouts, a Listener tolerates before it stops itself.
const DefaultMaxConsecutiveErrors = 16

// LineFunc receives each line read by a Listener, without its terminator.
// userData is the value given to AddCallback and may be nil; line is never nil
// and is owned by the callee.
type LineFunc func(userData any, line []byte)

// ErrorFunc receives the read failures a Listener skips over. Timeouts are
// not reported.
type ErrorFunc func(kind SerialError, err error)

type callback struct {
	userData any
	fn       LineFunc
}

// ListenerBuilder builds exactly one Listener on a Port's read side.
type ListenerBuilder struct {
	mu        sync.Mutex
	reader    *lineBuffer // nil once Build has succeeded
	callback  *callback
	onError   ErrorFunc
	maxErrors int
	logger    *slog.Logger
}

// AddCallback sets the function a Listener built from b calls for each line.
// userData is passed back on every call. It returns false, leaving b
// unchanged, if b or fn is nil.
func AddCallback(b *ListenerBuilder, userData any, fn LineFunc) bool {
	if b == nil || fn == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = &callback{userData: userData, fn: fn}
	return true
}

// OnError sets a function to receive the read failures the Listener skips.
func (b *ListenerBuilder) OnError(fn ErrorFunc) *ListenerBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
	return b
}

// MaxConsecutiveErrors sets how many failures in a row stop the Listener.
// n <= 0 means the Listener never gives up.
func (b *ListenerBuilder) MaxConsecutiveErrors(n int) *ListenerBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxErrors = n
	return b
}

// Build returns a Listener holding the builder's read side. It fails with
// CallbackMissing if no callback was added and with BuilderSpent if Build
// already succeeded once; the Listener from that first call stays usable.
func (b *ListenerBuilder) Build() (*Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callback == nil {
		return nil, CallbackMissing
	}
	if b.reader == nil {
		return nil, BuilderSpent
	}
	reader := b.reader
	b.reader = nil

	return &Listener{
		reader:    reader,
		callback:  *b.callback,
		onError:   b.onError,
		maxErrors: b.maxErrors,
		token:     &cancelToken{},
		logger:    b.logger,
	}, nil
}
