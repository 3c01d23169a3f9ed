package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval approximates a 60Hz display refresh.
const DefaultInterval = time.Second / 60

// Loop is the frame scheduler. It only exists between Start and Stop; frame
// timestamps are delivered on C and dropped when the consumer is still busy
// with the previous one, since the next timestamp covers the elapsed time.
type Loop struct {
	clock    clockwork.Clock
	interval time.Duration
	c        chan time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(clock clockwork.Clock, interval time.Duration) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		clock:    clock,
		interval: interval,
		c:        make(chan time.Time, 1),
	}
}

// C delivers frame timestamps.
func (l *Loop) C() <-chan time.Time { return l.c }

// Start launches the frame goroutine. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop tears the frame goroutine down and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the frame goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			select {
			case l.c <- now:
			default:
			}
		}
	}
}
