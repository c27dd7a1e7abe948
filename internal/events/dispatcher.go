package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

// Sink consumes dispatched events (Store, Notifier)
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt contracts.Event) error
}

// Defaults
const (
	DefaultBufferSize  = 1024
	DefaultSinkTimeout = 5 * time.Second
)

// Dispatcher buffers events emitted by the core and fans them out to sinks.
// ⭐ SSOT: 코어 → 외부 싱크 전달은 이 구조체에서만
type Dispatcher struct {
	sinks       []Sink
	ch          chan contracts.Event
	sinkTimeout time.Duration
	metrics     *metrics.Recorder
	logger      *logger.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
}

var _ contracts.Emitter = (*Dispatcher)(nil)

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithBufferSize sets the channel capacity
func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan contracts.Event, n)
		}
	}
}

// WithSinkTimeout bounds a single Handle call
func WithSinkTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sinkTimeout = t
		}
	}
}

// New creates a dispatcher. Start must be called before events flow.
func New(sinks []Sink, rec *metrics.Recorder, log *logger.Logger, opts ...Option) *Dispatcher {
	if rec == nil {
		rec = metrics.New()
	}
	d := &Dispatcher{
		sinks:       sinks,
		ch:          make(chan contracts.Event, DefaultBufferSize),
		sinkTimeout: DefaultSinkTimeout,
		metrics:     rec,
		logger:      log.Component("events"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit enqueues evt without blocking. A full buffer drops the event.
func (d *Dispatcher) Emit(evt contracts.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(evt, "closed")
		return
	}
	select {
	case d.ch <- evt:
	default:
		d.drop(evt, "buffer_full")
	}
}

func (d *Dispatcher) drop(evt contracts.Event, reason string) {
	d.dropped.Add(1)
	d.metrics.RecordDroppedEvent()
	d.logger.WithFields(map[string]interface{}{
		"kind":   evt.Kind,
		"symbol": evt.Symbol,
		"reason": reason,
	}).Warn("Event dropped")
}

// Start launches the delivery loop
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.loop()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for evt := range d.ch {
		d.deliver(evt)
	}
}

// deliver hands evt to every sink in registration order
func (d *Dispatcher) deliver(evt contracts.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
		err := d.handle(ctx, s, evt)
		cancel()
		if err != nil {
			d.metrics.RecordTransient("sink_" + s.Name())
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"sink":     s.Name(),
				"kind":     evt.Kind,
				"event_id": evt.ID,
			}).Warn("Sink failed to handle event")
		}
	}
	d.delivered.Add(1)
}

// handle isolates a panicking sink from the others
func (d *Dispatcher) handle(ctx context.Context, s Sink, evt contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panic")
			d.logger.WithFields(map[string]interface{}{
				"sink":  s.Name(),
				"panic": r,
			}).Error("Sink panicked")
		}
	}()
	return s.Handle(ctx, evt)
}

// Close stops accepting events and drains the buffer until ctx is done
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	started := d.started
	d.mu.Unlock()

	if !started {
		// 루프 없이 남은 이벤트는 여기서 배출
		go d.loop()
	}

	select {
	case <-d.done:
		d.logger.WithFields(map[string]interface{}{
			"delivered": d.delivered.Load(),
			"dropped":   d.dropped.Load(),
		}).Info("Event dispatcher drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivered and dropped counts
func (d *Dispatcher) Stats() (delivered, dropped int64) {
	return d.delivered.Load(), d.dropped.Load()
}

// Pending returns the number of buffered events
func (d *Dispatcher) Pending() int {
	return len(d.ch)
}
