package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
)

type recordingSink struct {
	name string
	gate chan struct{}
	err  error

	mu     sync.Mutex
	events []contracts.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(ctx context.Context, evt contracts.Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) kinds() []contracts.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }
func (panicSink) Handle(context.Context, contracts.Event) error {
	panic("boom")
}

func event(kind contracts.EventKind) contracts.Event {
	return contracts.NewEvent(kind, "005930", time.Now(), nil)
}

func TestDispatcher_FanOutInOrder(t *testing.T) {
	store := &recordingSink{name: "store"}
	notifier := &recordingSink{name: "notifier", err: errors.New("telegram down")}
	rec := metrics.New()

	d := New([]Sink{panicSink{}, store, notifier}, rec, logger.NewNop())
	d.Start()

	d.Emit(event(contracts.EventEntryExecuted))
	d.Emit(event(contracts.EventRiskExit))
	d.Emit(event(contracts.EventCycleSummary))

	require.NoError(t, d.Close(context.Background()))

	want := []contracts.EventKind{contracts.EventEntryExecuted, contracts.EventRiskExit, contracts.EventCycleSummary}
	assert.Equal(t, want, store.kinds())
	assert.Equal(t, want, notifier.kinds(), "a failing or panicking sink does not stop the others")

	counts := rec.TransientCounts()
	assert.Equal(t, int64(3), counts["sink_notifier"])
	assert.Equal(t, int64(3), counts["sink_panic"])

	delivered, dropped := d.Stats()
	assert.Equal(t, int64(3), delivered)
	assert.Zero(t, dropped)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{name: "slow", gate: gate}

	d := New([]Sink{sink}, metrics.New(), logger.NewNop(), WithBufferSize(2))
	d.Start()

	// 첫 이벤트는 루프가 꺼내서 싱크에서 대기
	d.Emit(event(contracts.EventOrderTransition))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)

	d.Emit(event(contracts.EventOrderTransition))
	d.Emit(event(contracts.EventOrderTransition))
	d.Emit(event(contracts.EventOrderTransition)) // dropped
	d.Emit(event(contracts.EventOrderTransition)) // dropped

	_, dropped := d.Stats()
	assert.Equal(t, int64(2), dropped)

	close(gate)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, sink.kinds(), 3, "buffered events are drained on close")
}

func TestDispatcher_EmitAfterClose(t *testing.T) {
	sink := &recordingSink{name: "store"}
	d := New([]Sink{sink}, nil, logger.NewNop())
	d.Start()
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()), "second close is a no-op")

	assert.NotPanics(t, func() { d.Emit(event(contracts.EventCycleSummary)) })
	_, dropped := d.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.Empty(t, sink.kinds())
}

func TestDispatcher_CloseWithoutStartDrains(t *testing.T) {
	sink := &recordingSink{name: "store"}
	d := New([]Sink{sink}, nil, logger.NewNop())

	d.Emit(event(contracts.EventRankingPublished))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []contracts.EventKind{contracts.EventRankingPublished}, sink.kinds())
}

func TestDispatcher_CloseHonorsDeadline(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	d := New([]Sink{&recordingSink{name: "stuck", gate: gate}}, nil, logger.NewNop())
	d.Start()
	d.Emit(event(contracts.EventExitExecuted))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
