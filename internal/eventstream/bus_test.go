package eventstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusEmitFanOutAndSequence(t *testing.T) {
	bus := NewBus("run-1")
	sink := NewMemorySink()
	bus.AddSink(sink)

	sub := bus.Subscribe()

	ev1 := bus.Emit(StageRound, KindRunStarted, RunStartedPayload{ProductID: "p1", Category: "mouse"})
	ev2 := bus.Emit(StageRound, KindConvergenceRoundStarted, RoundStartedPayload{RoundIndex: 0, Bootstrap: true})

	require.Equal(t, uint64(1), ev1.Seq)
	require.Equal(t, uint64(2), ev2.Seq)
	require.Equal(t, "run-1", ev1.RunID)

	got := <-sub
	require.Equal(t, KindRunStarted, got.Kind)
	got2 := <-sub
	require.Equal(t, KindConvergenceRoundStarted, got2.Kind)

	snap := sink.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, KindRunStarted, snap[0].Kind)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus("run-2")
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	_, ok := <-sub
	require.False(t, ok)
}

func TestBusEmitNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus("run-3")
	sub := bus.Subscribe()
	for i := 0; i < 1000; i++ {
		bus.Emit(StageFetch, KindSourceFetchStarted, SourceFetchPayload{URL: "https://example.com"})
	}
	// Draining is optional; Emit must not have blocked to get here.
	close(make(chan struct{}))
	_ = sub
}
