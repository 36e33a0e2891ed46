package events_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/events"
)

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	bus := events.NewBus(nil)

	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(tag string) events.Handler {
		return func(payload events.Payload) {
			mu.Lock()
			seen = append(seen, tag+":"+payload["slug"].(string))
			mu.Unlock()
		}
	}
	bus.Subscribe(events.ImageApproved, record("a"))
	bus.Subscribe(events.ImageApproved, record("b"))

	bus.Emit(events.ImageApproved, events.Payload{"slug": "yuki"})
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"a:yuki", "b:yuki"}, seen)
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	bus := events.NewBus(nil)

	delivered := make(chan struct{}, 1)
	bus.Subscribe(events.ImageRejected, func(events.Payload) {
		panic("boom")
	})
	bus.Subscribe(events.ImageRejected, func(events.Payload) {
		delivered <- struct{}{}
	})

	bus.Emit(events.ImageRejected, events.Payload{"slug": "yuki"})
	bus.Drain()

	select {
	case <-delivered:
	default:
		t.Fatal("second handler was not delivered")
	}

	stats := bus.Stats()
	require.EqualValues(t, 1, stats.EmitsTotal)
	require.EqualValues(t, 1, stats.ErrorsTotal)
	require.Equal(t, 2, stats.HandlersPerEvent[events.ImageRejected])
}

func TestPayloadIsolationBetweenHandlers(t *testing.T) {
	bus := events.NewBus(nil)

	values := make(chan any, 2)
	bus.Subscribe(events.SceneReady, func(payload events.Payload) {
		payload["scene_id"] = int64(-1)
		values <- payload["scene_id"]
	})
	bus.Subscribe(events.SceneReady, func(payload events.Payload) {
		values <- payload["scene_id"]
	})

	bus.Emit(events.SceneReady, events.Payload{"scene_id": int64(7)})
	bus.Drain()
	close(values)

	var saw7 bool
	for value := range values {
		if value == int64(7) {
			saw7 = true
		}
	}
	require.True(t, saw7, "mutation leaked between handler payloads")
}

func TestEmitWithoutSubscribersCounts(t *testing.T) {
	bus := events.NewBus(nil)
	bus.Emit(events.EpisodePublished, events.Payload{"episode_id": int64(1)})
	require.EqualValues(t, 1, bus.Stats().EmitsTotal)
}
