package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPickPrefersFasterModelAtEqualSuccess(t *testing.T) {
	board := newScoreboard()
	for i := 0; i < 5; i++ {
		board.record("slow", true, 4*time.Second)
		board.record("quick", true, 500*time.Millisecond)
	}
	require.Equal(t, "quick", board.pick([]string{"slow", "quick"}))
}

func TestPickExcludesLowSuccessModels(t *testing.T) {
	board := newScoreboard()
	// Three calls, one success: 33% success rate, under the 70% floor.
	board.record("flaky", true, time.Second)
	board.record("flaky", false, time.Second)
	board.record("flaky", false, time.Second)
	board.record("steady", true, 10*time.Second)
	board.record("steady", true, 10*time.Second)
	board.record("steady", true, 10*time.Second)

	require.Equal(t, "steady", board.pick([]string{"flaky", "steady"}))
}

func TestPickFallsBackWhenAllExcluded(t *testing.T) {
	board := newScoreboard()
	for i := 0; i < 4; i++ {
		board.record("only", false, time.Second)
	}
	require.Equal(t, "only", board.pick([]string{"only"}))
}

func TestTwoFailuresDoNotExcludeYet(t *testing.T) {
	board := newScoreboard()
	board.record("fresh", false, time.Second)
	board.record("fresh", false, time.Second)
	// Under three calls the model stays eligible regardless of rate.
	require.Equal(t, "fresh", board.pick([]string{"fresh"}))
}

func TestRollingWindowCapsHistory(t *testing.T) {
	board := newScoreboard()
	for i := 0; i < rollingWindow; i++ {
		board.record("m", false, time.Second)
	}
	for i := 0; i < rollingWindow; i++ {
		board.record("m", true, time.Second)
	}
	stats := board.stats("m")
	require.Equal(t, rollingWindow, stats.Calls)
	require.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
}
