package cclock_test

import (
	"testing"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Observe_monotonic(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{})
	const p cpeer.Handle = 1
	e.Add(p)

	require.True(t, e.Observe(p, 10))
	require.False(t, e.Observe(p, 9))
	require.False(t, e.Observe(p, 10))

	s, ok := e.Snapshot(p)
	require.True(t, ok)
	require.Equal(t, cclock.Tick(10), s.LatestRemote)
}

func TestEstimator_Advance_boundedStep(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{MaxStep: 4})
	const p cpeer.Handle = 7
	e.Add(p)

	s, _ := e.Snapshot(p)
	require.Zero(t, s.LatestRemote)
	require.Zero(t, s.EstimatedRemote)

	e.Observe(p, 10)

	var got []cclock.Tick
	for range 3 {
		e.Advance(p, 1)
		s, _ := e.Snapshot(p)
		got = append(got, s.EstimatedRemote)
	}
	require.Equal(t, []cclock.Tick{4, 8, 10}, got)

	// Further advances never overshoot the latest report.
	e.Advance(p, 1)
	require.Zero(t, e.Slack(p))
}

func TestEstimator_Advance_scalesWithElapsed(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{MaxStep: 2})
	const p cpeer.Handle = 1
	e.Add(p)

	e.Observe(p, 20)
	e.Advance(p, 3)
	require.Equal(t, int64(14), e.Slack(p))
}

func TestEstimator_untrackedPeer(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{})

	require.False(t, e.Observe(3, 5))
	e.Advance(3, 1)
	_, ok := e.Snapshot(3)
	require.False(t, ok)

	e.Add(3)
	e.Observe(3, 5)
	e.Remove(3)
	_, ok = e.Snapshot(3)
	require.False(t, ok)
}

func TestEstimator_Snapshots_sorted(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{})
	e.Add(3)
	e.Add(1)
	e.Add(2)

	var peers []cpeer.Handle
	for _, s := range e.Snapshots() {
		peers = append(peers, s.Peer)
	}
	require.Equal(t, []cpeer.Handle{1, 2, 3}, peers)
}

func TestEstimator_Advance_largeElapsed(t *testing.T) {
	t.Parallel()

	e := cclock.NewEstimator(cclock.EstimatorConfig{MaxStep: 4})
	const p cpeer.Handle = 3
	e.Add(p)
	e.Observe(p, 100)

	// 4 * 2^30 does not fit in a Tick.
	e.Advance(p, 1<<30)

	s, _ := e.Snapshot(p)
	require.Equal(t, cclock.Tick(100), s.EstimatedRemote)
	require.Zero(t, s.Slack)
}
