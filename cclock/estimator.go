// Package cclock tracks, per peer, the latest tick a remote reported
// and the locally smoothed estimate of that remote's current tick.
package cclock

import (
	"cmp"
	"slices"

	"github.com/gordian-engine/coop/cpeer"
)

// Tick is one discrete simulation step.
type Tick uint32

// DefaultMaxStep is used when [EstimatorConfig.MaxStep] is zero.
const DefaultMaxStep Tick = 4

// EstimatorConfig is the configuration for [NewEstimator].
type EstimatorConfig struct {
	// Upper bound on how far the estimate may move per elapsed tick.
	// This keeps a burst of delayed reports
	// from making the estimate jump.
	MaxStep Tick
}

// State is a read-only snapshot of one peer's clock.
type State struct {
	Peer cpeer.Handle

	LatestRemote    Tick
	EstimatedRemote Tick

	// LatestRemote - EstimatedRemote.
	// Because the estimate never passes the latest report,
	// this is never negative.
	Slack int64
}

type remoteClock struct {
	latest    Tick
	estimated Tick
}

// Estimator holds the remote clock state for every connected peer.
// It is not safe for concurrent use;
// it belongs to the session's owner goroutine.
type Estimator struct {
	maxStep Tick

	clocks map[cpeer.Handle]*remoteClock
}

// NewEstimator returns an Estimator with no peers.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	maxStep := cfg.MaxStep
	if maxStep == 0 {
		maxStep = DefaultMaxStep
	}

	return &Estimator{
		maxStep: maxStep,
		clocks:  map[cpeer.Handle]*remoteClock{},
	}
}

// Add starts tracking p at latest=0, estimated=0.
// Adding an already tracked peer resets its state.
func (e *Estimator) Add(p cpeer.Handle) {
	e.clocks[p] = new(remoteClock)
}

// Remove stops tracking p.
func (e *Estimator) Remove(p cpeer.Handle) {
	delete(e.clocks, p)
}

// Observe records a tick reported by p.
// The report is only accepted if it is newer than
// everything previously reported;
// duplicate and reordered reports are dropped as stale.
// Reports for untracked peers are dropped too.
func (e *Estimator) Observe(p cpeer.Handle, reported Tick) bool {
	c, ok := e.clocks[p]
	if !ok || reported <= c.latest {
		return false
	}
	c.latest = reported
	return true
}

// Advance moves p's estimate toward its latest reported tick,
// by at most MaxStep per elapsed tick, never passing it.
func (e *Estimator) Advance(p cpeer.Handle, elapsed Tick) {
	c, ok := e.clocks[p]
	if !ok {
		return
	}

	if c.estimated < c.latest {
		// In 64 bits so a long gap cannot wrap the step.
		step := uint64(e.maxStep) * uint64(elapsed)
		gap := c.latest - c.estimated
		c.estimated += Tick(min(step, uint64(gap)))
	}
}

// Slack returns p's latest reported tick minus its estimate.
// A sustained positive slack is consistent network delay.
func (e *Estimator) Slack(p cpeer.Handle) int64 {
	c, ok := e.clocks[p]
	if !ok {
		return 0
	}
	return int64(c.latest) - int64(c.estimated)
}

// Snapshot returns the current state for p.
func (e *Estimator) Snapshot(p cpeer.Handle) (State, bool) {
	c, ok := e.clocks[p]
	if !ok {
		return State{}, false
	}
	return State{
		Peer:            p,
		LatestRemote:    c.latest,
		EstimatedRemote: c.estimated,
		Slack:           int64(c.latest) - int64(c.estimated),
	}, true
}

// Snapshots returns the state of every tracked peer, ordered by handle.
func (e *Estimator) Snapshots() []State {
	out := make([]State, 0, len(e.clocks))
	for p := range e.clocks {
		s, _ := e.Snapshot(p)
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b State) int {
		return cmp.Compare(a.Peer, b.Peer)
	})
	return out
}
