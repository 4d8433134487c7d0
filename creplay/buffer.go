// Package creplay buffers externally recorded commands
// and replays them at the tick they were recorded for.
//
// Replay runs first in every session tick,
// so that replayed commands are visible to the same tick's
// replication step.
package creplay

import (
	"context"
	"log/slog"
	"slices"

	"github.com/gordian-engine/coop/cclock"
)

// Command is one recorded action.
type Command interface {
	Apply(ctx context.Context) error
}

// CommandFunc adapts a function to a [Command].
type CommandFunc func(ctx context.Context) error

// Apply implements [Command].
func (f CommandFunc) Apply(ctx context.Context) error {
	return f(ctx)
}

type recorded struct {
	tick cclock.Tick
	cmd  Command
}

// Buffer holds recorded commands until their tick is replayed.
// It is not safe for concurrent use.
type Buffer struct {
	log *slog.Logger

	// Sorted by tick, stable within a tick.
	entries []recorded

	playing bool

	applied, failed uint64
}

// NewBuffer returns an empty buffer that is not playing.
func NewBuffer(log *slog.Logger) *Buffer {
	return &Buffer{log: log}
}

// Record adds cmd for tick.
// Commands for the same tick replay in record order.
func (b *Buffer) Record(tick cclock.Tick, cmd Command) {
	// Insert after every entry at or before tick,
	// keeping record order within a tick.
	i, _ := slices.BinarySearchFunc(b.entries, tick, func(r recorded, t cclock.Tick) int {
		if r.tick <= t {
			return -1
		}
		return 1
	})
	b.entries = slices.Insert(b.entries, i, recorded{tick: tick, cmd: cmd})
}

// SetPlaying switches playback mode.
func (b *Buffer) SetPlaying(playing bool) {
	b.playing = playing
}

// Playing reports whether the buffer is in playback mode.
func (b *Buffer) Playing() bool {
	return b.playing
}

// Len reports the number of commands waiting to be replayed.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Replay applies every command recorded at or before tick, in order,
// and removes them from the buffer.
// Outside playback mode it does nothing.
//
// A failing command is logged and does not stop the others.
// Replay returns the number of commands applied successfully.
func (b *Buffer) Replay(ctx context.Context, tick cclock.Tick) int {
	if !b.playing {
		return 0
	}

	n := 0
	for n < len(b.entries) && b.entries[n].tick <= tick {
		n++
	}
	if n == 0 {
		return 0
	}

	due := b.entries[:n]
	b.entries = slices.Clone(b.entries[n:])

	ok := 0
	for _, r := range due {
		if err := r.cmd.Apply(ctx); err != nil {
			b.failed++
			b.log.Warn(
				"Replayed command failed",
				"recorded_tick", r.tick, "tick", tick, "err", err,
			)
			continue
		}
		ok++
	}
	b.applied += uint64(ok)
	return ok
}

// Counts returns the lifetime number of applied and failed commands.
func (b *Buffer) Counts() (applied, failed uint64) {
	return b.applied, b.failed
}
