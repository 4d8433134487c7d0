package creplay_test

import (
	"math"
	"context"
	"errors"
	"testing"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/creplay"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/stretchr/testify/require"
)

func appendCmd(out *[]string, s string) creplay.Command {
	return creplay.CommandFunc(func(context.Context) error {
		*out = append(*out, s)
		return nil
	})
}

func TestBuffer_Replay_inTickThenRecordOrder(t *testing.T) {
	t.Parallel()

	b := creplay.NewBuffer(ctest.NewLogger(t))
	b.SetPlaying(true)

	var got []string
	b.Record(3, appendCmd(&got, "3a"))
	b.Record(1, appendCmd(&got, "1a"))
	b.Record(3, appendCmd(&got, "3b"))
	b.Record(2, appendCmd(&got, "2a"))
	b.Record(1, appendCmd(&got, "1b"))
	b.Record(5, appendCmd(&got, "5a"))

	ctx := context.Background()

	require.Equal(t, 2, b.Replay(ctx, 1))
	require.Equal(t, []string{"1a", "1b"}, got)

	// A skipped tick still replays everything due.
	require.Equal(t, 3, b.Replay(ctx, 4))
	require.Equal(t, []string{"1a", "1b", "2a", "3a", "3b"}, got)

	require.Equal(t, 1, b.Len())
	require.Zero(t, b.Replay(ctx, 4))
}

func TestBuffer_Replay_noopWhenNotPlaying(t *testing.T) {
	t.Parallel()

	b := creplay.NewBuffer(ctest.NewLogger(t))

	var got []string
	b.Record(1, appendCmd(&got, "x"))

	require.Zero(t, b.Replay(context.Background(), cclock.Tick(10)))
	require.Empty(t, got)
	require.Equal(t, 1, b.Len())

	b.SetPlaying(true)
	require.True(t, b.Playing())
	require.Equal(t, 1, b.Replay(context.Background(), 10))
	require.Equal(t, []string{"x"}, got)
}

func TestBuffer_Replay_failureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	b := creplay.NewBuffer(ctest.NewLogger(t))
	b.SetPlaying(true)

	var got []string
	b.Record(1, creplay.CommandFunc(func(context.Context) error {
		return errors.New("bad command")
	}))
	b.Record(1, appendCmd(&got, "ok"))

	require.Equal(t, 1, b.Replay(context.Background(), 1))
	require.Equal(t, []string{"ok"}, got)

	applied, failed := b.Counts()
	require.Equal(t, uint64(1), applied)
	require.Equal(t, uint64(1), failed)
}

func TestBuffer_Record_maxTick(t *testing.T) {
	t.Parallel()

	b := creplay.NewBuffer(ctest.NewLogger(t))
	b.SetPlaying(true)

	var got []string
	b.Record(math.MaxUint32, appendCmd(&got, "last"))
	b.Record(1, appendCmd(&got, "first"))
	b.Record(math.MaxUint32, appendCmd(&got, "last again"))

	ctx := context.Background()

	require.Equal(t, 1, b.Replay(ctx, 1))
	require.Equal(t, []string{"first"}, got)

	require.Equal(t, 2, b.Replay(ctx, math.MaxUint32))
	require.Equal(t, []string{"first", "last", "last again"}, got)
}
