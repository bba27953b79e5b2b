//go:build unit

package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/coordinator"
	"github.com/hugolhafner/go-filesink/errorhandler"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/runner"
	"github.com/hugolhafner/go-filesink/serde"
	"github.com/hugolhafner/go-filesink/statestore"
	mockstorage "github.com/hugolhafner/go-filesink/storage/mock"
	"github.com/hugolhafner/go-filesink/unit"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func keyFn(e record.Element[string]) (string, error) {
	p, _, ok := strings.Cut(e.Value, ":")
	if !ok {
		return "", errors.New("no partition prefix")
	}
	return p, nil
}

func factory(store *mockstorage.Store) coordinator.SinkFactory[string] {
	return func(i int, coord filesink.Coordinator) (*filesink.Sink[string], error) {
		return filesink.New[string](
			store, keyFn, serde.Lines[string](serde.String()), coord, filesink.WithInstance(i),
		)
	}
}

type watermarkLog struct {
	mu  sync.Mutex
	got []int64
}

func (w *watermarkLog) record(ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, ts)
}

func (w *watermarkLog) Got() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.got...)
}

func start(
	t *testing.T, states statestore.Store, store *mockstorage.Store, opts ...coordinator.Option,
) *coordinator.Local[string] {
	t.Helper()

	l, err := coordinator.New[string](states, keyFn, factory(store), opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func submitAll(t *testing.T, l *coordinator.Local[string], partitions []string, perPartition int) {
	t.Helper()
	for i := 0; i < perPartition; i++ {
		for _, p := range partitions {
			require.NoError(t, l.Submit(context.Background(), record.New(fmt.Sprintf("%s:%d", p, i))))
		}
	}
}

var partitions = []string{"a", "b", "c", "d", "e", "f"}

func TestLocal_CheckpointCommitsEveryPartition(t *testing.T) {
	states := statestore.NewMemoryStore()
	store := mockstorage.NewStore()
	l := start(t, states, store, coordinator.WithParallelism(3))
	ctx := context.Background()

	submitAll(t, l, partitions, 3)
	id, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	for _, p := range partitions {
		visible := store.VisibleFor(p)
		require.Len(t, visible, 1, "partition %s", p)
		a, _ := store.Artifact(visible[0])
		require.Equal(t, fmt.Sprintf("%s:0\n%s:1\n%s:2\n", p, p, p), string(a.Data))
	}

	cp, err := states.LatestComplete(ctx, "filesink")
	require.NoError(t, err)
	require.Equal(t, int64(1), cp.ID)
	require.Len(t, cp.States, 3)
}

func TestLocal_CheckpointIDsAdvance(t *testing.T) {
	states := statestore.NewMemoryStore()
	l := start(t, states, mockstorage.NewStore(), coordinator.WithParallelism(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		submitAll(t, l, partitions, 1)
		_, err := l.Checkpoint(ctx)
		require.NoError(t, err)
	}

	cp, err := states.LatestComplete(ctx, "filesink")
	require.NoError(t, err)
	require.Equal(t, int64(3), cp.ID)
}

func TestLocal_RestoreWithRescale(t *testing.T) {
	states, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	store := mockstorage.NewStore()
	boom := errors.New("catalog unavailable")
	store.SetFinalizeError(func(unit.Handle) error { return boom })

	ctx := context.Background()
	first, err := coordinator.New[string](states, keyFn, factory(store), coordinator.WithParallelism(3))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	submitAll(t, first, partitions, 2)
	_, err = first.Checkpoint(ctx)
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.Visible())
	require.NoError(t, first.Close())

	store.SetFinalizeError(nil)
	second := start(t, states, store, coordinator.WithParallelism(2))
	id, err := second.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	require.Len(t, store.Visible(), len(partitions))
	for _, h := range store.Handles() {
		a, _ := store.Artifact(h)
		require.Equal(t, 1, a.Exposures)
	}
}

func TestLocal_EndOfInputOnce(t *testing.T) {
	states := statestore.NewMemoryStore()
	store := mockstorage.NewStore()
	wm := &watermarkLog{}
	ctx := context.Background()

	l := start(t, states, store, coordinator.WithParallelism(2), coordinator.WithWatermarkFunc(wm.record))
	submitAll(t, l, partitions, 1)
	require.NoError(t, l.Watermark(ctx, 100))
	require.NoError(t, l.EndOfInput(ctx))

	require.Len(t, store.Visible(), len(partitions))
	require.Equal(t, []int64{100, math.MaxInt64}, wm.Got())
	require.Equal(t, int64(math.MaxInt64), l.CombinedWatermark())
	require.NoError(t, l.Close())

	// every instance finished before the restart, so nothing runs again
	again := &watermarkLog{}
	restarted := start(t, states, store, coordinator.WithParallelism(3), coordinator.WithWatermarkFunc(again.record))
	require.NoError(t, restarted.EndOfInput(ctx))
	require.Empty(t, again.Got())
	require.Len(t, store.Visible(), len(partitions))
}

func TestLocal_InstanceFailureSurfacesOnClose(t *testing.T) {
	l := start(
		t, statestore.NewMemoryStore(), mockstorage.NewStore(),
		coordinator.WithParallelism(2),
		coordinator.WithRunnerOptions(runner.WithErrorHandler(errorhandler.SilentFail())),
	)

	require.NoError(t, l.Submit(context.Background(), record.New("garbage")))
	_, err := l.Checkpoint(context.Background())
	require.ErrorIs(t, err, runner.ErrStopped)

	err = l.Close()
	require.Error(t, err)
	_, ok := filesink.AsKeyError(err)
	require.True(t, ok)
}

func TestLocal_NotStarted(t *testing.T) {
	l, err := coordinator.New[string](statestore.NewMemoryStore(), keyFn, factory(mockstorage.NewStore()))
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, l.Submit(ctx, record.New("a:1")), coordinator.ErrNotStarted)
	_, err = l.Checkpoint(ctx)
	require.ErrorIs(t, err, coordinator.ErrNotStarted)
	require.ErrorIs(t, l.EndOfInput(ctx), coordinator.ErrNotStarted)
	require.NoError(t, l.Close())

	_, err = coordinator.New[string](nil, keyFn, factory(mockstorage.NewStore()))
	require.Error(t, err)
}

func TestLocal_StartTwice(t *testing.T) {
	l := start(t, statestore.NewMemoryStore(), mockstorage.NewStore())
	require.ErrorIs(t, l.Start(context.Background()), coordinator.ErrAlreadyStarted)
}
