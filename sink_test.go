//go:build unit

package filesink_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/eoi"
	"github.com/hugolhafner/go-filesink/lifecycle"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/serde"
	"github.com/hugolhafner/go-filesink/snapshot"
	"github.com/hugolhafner/go-filesink/storage"
	mockstorage "github.com/hugolhafner/go-filesink/storage/mock"
	"github.com/hugolhafner/go-filesink/unit"
	"github.com/hugolhafner/go-filesink/writer"
	"github.com/stretchr/testify/require"
)

type event struct {
	Partition string
	Value     string
}

type fakeCoordinator struct {
	checkpoint int64
	watermarks []int64
}

func (c *fakeCoordinator) CurrentCheckpointID() int64 { return c.checkpoint }
func (c *fakeCoordinator) EmitWatermark(ts int64)     { c.watermarks = append(c.watermarks, ts) }

func keyByPartition(e record.Element[event]) (string, error) {
	if e.Value.Partition == "" {
		return "", errors.New("missing partition")
	}
	return e.Value.Partition, nil
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	sink  *filesink.Sink[event]
	coord *fakeCoordinator
	store *mockstorage.Store
	rec   *lifecycle.Recorder
	now   time.Time
}

func newHarness(t *testing.T, store *mockstorage.Store, state *snapshot.State, opts ...filesink.ConfigOption) *harness {
	t.Helper()

	h := &harness{
		coord: &fakeCoordinator{checkpoint: 1},
		store: store,
		rec:   &lifecycle.Recorder{},
		now:   t0,
	}
	opts = append(
		[]filesink.ConfigOption{
			filesink.WithRollingPolicy(writer.RollingPolicy{}),
			filesink.WithListener(h.rec),
			filesink.WithClock(func() time.Time { return h.now }),
		}, opts...,
	)

	s, err := filesink.New[event](store, keyByPartition, serde.Lines(serde.JSON[event]()), h.coord, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background(), state))
	h.sink = s
	return h
}

func (h *harness) append(t *testing.T, partition, value string) {
	t.Helper()
	require.NoError(t, h.sink.ProcessElement(context.Background(), record.New(event{Partition: partition, Value: value})))
}

func (h *harness) snapshot(t *testing.T, checkpointID int64) snapshot.State {
	t.Helper()
	st, err := h.sink.SnapshotState(context.Background(), checkpointID)
	require.NoError(t, err)
	h.coord.checkpoint = checkpointID + 1
	return st
}

func requireExposedAtMostOnce(t *testing.T, store *mockstorage.Store) {
	t.Helper()
	for _, h := range store.Handles() {
		a, _ := store.Artifact(h)
		require.LessOrEqual(t, a.Exposures, 1, "unit %s exposed more than once", h)
	}
}

func TestSink_CommitOnCompletion(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil)
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.append(t, "p1", "b")
	h.snapshot(t, 1)
	require.Empty(t, h.store.Visible())

	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 1))

	visible := h.store.VisibleFor("p1")
	require.Len(t, visible, 1)
	a, _ := h.store.Artifact(visible[0])
	require.Equal(t, 1, a.FinalizeCalls)
	require.Equal(t, 1, a.Exposures)
	require.Equal(t, "{\"Partition\":\"p1\",\"Value\":\"a\"}\n{\"Partition\":\"p1\",\"Value\":\"b\"}\n", string(a.Data))

	// duplicate notification
	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 1))
	a, _ = h.store.Artifact(visible[0])
	require.Equal(t, 1, a.FinalizeCalls)
	require.Equal(t, int64(1), h.sink.LastCommitted())
}

func TestSink_SkippedNotification(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil)
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.snapshot(t, 1)
	h.append(t, "p1", "b")
	h.snapshot(t, 2)
	require.Equal(t, 2, h.sink.Pending())

	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 2))

	handles := h.store.Handles()
	require.Equal(t, handles, h.store.Visible(), "checkpoint 1 unit finalized before checkpoint 2 unit")
	require.Equal(t, 0, h.sink.Pending())
}

func TestSink_EndOfInputFreshRun(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil)
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.snapshot(t, 1)
	h.append(t, "p1", "b")
	h.append(t, "p2", "c")

	require.NoError(t, h.sink.EndInput(ctx))
	require.Equal(t, eoi.PhaseDone, h.sink.Phase())
	require.Len(t, h.store.Visible(), 3)
	require.Equal(t, []int64{filesink.TerminalWatermark}, h.coord.watermarks)

	require.NoError(t, h.sink.EndInput(ctx))
	require.Len(t, h.store.Visible(), 3)
	require.Equal(t, []int64{filesink.TerminalWatermark}, h.coord.watermarks)

	st := h.snapshot(t, 2)
	require.Equal(t, []bool{true}, st.EndOfInput)
	require.Empty(t, st.Records)

	err := h.sink.ProcessElement(ctx, record.New(event{Partition: "p1", Value: "late"}))
	require.ErrorIs(t, err, eoi.ErrInputEnded)
	requireExposedAtMostOnce(t, h.store)
}

func TestSink_NotificationsSuppressedAfterEndOfInput(t *testing.T) {
	store := mockstorage.NewStore()
	h := newHarness(t, store, nil)
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.snapshot(t, 1)
	require.NoError(t, h.sink.EndInput(ctx))
	require.Len(t, store.Visible(), 1)

	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 1))
	a, _ := store.Artifact(store.Visible()[0])
	require.Equal(t, 1, a.FinalizeCalls)
}

func TestSink_RestoreCommitsOnNextNotification(t *testing.T) {
	store := mockstorage.NewStore()
	ctx := context.Background()

	h1 := newHarness(t, store, nil)
	h1.append(t, "p1", "a")
	h1.append(t, "p2", "b")
	st := h1.snapshot(t, 1)
	// crash before the notification for 1
	require.NoError(t, h1.sink.Close(ctx))

	encoded := snapshot.Encode(st)
	restored, err := snapshot.Decode(encoded)
	require.NoError(t, err)

	h2 := newHarness(t, store, &restored)
	require.Equal(t, 2, h2.sink.Pending())
	require.Empty(t, store.Visible())
	require.Empty(t, h2.rec.Events, "restored partitions raise no creation events")

	h2.coord.checkpoint = 2
	h2.append(t, "p1", "c")
	h2.snapshot(t, 2)
	require.NoError(t, h2.sink.NotifyCheckpointComplete(ctx, 2))
	require.Len(t, store.Visible(), 3)
	requireExposedAtMostOnce(t, store)
}

func TestSink_CrashAfterFinalizeBeforeLogUpdate(t *testing.T) {
	store := mockstorage.NewStore()
	ctx := context.Background()

	h1 := newHarness(t, store, nil)
	h1.append(t, "p1", "a")
	st := h1.snapshot(t, 1)
	require.NoError(t, h1.sink.NotifyCheckpointComplete(ctx, 1))
	require.Len(t, store.Visible(), 1)

	// the process dies after finalize; recovery uses the checkpoint 1 state
	h2 := newHarness(t, store, &st)
	h2.coord.checkpoint = 2
	h2.snapshot(t, 2)
	require.NoError(t, h2.sink.NotifyCheckpointComplete(ctx, 2))

	a, _ := store.Artifact(store.Visible()[0])
	require.Equal(t, 2, a.FinalizeCalls)
	require.Equal(t, 1, a.Exposures)
}

func TestSink_FinalizeFailureDelaysVisibility(t *testing.T) {
	store := mockstorage.NewStore()
	h := newHarness(t, store, nil)
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.snapshot(t, 1)
	h.append(t, "p1", "b")
	h.snapshot(t, 2)

	first := store.Handles()[0]
	boom := errors.New("rename failed")
	store.SetFinalizeError(func(hd unit.Handle) error {
		if hd == first {
			return boom
		}
		return nil
	})

	err := h.sink.NotifyCheckpointComplete(ctx, 2)
	require.ErrorIs(t, err, boom)
	_, ok := storage.AsIOError(err)
	require.True(t, ok)
	require.Empty(t, store.Visible(), "later unit never overtakes the failed one")
	require.Equal(t, 2, h.sink.Pending())

	store.SetFinalizeError(nil)
	h.snapshot(t, 3)
	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 3))
	require.Equal(t, store.Handles(), store.Visible())
	requireExposedAtMostOnce(t, store)
}

func TestSink_EndOfInputAcrossRescale(t *testing.T) {
	tests := []struct {
		name        string
		flags       [][]bool
		parallelism int
		rerun       bool
	}{
		{"three done restored to two", [][]bool{{true}, {true}, {true}}, 2, false},
		{"mixed restored to one", [][]bool{{true}, {false}}, 1, true},
		{"mixed restored to three", [][]bool{{true}, {false}}, 3, true},
		{"fresh", nil, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prev []snapshot.State
			for _, f := range tt.flags {
				prev = append(prev, snapshot.State{EndOfInput: f})
			}
			states, err := snapshot.Redistribute(prev, tt.parallelism)
			require.NoError(t, err)

			for i := range states {
				st := states[i]
				if len(tt.flags) == 0 {
					st = snapshot.State{}
				}
				h := newHarness(t, mockstorage.NewStore(), &st)
				require.NoError(t, h.sink.EndInput(context.Background()))

				if tt.rerun {
					require.Equal(t, []int64{filesink.TerminalWatermark}, h.coord.watermarks)
				} else {
					require.Empty(t, h.coord.watermarks)
				}
				require.Equal(t, eoi.PhaseDone, h.sink.Phase())
			}
		})
	}
}

func TestSink_RestoreDoneCommitsPending(t *testing.T) {
	store := mockstorage.NewStore()

	h1 := newHarness(t, store, nil)
	h1.append(t, "p1", "a")
	st := h1.snapshot(t, 1)

	st.EndOfInput = []bool{true}
	h2 := newHarness(t, store, &st)
	require.Len(t, store.Visible(), 1)
	require.Equal(t, 0, h2.sink.Pending())
	require.Empty(t, h2.coord.watermarks)
}

func TestSink_RestoreCorruptState(t *testing.T) {
	s, err := filesink.New[event](mockstorage.NewStore(), keyByPartition, serde.JSON[event](), &fakeCoordinator{})
	require.NoError(t, err)

	err = s.Initialize(context.Background(), &snapshot.State{
		Records: []commitlog.Record{{CheckpointID: 1, Units: []unit.Unit{{Partition: "p"}}}},
	})
	_, ok := commitlog.AsCorruptStateError(err)
	require.True(t, ok)
}

func TestSink_Lifecycle(t *testing.T) {
	s, err := filesink.New[event](mockstorage.NewStore(), keyByPartition, serde.JSON[event](), &fakeCoordinator{})
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, s.ProcessElement(ctx, record.New(event{Partition: "p"})), filesink.ErrNotInitialized)
	require.NoError(t, s.Initialize(ctx, nil))
	require.Error(t, s.ProcessElement(ctx, record.New(event{})))

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	require.ErrorIs(t, s.ProcessElement(ctx, record.New(event{Partition: "p"})), filesink.ErrClosed)

	_, err = filesink.New[event](nil, keyByPartition, serde.JSON[event](), &fakeCoordinator{})
	require.Error(t, err)
}

func TestSink_PartitionInactiveAfterCommit(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil, filesink.WithQuiescence(time.Minute))
	ctx := context.Background()

	h.append(t, "p1", "a")
	h.snapshot(t, 1)

	h.now = t0.Add(2 * time.Minute)
	require.NoError(t, h.sink.OnProcessingTime(ctx))
	require.Equal(t, 0, h.rec.Count(lifecycle.EventPartitionInactive, "p1"), "pending unit keeps partition active")

	require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, 1))
	require.Equal(t, 1, h.rec.Count(lifecycle.EventPartitionInactive, "p1"))

	h.append(t, "p1", "b")
	require.Equal(t, 1, h.rec.Count(lifecycle.EventPartitionCreated, "p1"))
}

func TestSink_WatermarkDrivesEventTimeRoll(t *testing.T) {
	h := newHarness(
		t, mockstorage.NewStore(), nil,
		filesink.WithRollingPolicy(writer.RollingPolicy{EventTimeBucket: time.Hour}),
	)
	ctx := context.Background()

	el := record.New(event{Partition: "p1", Value: "a"}).WithEventTime(t0.Add(5 * time.Minute))
	require.NoError(t, h.sink.ProcessElement(ctx, el))

	require.NoError(t, h.sink.ProcessWatermark(ctx, t0.Add(time.Hour).UnixMilli()))
	require.NoError(t, h.sink.OnProcessingTime(ctx))

	st := h.snapshot(t, 1)
	require.Len(t, st.Records, 1)
	require.Equal(t, []int64{t0.Add(time.Hour).UnixMilli()}, h.coord.watermarks)
}

func TestSink_WatermarkNeverRegresses(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil)
	ctx := context.Background()

	require.NoError(t, h.sink.ProcessWatermark(ctx, 100))
	require.NoError(t, h.sink.ProcessWatermark(ctx, 50))
	require.NoError(t, h.sink.ProcessWatermark(ctx, 100))
	require.NoError(t, h.sink.ProcessWatermark(ctx, 200))
	require.Equal(t, []int64{100, 200}, h.coord.watermarks)
	require.Equal(t, int64(200), h.sink.Watermark())

	require.NoError(t, h.sink.EndInput(ctx))
	require.NoError(t, h.sink.ProcessWatermark(ctx, 300))
	require.Equal(t, []int64{100, 200, filesink.TerminalWatermark}, h.coord.watermarks)
}

// A unit open at a checkpoint is rolled into it whatever the rolling policy,
// so a crash after the checkpoint completes cannot lose its records.
func TestSink_NoLossAcrossRestoreWithSizePolicy(t *testing.T) {
	store := mockstorage.NewStore()
	ctx := context.Background()
	policy := filesink.WithRollingPolicy(writer.RollingPolicy{MaxPartSize: 1 << 20})

	h1 := newHarness(t, store, nil, policy)
	h1.append(t, "p1", "a")
	st := h1.snapshot(t, 1)
	require.Len(t, st.Records, 1)
	require.NoError(t, h1.sink.NotifyCheckpointComplete(ctx, 1))
	require.NoError(t, h1.sink.Close(ctx))

	restored, err := snapshot.Decode(snapshot.Encode(st))
	require.NoError(t, err)

	h2 := newHarness(t, store, &restored, policy)
	require.NoError(t, h2.sink.EndInput(ctx))

	visible := store.Visible()
	require.Len(t, visible, 1)
	a, _ := store.Artifact(visible[0])
	require.Equal(t, "{\"Partition\":\"p1\",\"Value\":\"a\"}\n", string(a.Data))
	requireExposedAtMostOnce(t, store)
}

// TestSink_IdempotentRestore drives random interleavings of appends,
// snapshots, notifications and restarts. Restoring twice from the same state
// and draining to the same checkpoint must expose the same set of units, and
// no unit may ever be exposed twice.
func TestSink_IdempotentRestore(t *testing.T) {
	partitions := []string{"a", "b", "c"}

	for seed := uint64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*31))
			store := mockstorage.NewStore()
			ctx := context.Background()

			h := newHarness(t, store, nil)
			var (
				checkpoint int64
				saved      snapshot.State
				savedID    int64
			)

			for step := 0; step < 60; step++ {
				switch op := rng.IntN(10); {
				case op < 5:
					h.append(t, partitions[rng.IntN(len(partitions))], fmt.Sprintf("v%d", step))
				case op < 7:
					checkpoint++
					saved = h.snapshot(t, checkpoint)
					savedID = checkpoint
				case op < 9:
					if checkpoint > 0 {
						require.NoError(t, h.sink.NotifyCheckpointComplete(ctx, int64(rng.IntN(int(checkpoint)))+1))
					}
				default:
					if savedID == 0 {
						continue
					}
					// restart from the last persisted snapshot
					require.NoError(t, h.sink.Close(ctx))
					st := saved
					h = newHarness(t, store, &st)
					checkpoint = savedID
					h.coord.checkpoint = checkpoint + 1
				}
				requireExposedAtMostOnce(t, store)
			}

			if savedID == 0 {
				return
			}
			require.NoError(t, h.sink.Close(ctx))

			drain := func() []unit.Handle {
				st := saved
				r := newHarness(t, store, &st)
				r.coord.checkpoint = savedID + 1
				r.snapshot(t, savedID+1)
				require.NoError(t, r.sink.NotifyCheckpointComplete(ctx, savedID+1))
				require.NoError(t, r.sink.Close(ctx))

				out := store.Visible()
				sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
				return out
			}

			first := drain()
			second := drain()
			require.Equal(t, first, second)
			requireExposedAtMostOnce(t, store)

			for _, rec := range saved.Records {
				for _, u := range rec.Units {
					a, ok := store.Artifact(u.Handle)
					require.True(t, ok)
					require.True(t, a.Visible, "unit %s pending at checkpoint %d was lost", u.Handle, rec.CheckpointID)
				}
			}
		})
	}
}

func TestSink_ElementErrorsAreTyped(t *testing.T) {
	h := newHarness(t, mockstorage.NewStore(), nil)
	ctx := context.Background()

	err := h.sink.ProcessElement(ctx, record.New(event{}))
	_, ok := filesink.AsKeyError(err)
	require.True(t, ok)

	failing := serde.SerialiserFunc[event](func(string, event) ([]byte, error) {
		return nil, errors.New("unsupported")
	})
	s, err := filesink.New[event](mockstorage.NewStore(), keyByPartition, failing, &fakeCoordinator{})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx, nil))

	err = s.ProcessElement(ctx, record.New(event{Partition: "p1"}))
	se, ok := filesink.AsSerdeError(err)
	require.True(t, ok)
	require.Equal(t, "p1", se.Partition)
}
