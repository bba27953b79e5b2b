//go:build unit

package committer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/committer"
	"github.com/hugolhafner/go-filesink/logger"
	mocklogger "github.com/hugolhafner/go-filesink/logger/mock"
	"github.com/hugolhafner/go-filesink/partition"
	"github.com/hugolhafner/go-filesink/storage"
	mockstorage "github.com/hugolhafner/go-filesink/storage/mock"
	"github.com/hugolhafner/go-filesink/unit"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type suppressor bool

func (s suppressor) CommitsSuppressed() bool { return bool(s) }

type fixture struct {
	log      *commitlog.Log
	store    *mockstorage.Store
	registry *partition.Registry
}

// pending opens, fills and closes one unit in the store and returns it.
func (f *fixture) pending(t *testing.T, partitionKey string) unit.Unit {
	t.Helper()
	ctx := context.Background()

	h, err := f.store.OpenUnit(ctx, partitionKey)
	require.NoError(t, err)
	require.NoError(t, f.store.Write(ctx, h, []byte("x")))
	require.NoError(t, f.store.Close(ctx, h))
	f.registry.Seed(partitionKey, 1, t0)
	return unit.Unit{Partition: partitionKey, Handle: h}
}

func newFixture() *fixture {
	return &fixture{
		log:      commitlog.New(),
		store:    mockstorage.NewStore(),
		registry: partition.NewRegistry(),
	}
}

func TestCommitUpTo_FinalizesInCheckpointOrder(t *testing.T) {
	f := newFixture()
	a1 := f.pending(t, "a")
	b1 := f.pending(t, "b")
	a2 := f.pending(t, "a")
	require.NoError(t, f.log.RecordPending(1, []unit.Unit{a1, b1}))
	require.NoError(t, f.log.RecordPending(2, []unit.Unit{a2}))

	c := committer.NewCheckpointCommitter(f.log, f.store, f.registry, suppressor(false))
	require.NoError(t, c.CommitUpTo(context.Background(), 2))

	require.Equal(t, []unit.Handle{a1.Handle, b1.Handle, a2.Handle}, f.store.Visible())
	require.Equal(t, 0, f.log.Len())
	require.Equal(t, int64(2), c.LastCommitted())

	p, _ := f.registry.Get("a")
	require.Equal(t, 0, p.Uncommitted())
}

func TestOnCheckpointComplete_SkippedNotificationIsCovered(t *testing.T) {
	f := newFixture()
	a1 := f.pending(t, "a")
	a2 := f.pending(t, "a")
	a3 := f.pending(t, "a")
	require.NoError(t, f.log.RecordPending(1, []unit.Unit{a1}))
	require.NoError(t, f.log.RecordPending(2, []unit.Unit{a2}))
	require.NoError(t, f.log.RecordPending(3, []unit.Unit{a3}))

	c := committer.NewCheckpointCommitter(f.log, f.store, f.registry, suppressor(false))

	// notification for 1 is lost, 2 arrives
	require.NoError(t, c.OnCheckpointComplete(context.Background(), 2))
	require.Equal(t, []unit.Handle{a1.Handle, a2.Handle}, f.store.Visible())
	require.Equal(t, 1, f.log.Len())

	// a late duplicate is a no-op
	require.NoError(t, c.OnCheckpointComplete(context.Background(), 1))
	require.Len(t, f.store.Visible(), 2)
}

func TestOnCheckpointComplete_Suppressed(t *testing.T) {
	f := newFixture()
	a1 := f.pending(t, "a")
	require.NoError(t, f.log.RecordPending(1, []unit.Unit{a1}))

	log := mocklogger.New()
	c := committer.NewCheckpointCommitter(f.log, f.store, f.registry, suppressor(true), committer.WithLogger(log))
	require.NoError(t, c.OnCheckpointComplete(context.Background(), 1))

	require.Empty(t, f.store.Visible())
	require.Equal(t, 1, f.log.Len())
	log.AssertLogged(t, logger.DebugLevel, "Ignoring checkpoint completion after end of input")

	// the terminal flow bypasses suppression
	require.NoError(t, c.CommitUpTo(context.Background(), unit.TerminalCheckpointID))
	require.Equal(t, []unit.Handle{a1.Handle}, f.store.Visible())
}

func TestCommitUpTo_FinalizeFailureRequeues(t *testing.T) {
	f := newFixture()
	a1 := f.pending(t, "a")
	b1 := f.pending(t, "b")
	a2 := f.pending(t, "a")
	require.NoError(t, f.log.RecordPending(1, []unit.Unit{a1, b1}))
	require.NoError(t, f.log.RecordPending(2, []unit.Unit{a2}))

	boom := errors.New("rename failed")
	f.store.SetFinalizeError(func(h unit.Handle) error {
		if h == b1.Handle {
			return boom
		}
		return nil
	})

	log := mocklogger.New()
	c := committer.NewCheckpointCommitter(f.log, f.store, f.registry, suppressor(false), committer.WithLogger(log))
	err := c.CommitUpTo(context.Background(), 2)
	require.ErrorIs(t, err, boom)

	ioErr, ok := storage.AsIOError(err)
	require.True(t, ok)
	require.Equal(t, storage.OpFinalize, ioErr.Op)
	require.Equal(t, b1.Handle, ioErr.Handle)
	log.AssertLogged(t, logger.ErrorLevel, "Finalize failed")

	require.Equal(t, []unit.Handle{a1.Handle}, f.store.Visible())
	require.Equal(t, 2, f.log.Len())
	require.Equal(t, int64(0), c.LastCommitted())

	f.store.SetFinalizeError(nil)
	require.NoError(t, c.CommitUpTo(context.Background(), 2))
	require.Equal(t, []unit.Handle{a1.Handle, b1.Handle, a2.Handle}, f.store.Visible())

	for _, h := range f.store.Visible() {
		a, _ := f.store.Artifact(h)
		require.Equal(t, 1, a.Exposures)
	}
}

func TestCommitUpTo_EmptyLog(t *testing.T) {
	f := newFixture()
	c := committer.NewCheckpointCommitter(f.log, f.store, f.registry, nil)
	require.NoError(t, c.CommitUpTo(context.Background(), 4))
	require.Equal(t, int64(4), c.LastCommitted())
}
