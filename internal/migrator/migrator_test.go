package migrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
	"github.com/placewise/blockpipe/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	n int
}

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

func newTestMigrator(t *testing.T, sink block.ObjectSink) (*Migrator, *memory.BlockStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewBlockStore(&seqIDGen{}, clock)
	return New(store, sink, &seqIDGen{}, clock, zap.NewNop()), store
}

func seedBlocks(t *testing.T, store *memory.BlockStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.CreatePlace(context.Background(), block.PlaceBlock{
			Payload: block.PlacePayload{
				Source:  "visitkorea",
				Name:    fmt.Sprintf("Cafe %d", i),
				Address: fmt.Sprintf("%d Seongsu-dong", i),
			},
		})
		require.NoError(t, err)
	}
}

func TestMigratorRunRoundTrip(t *testing.T) {
	t.Parallel()

	sink := memory.NewObjectSink()
	m, store := newTestMigrator(t, sink)
	seedBlocks(t, store, 7)
	ctx := context.Background()

	report, err := m.Run(ctx, Request{BatchSize: 3, Validate: true})
	require.NoError(t, err)
	require.Equal(t, 7, report.Migrated)
	require.Equal(t, 3, report.Batches)
	require.True(t, report.Validated)
	require.NotEmpty(t, report.CheckpointID)

	keys, err := sink.ListObjects(ctx, "blocks/"+report.CheckpointID+"/")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	// Batches decode back to the original blocks.
	data, err := sink.GetObject(ctx, keys[0])
	require.NoError(t, err)
	var batch []block.PlaceBlock
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Len(t, batch, 3)
	require.NotEmpty(t, batch[0].DedupeHash)
}

func TestMigratorDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	sink := memory.NewObjectSink()
	m, store := newTestMigrator(t, sink)
	seedBlocks(t, store, 5)
	ctx := context.Background()

	report, err := m.Run(ctx, Request{BatchSize: 2, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 5, report.Migrated)
	require.Equal(t, 3, report.Batches)
	require.Empty(t, report.CheckpointID)

	keys, err := sink.ListObjects(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

// lyingSink reports one fewer destination object than reality.
type lyingSink struct {
	*memory.ObjectSink
}

func (s *lyingSink) CountObjects(ctx context.Context, prefix string) (int, error) {
	n, err := s.ObjectSink.CountObjects(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func TestMigratorValidationMismatch(t *testing.T) {
	t.Parallel()

	sink := &lyingSink{ObjectSink: memory.NewObjectSink()}
	m, store := newTestMigrator(t, sink)
	seedBlocks(t, store, 4)

	report, err := m.Run(context.Background(), Request{BatchSize: 2, Validate: true})
	require.Error(t, err)
	var mverr *block.MigrationValidationError
	require.ErrorAs(t, err, &mverr)
	require.Equal(t, 2, mverr.Expected)
	require.Equal(t, 1, mverr.Actual)
	require.False(t, report.Validated)
	// Transfer itself finished; only validation failed.
	require.Equal(t, 4, report.Migrated)
}

// failingSink fails every data write after the first n.
type failingSink struct {
	*memory.ObjectSink
	allowed int
	writes  int
}

func (s *failingSink) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	s.writes++
	if s.writes > s.allowed {
		return "", fmt.Errorf("destination unavailable")
	}
	return s.ObjectSink.PutObject(ctx, path, contentType, data)
}

func TestMigratorFailedBatchStopsRun(t *testing.T) {
	t.Parallel()

	// Checkpoint write plus one data batch succeed, the second batch fails.
	sink := &failingSink{ObjectSink: memory.NewObjectSink(), allowed: 2}
	m, store := newTestMigrator(t, sink)
	seedBlocks(t, store, 6)
	ctx := context.Background()

	report, err := m.Run(ctx, Request{BatchSize: 2})
	require.Error(t, err)
	require.Equal(t, 1, report.Batches)
	require.Equal(t, 2, report.Migrated)

	// The checkpoint survives the failure for a manual rollback decision.
	keys, err := sink.ListObjects(ctx, "checkpoints/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestMigratorRollbackRestoresCheckpointState(t *testing.T) {
	t.Parallel()

	sink := memory.NewObjectSink()
	m, store := newTestMigrator(t, sink)
	seedBlocks(t, store, 4)
	ctx := context.Background()

	// Pre-existing destination data must survive rollback.
	_, err := sink.PutObject(ctx, "legacy/export.json", "application/json", []byte(`[]`))
	require.NoError(t, err)

	report, err := m.Run(ctx, Request{BatchSize: 2})
	require.NoError(t, err)

	deleted, err := m.Rollback(ctx, report.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	keys, err := sink.ListObjects(ctx, "blocks/")
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = sink.GetObject(ctx, "legacy/export.json")
	require.NoError(t, err)

	// Rollback is idempotent.
	deleted, err = m.Rollback(ctx, report.CheckpointID)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestMigratorRollbackUnknownCheckpoint(t *testing.T) {
	t.Parallel()

	sink := memory.NewObjectSink()
	m, _ := newTestMigrator(t, sink)

	_, err := m.Rollback(context.Background(), "nope")
	require.ErrorIs(t, err, block.ErrNotFound)
}
