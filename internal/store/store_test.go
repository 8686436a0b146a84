package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/llm-pipelines/internal/store"
)

func stores(t *testing.T) map[string]store.Store {
	t.Helper()
	sqliteStore, err := store.OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]store.Store{
		"memory": store.NewMemory(),
		"sqlite": sqliteStore,
	}
}

func TestStore_PutIsIdempotentUpsert(t *testing.T) {
	for name, recordStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := store.Record{Kind: store.KindTransaction, ID: "run-1/T1", RunID: "run-1", Status: store.StatusRaw, Fields: map[string]any{"amount": 100.0}}
			require.NoError(t, recordStore.Put(ctx, record))
			require.NoError(t, recordStore.Put(ctx, record))

			listed, err := recordStore.List(ctx, store.KindTransaction, "run-1")
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, 100.0, listed[0].Fields["amount"])
			assert.False(t, listed[0].CreatedAt.IsZero())
		})
	}
}

func TestStore_StatusTransitions(t *testing.T) {
	for name, recordStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, recordStore.Put(ctx, store.Record{Kind: store.KindTransaction, ID: "T1", RunID: "r", Status: store.StatusRaw, Fields: map[string]any{"amount": 5.0}}))

			err := recordStore.UpdateStatus(ctx, store.KindTransaction, "T1", store.StatusAggregated, nil)
			assert.True(t, errors.Is(err, store.ErrInvalidTransition), "skipping validated must fail: %v", err)

			require.NoError(t, recordStore.UpdateStatus(ctx, store.KindTransaction, "T1", store.StatusValidated, map[string]any{"compliance_status": "valid"}))
			require.NoError(t, recordStore.UpdateStatus(ctx, store.KindTransaction, "T1", store.StatusValidated, map[string]any{"compliance_status": "valid"}))
			require.NoError(t, recordStore.UpdateStatus(ctx, store.KindTransaction, "T1", store.StatusAggregated, nil))

			record, err := recordStore.Get(ctx, store.KindTransaction, "T1")
			require.NoError(t, err)
			assert.Equal(t, store.StatusAggregated, record.Status)
			assert.Equal(t, "valid", record.Fields["compliance_status"])
			assert.Equal(t, 5.0, record.Fields["amount"])

			err = recordStore.UpdateStatus(ctx, store.KindTransaction, "T1", store.StatusRaw, nil)
			assert.True(t, errors.Is(err, store.ErrInvalidTransition))
		})
	}
}

func TestStore_NotFoundAndInvalid(t *testing.T) {
	for name, recordStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := recordStore.Get(ctx, store.KindRun, "missing")
			assert.True(t, errors.Is(err, store.ErrNotFound))

			err = recordStore.UpdateStatus(ctx, store.KindRun, "missing", store.StatusCompleted, nil)
			assert.True(t, errors.Is(err, store.ErrNotFound))

			err = recordStore.Put(ctx, store.Record{Kind: "widget", ID: "x", Status: store.StatusRaw})
			assert.True(t, errors.Is(err, store.ErrInvalidRecord))
			err = recordStore.Put(ctx, store.Record{Kind: store.KindRun, Status: store.StatusRunning})
			assert.True(t, errors.Is(err, store.ErrInvalidRecord))
		})
	}
}

func TestStore_ListFiltersByKindAndRunInInsertionOrder(t *testing.T) {
	for name, recordStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, record := range []store.Record{
				{Kind: store.KindAnomaly, ID: "b", RunID: "r1", Status: store.StatusOpen},
				{Kind: store.KindAnomaly, ID: "a", RunID: "r1", Status: store.StatusOpen},
				{Kind: store.KindAnomaly, ID: "c", RunID: "r2", Status: store.StatusOpen},
				{Kind: store.KindRun, ID: "r1", RunID: "r1", Status: store.StatusRunning},
			} {
				require.NoError(t, recordStore.Put(ctx, record))
			}

			listed, err := recordStore.List(ctx, store.KindAnomaly, "r1")
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, "b", listed[0].ID)
			assert.Equal(t, "a", listed[1].ID)

			all, err := recordStore.List(ctx, store.KindAnomaly, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, store.CheckTransition(store.KindRun, store.StatusRunning, store.StatusAborted))
	assert.NoError(t, store.CheckTransition(store.KindRun, store.StatusAborted, store.StatusAborted))
	assert.Error(t, store.CheckTransition(store.KindRun, store.StatusCompleted, store.StatusRunning))
	assert.Error(t, store.CheckTransition(store.KindAnomaly, store.StatusResolved, store.StatusOpen))
}
