package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/research-fanout/internal/core"
	"github.com/target/research-fanout/internal/domain/model"
	"github.com/target/research-fanout/internal/testutil"
)

func TestWorkRepo_Integration_EnqueueReserveComplete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewWorkRepo(db, WorkRepoConfig{})

		req, err := model.NewProviderWork("8e6c3c1e-4c6c-4a57-9d1a-1f0f7e0c1a11", model.ProviderOpenAI, 1, 3)
		require.NoError(t, err)
		item, err := repo.Enqueue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.WorkStatusPending, item.Status)

		_, err = repo.ReserveNext(ctx, model.WorkTypeSynthesis, 30)
		require.ErrorIs(t, err, model.ErrNoWorkAvailable)

		got, err := repo.ReserveNext(ctx, model.WorkTypeProviderResearch, 30)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, model.WorkStatusRunning, got.Status)
		assert.Equal(t, 1, got.Deliveries)

		var payload model.ProviderWorkPayload
		require.NoError(t, json.Unmarshal(got.Payload, &payload))
		assert.Equal(t, model.ProviderOpenAI, payload.Provider)
		assert.Equal(t, 1, payload.Attempt)

		ok, err := repo.Heartbeat(ctx, got.ID, 30)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Complete(ctx, got.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repo.Complete(ctx, got.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := repo.Stats(ctx, model.WorkTypeProviderResearch)
		require.NoError(t, err)
		assert.Equal(t, model.WorkStats{Completed: 1}, *stats)
	})
}

func TestWorkRepo_Integration_ExpiredLeaseIsRedelivered(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewWorkRepo(db, WorkRepoConfig{TimeProvider: clock})

		req, err := model.NewSynthesisWork("8e6c3c1e-4c6c-4a57-9d1a-1f0f7e0c1a12", 3)
		require.NoError(t, err)
		_, err = repo.Enqueue(ctx, req)
		require.NoError(t, err)

		first, err := repo.ReserveNext(ctx, model.WorkTypeSynthesis, 10)
		require.NoError(t, err)

		_, err = repo.ReserveNext(ctx, model.WorkTypeSynthesis, 10)
		require.ErrorIs(t, err, model.ErrNoWorkAvailable)

		clock.Advance(11 * time.Second)
		second, err := repo.ReserveNext(ctx, model.WorkTypeSynthesis, 10)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.Deliveries)
	})
}

func TestWorkRepo_Integration_FailRetriesThenGivesUp(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewWorkRepo(db, WorkRepoConfig{TimeProvider: clock, RetryDelaySeconds: 5})

		req, err := model.NewSynthesisWork("8e6c3c1e-4c6c-4a57-9d1a-1f0f7e0c1a13", 2)
		require.NoError(t, err)
		item, err := repo.Enqueue(ctx, req)
		require.NoError(t, err)

		got, err := repo.ReserveNext(ctx, model.WorkTypeSynthesis, 30)
		require.NoError(t, err)
		ok, err := repo.Fail(ctx, got.ID, "boom")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = repo.ReserveNext(ctx, model.WorkTypeSynthesis, 30)
		require.ErrorIs(t, err, model.ErrNoWorkAvailable, "retry delay not yet elapsed")

		clock.Advance(6 * time.Second)
		got, err = repo.ReserveNext(ctx, model.WorkTypeSynthesis, 30)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, 1, got.RetryCount)

		ok, err = repo.Fail(ctx, got.ID, "boom again")
		require.NoError(t, err)
		require.True(t, ok)

		stats, err := repo.Stats(ctx, model.WorkTypeSynthesis)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)

		clock.Advance(2 * time.Hour)
		deleted, err := repo.DeleteFinishedWork(ctx, core.DeleteWorkParams{
			Status: model.WorkStatusFailed, OlderThan: time.Hour, BatchSize: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})
}

func TestWorkRepo_Integration_WaitForNotification(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewWorkRepo(db, WorkRepoConfig{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- repo.WaitForNotification(ctx, model.WorkTypeProviderResearch) }()

		// Give the listener a moment to subscribe, then enqueue until it wakes.
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case err := <-done:
				require.NoError(t, err)
				return
			case <-tick.C:
				req, err := model.NewProviderWork("8e6c3c1e-4c6c-4a57-9d1a-1f0f7e0c1a14", model.ProviderGoogle, 1, 3)
				require.NoError(t, err)
				_, err = repo.Enqueue(context.Background(), req)
				require.NoError(t, err)
			case <-ctx.Done():
				t.Fatal("listener never woke up")
			}
		}
	})
}

func TestAuditRepo_Integration_AppendAndList(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewAuditRepo(db, clock)
		jobID := "8e6c3c1e-4c6c-4a57-9d1a-1f0f7e0c1a15"
		kind := model.ErrorKindOverloaded

		first := &model.AuditRecord{
			JobID: jobID, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929",
			CallType: model.CallTypeResearch, Attempt: 1,
			Usage:   model.TokenUsage{InputTokens: 1000, OutputTokens: 500},
			CostUSD: 0.0105, CostSource: model.CostSourceComputed, Status: model.AuditStatusSuccess,
		}
		require.NoError(t, repo.Append(ctx, first))
		assert.NotEmpty(t, first.ID)

		clock.Advance(time.Second)
		second := &model.AuditRecord{
			JobID: jobID, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929",
			CallType: model.CallTypeSynthesis, CostSource: model.CostSourceComputed,
			Status: model.AuditStatusError, ErrorKind: &kind,
		}
		require.NoError(t, repo.Append(ctx, second))

		recs, err := repo.ListByJob(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, first.ID, recs[0].ID)
		assert.InDelta(t, 0.0105, recs[0].CostUSD, 1e-9)
		assert.Equal(t, model.CallTypeSynthesis, recs[1].CallType)
		require.NotNil(t, recs[1].ErrorKind)
		assert.Equal(t, model.ErrorKindOverloaded, *recs[1].ErrorKind)
	})
}
