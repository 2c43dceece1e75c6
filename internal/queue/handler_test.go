package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
)

func taskFor(t *testing.T, jobID uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := NewTranscodeTask(jobID, uuid.New(), 0)
	require.NoError(t, err)
	data, err := payload.Marshal()
	require.NoError(t, err)
	return asynq.NewTask(TypeTranscode, data)
}

func TestTranscodeHandler_ProcessTask(t *testing.T) {
	t.Parallel()

	t.Run("malformed payload skips retry", func(t *testing.T) {
		h := NewTranscodeHandler(newTestQueue(new(MockJobStore), nil), nil, "w1", nil)

		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeTranscode, []byte("{")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("purged job skips retry", func(t *testing.T) {
		store := new(MockJobStore)
		jobID := uuid.New()
		store.On("Claim", mock.Anything, jobID, "w1", testNow, mock.Anything).Return(nil, db.ErrNotFound)
		h := NewTranscodeHandler(newTestQueue(store, nil), nil, "w1", nil)

		err := h.ProcessTask(context.Background(), taskFor(t, jobID))
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("job held elsewhere is a no-op", func(t *testing.T) {
		store := new(MockJobStore)
		jobID := uuid.New()
		store.On("Claim", mock.Anything, jobID, "w1", testNow, mock.Anything).Return(nil, db.ErrConflict)
		called := false
		h := NewTranscodeHandler(newTestQueue(store, nil), func(context.Context, *models.TranscodeJob, string) error {
			called = true
			return nil
		}, "w1", nil)

		require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, jobID)))
		assert.False(t, called)
	})

	t.Run("claimed job is processed", func(t *testing.T) {
		store := new(MockJobStore)
		job := testJob()
		store.On("Claim", mock.Anything, job.ID, "w1", testNow, mock.Anything).Return(job, nil)

		var processed uuid.UUID
		h := NewTranscodeHandler(newTestQueue(store, nil), func(_ context.Context, j *models.TranscodeJob, workerID string) error {
			processed = j.ID
			assert.Equal(t, "w1", workerID)
			return nil
		}, "w1", nil)

		require.NoError(t, h.ProcessTask(context.Background(), taskFor(t, job.ID)))
		assert.Equal(t, job.ID, processed)
	})

	t.Run("ledger outage is retried by asynq", func(t *testing.T) {
		store := new(MockJobStore)
		jobID := uuid.New()
		store.On("Claim", mock.Anything, jobID, "w1", testNow, mock.Anything).Return(nil, errors.New("connection refused"))
		h := NewTranscodeHandler(newTestQueue(store, nil), nil, "w1", nil)

		err := h.ProcessTask(context.Background(), taskFor(t, jobID))
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})
}

func TestTranscodePayload(t *testing.T) {
	t.Parallel()

	_, err := NewTranscodeTask(uuid.Nil, uuid.New(), 0)
	assert.Error(t, err)

	_, err = UnmarshalTranscodePayload([]byte(`{"premiere_id":"` + uuid.NewString() + `"}`))
	assert.Error(t, err)

	jobID := uuid.New()
	p, err := NewTranscodeTask(jobID, uuid.New(), 2)
	require.NoError(t, err)
	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalTranscodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, 2, got.Attempt)
}

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	m := NewCallbackManager(nil)
	calls := 0
	m.RegisterCallback(func(context.Context, *models.TranscodeJob, error) error {
		calls++
		return errors.New("first fails")
	})
	m.RegisterCallback(func(context.Context, *models.TranscodeJob, error) error {
		calls++
		return nil
	})

	m.Trigger(context.Background(), testJob(), errors.New("cause"))
	assert.Equal(t, 2, calls)
}
