package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil), mr
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, q.EnqueueSessionCleanup(ctx, id))

	job, key, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, QueueSessionCleanup, key)
	assert.Equal(t, JobTypeSessionCleanup, job.Type)

	var payload SessionCleanupPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, id, payload.SessionID)
}

func TestQueue_RetryThenDLQ(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	job := &Job{ID: "job-1", Type: JobTypeSessionCleanup, Payload: json.RawMessage(`{}`)}

	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job))
		assert.Equal(t, i, job.Attempt)
		got, _, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, i, got.Attempt)
	}

	require.NoError(t, q.Retry(ctx, job))
	dlq, err := mr.List(QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
	assert.False(t, mr.Exists(QueueSessionCleanup))
}

func TestQueue_DequeueDropsGarbage(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.RPush(QueueSessionCleanup, "not json")
	require.NoError(t, err)

	job, _, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}
