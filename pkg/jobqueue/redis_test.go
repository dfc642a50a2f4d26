package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTripKeepsPayload(t *testing.T) {
	e := envelope{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Topic:      TopicProcessUpload,
		Payload:    json.RawMessage(`{"sheet":"日期"}`),
		Attempts:   2,
		EnqueuedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := encodeEnvelope(e)
	require.NoError(t, err)

	got, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, e.JobID, got.JobID)
	require.Equal(t, 2, got.Attempts)
	require.JSONEq(t, `{"sheet":"日期"}`, string(got.Payload))
}

func TestDecodeEnvelope_RejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope("not json")
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = decodeEnvelope(`{"topic":"x"}`)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNewRedisQueue_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(client, "", WorkerOptions{})
	require.NoError(t, err)
	require.False(t, q.Transactional())
	require.Equal(t, "sims_uploads", q.PendingKey())
	require.Equal(t, "sims_uploads:processing", q.ProcessingKey())
	require.Equal(t, "sims_uploads:delayed", q.DelayedKey())
	require.Equal(t, "sims_uploads:dead", q.DeadKey())

	_, err = NewRedisQueue(nil, "q", WorkerOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
