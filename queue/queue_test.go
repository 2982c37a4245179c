package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmailJobRoundTrip(t *testing.T) {
	job := EmailJob{JobID: "job-1", Email: "a@example.com"}
	data, err := json.Marshal(job)
	require.NoError(t, err)

	var got EmailJob
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, job, got)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "email_queue", cfg.MainQueueKey)
	require.Equal(t, "email_retry_queue", cfg.RetryQueueKey)
	require.Equal(t, 15*time.Minute, cfg.RetryDelay)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
}
