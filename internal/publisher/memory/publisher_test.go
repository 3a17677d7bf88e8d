package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "job.completed", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "job.failed", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Equal(t, []string{"job.completed", "job.failed"}, pub.Events())
	msgs := pub.Messages()
	require.JSONEq(t, `{"job_id":"a"}`, string(msgs[0].Data))

	msgs[0].Event = "modified"
	require.Equal(t, "job.completed", pub.Messages()[0].Event)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "job.failed", func() {})
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
