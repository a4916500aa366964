package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherCapturesEventsInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()

	id1, err := pub.Publish(ctx, "blockpipe.jobs", map[string]string{"event": "job.started"})
	require.NoError(t, err)
	require.Equal(t, "local-1", id1)

	id2, err := pub.Publish(ctx, "blockpipe.jobs", map[string]string{"event": "job.completed"})
	require.NoError(t, err)
	require.Equal(t, "local-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "blockpipe.jobs", events[0].Topic)

	// Mutating the returned slice must not leak back into the publisher.
	events[0].Topic = "modified"
	require.Equal(t, "blockpipe.jobs", pub.Events()[0].Topic)
}
