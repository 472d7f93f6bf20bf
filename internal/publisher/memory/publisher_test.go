package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "announcements", map[string]any{"decision": "new"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "announcements", map[string]any{"decision": "replaced"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "announcements", pub.Messages()[0].Topic)
	require.Equal(t, 1, pub.Count("replaced"))
}
