package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "drafts/p1/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://drafts/p1/abc.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("drafts/p1/abc.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, 1, store.Len())
}
