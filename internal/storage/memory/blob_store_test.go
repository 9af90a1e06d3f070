package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "crawls/t-1/out.csv", "text/csv", strings.NewReader("content"))
	require.NoError(t, err)
	require.Equal(t, "memory://crawls/t-1/out.csv", uri)

	obj, ok := store.Get("crawls/t-1/out.csv")
	require.True(t, ok)
	require.Equal(t, "text/csv", obj.ContentType)
	obj.Data[0] = 'C'

	again, _ := store.Get("crawls/t-1/out.csv")
	require.Equal(t, "content", string(again.Data))
	require.Equal(t, []string{"crawls/t-1/out.csv"}, store.Keys())

	_, ok = store.Get("missing")
	require.False(t, ok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestBlobStorePutObjectReadError(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "x", "text/csv", failingReader{})
	require.ErrorContains(t, err, "disk gone")
	require.Empty(t, store.Keys())
}
