package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`[{"company_name":"Acme Corp"}]`)
	uri, err := store.PutObject(context.Background(), "raw/job-1/1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/job-1/1.json", uri)

	payload[0] = '{'
	obj, ok := store.Get("raw/job-1/1.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, `[{"company_name":"Acme Corp"}]`, string(obj.Data))
	assert.Equal(t, []string{"raw/job-1/1.json"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "application/json", bytes.NewReader(nil))
	require.Error(t, err)
}
