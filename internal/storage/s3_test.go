//go:build integration

package storage

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/cloo-solutions/siriusdms/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(ctx context.Context, t *testing.T) *S3Client {
	t.Helper()
	rc := testutil.NewRustFSContainer(ctx, t)
	t.Cleanup(func() { _ = rc.Terminate(context.Background()) })

	client, err := NewS3Client(ctx, S3ClientConfig{
		Endpoint:        rc.URL(),
		Region:          "us-east-1",
		AccessKeyID:     testutil.RustFSAccessKey,
		SecretAccessKey: testutil.RustFSSecretKey,
		Bucket:          "sirius-documents",
		UsePathStyle:    true,
		MaxObjectSize:   1024,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(ctx))
	return client
}

func TestS3Client_PutGetAndDownloadURL(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(ctx, t)

	data := []byte("Договор поставки №1")
	require.NoError(t, client.PutObject(ctx, "documents/contract.txt", data, "text/plain"))

	got, err := client.GetObject(ctx, "documents/contract.txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	url, err := client.GenerateDownloadURL(ctx, "documents/contract.txt")
	require.NoError(t, err)
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, data, body)

	_, err = client.GetObject(ctx, "documents/missing.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, domain.ErrCodeNotFound, domain.ErrorCode(err))
}

func TestS3Client_ObjectTooLarge(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(ctx, t)

	require.NoError(t, client.PutObject(ctx, "big.txt", make([]byte, 2048), ""))

	_, err := client.GetObject(ctx, "big.txt")
	assert.Error(t, err)
}

func TestS3Client_EnsureBucketIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(ctx, t)

	assert.NoError(t, client.EnsureBucket(ctx))
}
