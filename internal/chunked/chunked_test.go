package chunked

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

func newUploader(t *testing.T, chunk int) *BlobUploader {
	t.Helper()
	u := New(memblob.OpenBucket(nil), Config{ChunkSize: chunk, Prefix: "staging"})
	t.Cleanup(func() { u.Close() })
	return u
}

func TestUploadTransactionWritesEnvelope(t *testing.T) {
	u := newUploader(t, 16)
	s, err := arbundles.GenerateKeypair()
	require.NoError(t, err)
	it, err := upload.BuildItem(upload.String("a payload long enough to span several chunks"), s, arbundles.ItemOptions{})
	require.NoError(t, err)

	var progress []upload.ChunkProgress
	res, err := u.UploadTransaction(context.Background(), upload.SignedItem{Item: it}, upload.ChunkOptions{
		Currency: "arweave",
		Progress: func(p upload.ChunkProgress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, it.ID(), res.ID)

	key := u.Key("arweave", it.ID())
	assert.Equal(t, "staging/tx/arweave/"+it.ID(), key)

	stored, err := u.bucket.ReadAll(context.Background(), key)
	require.NoError(t, err)
	want, _ := it.Bytes()
	assert.Equal(t, want, stored)

	parsed, err := arbundles.ParseItem(stored)
	require.NoError(t, err)
	assert.Equal(t, it.ID(), parsed.ID())

	require.NotEmpty(t, progress)
	assert.Greater(t, len(progress), 1)
	last := progress[len(progress)-1]
	assert.Equal(t, int64(len(want)), last.Written)
	assert.Equal(t, last.Total, last.Written)
}

func TestUploadDataSignsFirst(t *testing.T) {
	u := newUploader(t, 1024)
	s, err := arbundles.GenerateKeypair()
	require.NoError(t, err)

	res, err := u.UploadData(context.Background(), upload.String("raw"), upload.ChunkOptions{
		Currency: "arweave",
		Signer:   s,
		Item:     arbundles.ItemOptions{Tags: []arbundles.Tag{{Name: "Content-Type", Value: "text/plain"}}},
	})
	require.NoError(t, err)

	stored, err := u.bucket.ReadAll(context.Background(), u.Key("arweave", res.ID))
	require.NoError(t, err)
	it, err := arbundles.ParseItem(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), it.Data)
	ct, _ := it.Tag("Content-Type")
	assert.Equal(t, "text/plain", ct)
}

func TestUploadTransactionRejectsRaw(t *testing.T) {
	u := newUploader(t, 1024)
	_, err := u.UploadTransaction(context.Background(), upload.String("raw"), upload.ChunkOptions{Currency: "arweave"})
	assert.True(t, errors.Is(err, ErrNotSigned))
}

func TestUploadDataWithoutSigner(t *testing.T) {
	u := newUploader(t, 1024)
	_, err := u.UploadData(context.Background(), upload.String("raw"), upload.ChunkOptions{Currency: "arweave"})
	assert.Error(t, err)
}

func TestUploaderRoutesLargeItemsHere(t *testing.T) {
	bu := newUploader(t, 8)
	s, err := arbundles.GenerateKeypair()
	require.NoError(t, err)

	// Threshold of one byte forces every item through the bucket.
	up := upload.New(upload.Config{BaseURL: "http://127.0.0.1:1", ChunkThreshold: 1}, currency.New("arweave", s), bu)
	it, err := upload.BuildItem(upload.String("routed"), s, arbundles.ItemOptions{})
	require.NoError(t, err)

	res, err := up.UploadItem(context.Background(), upload.SignedItem{Item: it}, upload.UploadOptions{})
	require.NoError(t, err)

	ok, err := bu.bucket.Exists(context.Background(), bu.Key("arweave", res.ID))
	require.NoError(t, err)
	assert.True(t, ok)
}
