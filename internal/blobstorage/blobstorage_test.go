package blobstorage

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsContentAddressedPerOwner(t *testing.T) {
	a := Key(1, []byte("hello"))
	assert.Equal(t, a, Key(1, []byte("hello")))
	assert.NotEqual(t, a, Key(2, []byte("hello")))
	assert.NotEqual(t, a, Key(1, []byte("hello!")))
	assert.True(t, strings.HasPrefix(a, "1/"))
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("data")))
	require.NoError(t, store.Put(ctx, "k", []byte("data")), "duplicate put is ignored")

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "k"))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	store := NewS3StoreWithClient(fake, "mail", "petrel/")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "1/abc", []byte("raw message")))
	assert.Contains(t, fake.objects, "mail/petrel/1/abc")

	got, err := store.Get(ctx, "1/abc")
	require.NoError(t, err)
	assert.Equal(t, "raw message", string(got))

	require.NoError(t, store.Delete(ctx, "1/abc"))
	_, err = store.Get(ctx, "1/abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true, Region: "eu-west-1"}.Validate())
	assert.NoError(t, Config{Enabled: true, Region: "eu-west-1", Bucket: "mail"}.Validate())
}
