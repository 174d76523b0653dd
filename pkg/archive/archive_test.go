package archive

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileArchive_RoundTrip(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte(`{"topic":"audit"}`)

	ref, err := a.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Ref(data), ref)

	again, err := a.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = a.Get(ctx, Ref([]byte("other")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = a.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = a.Get(ctx, "sha256:../../etc/passwd")
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Archive_PutIsIdempotent(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	a := &S3Archive{client: fake, bucket: "evidence", prefix: "manifests/"}
	ctx := context.Background()
	data := []byte(`{"root":"0x01"}`)

	ref, err := a.Put(ctx, data)
	require.NoError(t, err)
	_, err = a.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, fake.objects, a.key(ref))

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = a.Get(ctx, Ref([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileArchive{}, a)

	_, err = New(ctx, Config{Type: TypeS3})
	assert.ErrorContains(t, err, "bucket")
	_, err = New(ctx, Config{Type: "tape"})
	assert.Error(t, err)
}
