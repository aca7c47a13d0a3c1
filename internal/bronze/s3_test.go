package bronze

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_AppendAndList(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "evidence", "bronze")
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	recs := []model.BronzeRecord{
		{ID: "r2", SourceID: "feed-b", Seq: 0, IngestedAt: at, Partition: "2024-05-01", Payload: []byte(`{"decision_id":"d2"}`)},
		{ID: "r1", SourceID: "feed-a", Seq: 1, IngestedAt: at, Partition: "2024-05-01", Payload: []byte("\x00raw")},
		{ID: "r0", SourceID: "feed-a", Seq: 0, IngestedAt: at, Partition: "2024-05-01", Payload: []byte(`{}`)},
		{ID: "r3", SourceID: "feed-a", Seq: 0, IngestedAt: at.Add(24 * time.Hour), Partition: "2024-05-02", Payload: []byte(`{}`)},
	}
	require.NoError(t, st.Append(ctx, recs...))
	assert.Equal(t, 4, fake.puts)

	got, err := st.ListByPartition(ctx, "2024-05-01")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "r0", got[0].ID)
	assert.Equal(t, "r1", got[1].ID)
	assert.Equal(t, "r2", got[2].ID)
	assert.Equal(t, []byte("\x00raw"), got[1].Payload)
	assert.True(t, at.Equal(got[0].IngestedAt))

	parts, err := st.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-01", "2024-05-02"}, parts)
}

func TestS3Store_AppendIsWriteOnce(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "evidence", "")
	rec := model.BronzeRecord{ID: "r0", SourceID: "feed-a", IngestedAt: time.Unix(0, 0).UTC(), Partition: "1970-01-01", Payload: []byte(`{}`)}

	require.NoError(t, st.Append(context.Background(), rec))
	require.NoError(t, st.Append(context.Background(), rec))
	assert.Equal(t, 1, fake.puts)
	assert.Len(t, fake.objects, 1)
}

func TestS3Store_PutFailure(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	st := NewS3StoreWithClient(fake, "evidence", "bronze/")

	err := st.Append(context.Background(), model.BronzeRecord{ID: "r0", SourceID: "a", Partition: "2024-01-01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
