package s3archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hengadev/medguard/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client implements Uploader for testing
type mockS3Client struct {
	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	input         *s3.PutObjectInput
	uploadedData  []byte
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params, optFns...)
	}
	m.input = params
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		m.uploadedData = data
	}
	return &s3.PutObjectOutput{}, nil
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(&mockS3Client{}, "")
	assert.ErrorIs(t, err, ErrMissingBucket)
}

func TestSink_Put(t *testing.T) {
	ctx := context.Background()
	client := &mockS3Client{}
	sink, err := New(client, "audit-bucket", WithPrefix("medguard/audit"))
	require.NoError(t, err)

	body := []byte(`{"id":"1"}` + "\n")
	require.NoError(t, sink.Put(ctx, "2026-03-01.jsonl", bytes.NewReader(body), int64(len(body))))

	require.NotNil(t, client.input)
	assert.Equal(t, "audit-bucket", aws.ToString(client.input.Bucket))
	assert.Equal(t, "medguard/audit/2026-03-01.jsonl", aws.ToString(client.input.Key))
	assert.Equal(t, int64(len(body)), aws.ToInt64(client.input.ContentLength))
	assert.Equal(t, ContentType, aws.ToString(client.input.ContentType))
	assert.Equal(t, types.ServerSideEncryptionAes256, client.input.ServerSideEncryption)
	assert.Empty(t, client.input.ObjectLockMode)
	assert.Equal(t, body, client.uploadedData)
}

func TestSink_PutWithRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &mockS3Client{}
	sink, err := New(client, "audit-bucket",
		WithRetention(7*365*24*time.Hour),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	require.NoError(t, sink.Put(context.Background(), "k", bytes.NewReader(nil), 0))
	assert.Equal(t, types.ObjectLockModeCompliance, client.input.ObjectLockMode)
	assert.Equal(t, now.Add(7*365*24*time.Hour), aws.ToTime(client.input.ObjectLockRetainUntilDate))
	assert.Equal(t, "k", aws.ToString(client.input.Key))
}

func TestSink_PutError(t *testing.T) {
	client := &mockS3Client{
		putObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, errors.New("AccessDenied")
		},
	}
	sink, err := New(client, "audit-bucket")
	require.NoError(t, err)

	err = sink.Put(context.Background(), "k", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://audit-bucket/k")
}

func TestSink_ExportsAuditLog(t *testing.T) {
	ctx := context.Background()
	log := audit.NewLog(audit.NewMemoryStore())
	for _, actor := range []string{"dr-a", "dr-b", "dr-a"} {
		_, err := log.Append(ctx, audit.Entry{
			ActorID:   actor,
			Operation: "update_consultation",
			Level:     "patient_update",
			Outcome:   audit.Allowed,
		})
		require.NoError(t, err)
	}

	client := &mockS3Client{}
	sink, err := New(client, "audit-bucket")
	require.NoError(t, err)

	n, err := log.Export(ctx, sink, "dr-a.jsonl", audit.Filter{ActorID: "dr-a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var lines []audit.Entry
	scanner := bufio.NewScanner(bytes.NewReader(client.uploadedData))
	for scanner.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, uint64(1), lines[0].Sequence)
	assert.Equal(t, uint64(3), lines[1].Sequence)
}
