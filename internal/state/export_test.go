package state

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	bucket, key string
	body        []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func testResults() []*engine.Result {
	ok := &engine.Result{Pipeline: "net", Completed: 2, Handles: ir.NewState()}
	ok.Handles.Put(&ir.Handle{Key: ir.Key{Kind: ir.KindVpc, Name: "main"}, ID: "vpc-1", Status: ir.StatusActive})

	failed := &engine.Result{Pipeline: "app", Completed: 0, Handles: ir.NewState(),
		FirstFailure: &engine.StepFailure{Err: errors.New("boom")}}
	return []*engine.Result{ok, failed}
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot(testResults())
	require.Len(t, snap.Units, 2)

	net := snap.Units["net"]
	assert.Equal(t, 2, net.Completed)
	assert.Empty(t, net.Failure)
	require.Len(t, net.Handles, 1)
	assert.Equal(t, "vpc-1", net.Handles[0].ID)

	assert.Contains(t, snap.Units["app"].Failure, "boom")
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{"s3://b/runs/latest.json", "b", "runs/latest.json", true},
		{"s3://b", "", "", false},
		{"s3:///k", "", "", false},
		{"out/handles.json", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseS3URL(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.bucket, bucket, tt.in)
		assert.Equal(t, tt.key, key, tt.in)
	}
}

func TestWriteSnapshotFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "handles.json")
	require.NoError(t, WriteSnapshot(context.Background(), dest, NewSnapshot(testResults()), nil))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "vpc-1", got.Units["net"].Handles[0].ID)
}

func TestWriteSnapshotS3(t *testing.T) {
	client := &fakeS3{}
	require.NoError(t, WriteSnapshot(context.Background(), "s3://artifacts/runs/last.json", NewSnapshot(testResults()), client))
	assert.Equal(t, "artifacts", client.bucket)
	assert.Equal(t, "runs/last.json", client.key)
	assert.Contains(t, string(client.body), `"vpc-1"`)

	err := WriteSnapshot(context.Background(), "s3://artifacts", NewSnapshot(nil), client)
	assert.ErrorContains(t, err, "invalid S3 URL")

	err = WriteSnapshot(context.Background(), "s3://artifacts/x.json", NewSnapshot(nil), nil)
	assert.ErrorContains(t, err, "no S3 client")
}
