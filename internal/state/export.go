package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

// S3API is the part of the S3 client snapshot export uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshot is what one run saw: per unit the handles it created or found,
// and where it stopped.
type Snapshot struct {
	Time  time.Time                `json:"time"`
	Units map[string]*UnitSnapshot `json:"units"`
}

type UnitSnapshot struct {
	Completed int          `json:"completed"`
	Failure   string       `json:"failure,omitempty"`
	Handles   []*ir.Handle `json:"handles"`
}

func NewSnapshot(results []*engine.Result) *Snapshot {
	snap := &Snapshot{Time: time.Now().UTC(), Units: make(map[string]*UnitSnapshot, len(results))}
	for _, res := range results {
		u := &UnitSnapshot{Completed: res.Completed, Handles: res.Handles.Handles()}
		if err := res.Err(); err != nil {
			u.Failure = err.Error()
		}
		snap.Units[res.Pipeline] = u
	}
	return snap
}

// ParseS3URL splits s3://bucket/key. ok is false for anything else.
func ParseS3URL(dest string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// WriteSnapshot writes snap as JSON to a local path or an s3:// URL. The
// S3 client is only used for s3:// destinations.
func WriteSnapshot(ctx context.Context, dest string, snap *Snapshot, client S3API) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	if bucket, key, ok := ParseS3URL(dest); ok {
		if client == nil {
			return fmt.Errorf("no S3 client for %s", dest)
		}
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to write snapshot to %s: %w", dest, err)
		}
		return nil
	}
	if strings.HasPrefix(dest, "s3://") {
		return fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
