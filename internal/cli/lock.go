package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/provider"
	"github.com/picklr-io/converge/internal/state"
)

// lockID names the unit file in a shared lock table.
func (w *workspace) lockID() string {
	return filepath.Base(w.dir) + "/" + w.entry
}

// newLocker picks the DynamoDB lock when a table is given and the lock file
// next to the unit file otherwise.
func newLocker(ctx context.Context, ws *workspace, reg *provider.Registry, table string) (state.Locker, error) {
	if table == "" {
		return state.NewFileLock(filepath.Join(ws.dir, ws.entry)), nil
	}
	p, err := reg.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return state.NewDynamoDBLock(dynamodb.NewFromConfig(p.Config()), table, ws.lockID()), nil
}

// withLock runs fn while holding the run lock. Dry runs touch nothing and
// take no lock.
func withLock(ctx context.Context, ws *workspace, reg *provider.Registry, table string, dryRun bool, fn func() error) error {
	if dryRun {
		return fn()
	}
	l, err := newLocker(ctx, ws, reg, table)
	if err != nil {
		return err
	}
	if err := l.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		// The run context may already be cancelled.
		_ = l.Unlock(context.Background())
	}()
	return fn()
}

// exportResults writes what the run saw to a file or an s3:// URL.
func exportResults(ctx context.Context, reg *provider.Registry, dest string, results []*engine.Result) error {
	var client state.S3API
	if _, _, ok := state.ParseS3URL(dest); ok {
		p, err := reg.AWS(ctx)
		if err != nil {
			return err
		}
		client = s3.NewFromConfig(p.Config(), func(o *s3.Options) { o.UsePathStyle = endpoint != "" })
	}
	return state.WriteSnapshot(ctx, dest, state.NewSnapshot(results), client)
}
