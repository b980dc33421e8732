package blueprint

import (
	"errors"
	"strings"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type BucketParams struct {
	BucketName string `json:"bucketName"`
	Region     string `json:"region"`
	Versioning *bool  `json:"versioning"`
	// PublicAccessBlock blocks every kind of public access unless turned
	// off.
	PublicAccessBlock *bool `json:"publicAccessBlock"`
}

func init() {
	register(Blueprint{
		Name:        "bucket",
		Description: "S3 bucket with versioning and a public access block",
		build:       buildBucket,
	})
}

func buildBucket(unit string, raw map[string]any, env Env) ([]engine.Step, error) {
	var p BucketParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	name := orDefault(p.BucketName, unit)
	if name != strings.ToLower(name) || len(name) < 3 || len(name) > 63 {
		return nil, errors.New("bucket names are 3 to 63 lowercase characters")
	}

	bucket := key(ir.KindBucket, name)
	props := map[string]any{}
	if region := orDefault(p.Region, env.Region); region != "" {
		props["region"] = region
	}
	steps := []engine.Step{engine.Ensure(ir.Spec{Key: bucket, Properties: props})}

	var rules []ir.AttachmentRule
	if p.Versioning == nil || *p.Versioning {
		rules = append(rules, ir.AttachmentRule{Kind: ir.AttachBucketVersioning, Properties: map[string]any{"status": "Enabled"}})
	}
	if p.PublicAccessBlock == nil || *p.PublicAccessBlock {
		rules = append(rules, ir.AttachmentRule{Kind: ir.AttachBucketPublicAccess})
	}
	if len(rules) > 0 {
		steps = append(steps, engine.Attach(bucket, rules...))
	}
	return steps, nil
}
