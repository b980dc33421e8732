package blueprint

import (
	"errors"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type ClusterParams struct {
	ClusterName string `json:"clusterName"`
	Version     string `json:"version"`
	RoleArn     string `json:"roleArn"`
	// SubnetIDs default to the subnets of the default VPC.
	SubnetIDs      []string `json:"subnetIds"`
	PublicEndpoint *bool    `json:"publicEndpoint"`
	// NodeGroup is skipped when NodeRoleArn is empty.
	NodeGroupName string   `json:"nodeGroupName"`
	NodeRoleArn   string   `json:"nodeRoleArn"`
	InstanceTypes []string `json:"instanceTypes"`
	MinSize       int      `json:"minSize"`
	MaxSize       int      `json:"maxSize"`
	DesiredSize   int      `json:"desiredSize"`
}

func init() {
	register(Blueprint{
		Name:        "cluster",
		Description: "EKS cluster and managed node group, each waited on until active",
		build:       buildCluster,
	})
}

func buildCluster(unit string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p ClusterParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.RoleArn == "" {
		return nil, errors.New("roleArn is required")
	}
	if p.MinSize < 0 || p.MaxSize < 0 || p.DesiredSize < 0 {
		return nil, errors.New("node group sizes must not be negative")
	}
	if p.MaxSize > 0 && p.MinSize > p.MaxSize {
		return nil, errors.New("minSize exceeds maxSize")
	}

	name := orDefault(p.ClusterName, unit)
	cluster := key(ir.KindCluster, name)
	public := true
	if p.PublicEndpoint != nil {
		public = *p.PublicEndpoint
	}
	props := map[string]any{
		"version":              orDefault(p.Version, "1.27"),
		"roleArn":              p.RoleArn,
		"endpointPublicAccess": public,
	}
	if len(p.SubnetIDs) > 0 {
		props["subnetIds"] = stringsToAny(p.SubnetIDs)
	}

	steps := []engine.Step{
		engine.Ensure(ir.Spec{Key: cluster, Properties: props}),
		engine.WaitUntil(cluster, ir.StatusActive),
	}
	if p.NodeRoleArn == "" {
		return steps, nil
	}

	ng := scoped(ir.KindNodeGroup, orDefault(p.NodeGroupName, name+"-nodes"), name)
	ngProps := map[string]any{"nodeRoleArn": p.NodeRoleArn}
	if len(p.InstanceTypes) > 0 {
		ngProps["instanceTypes"] = stringsToAny(p.InstanceTypes)
	}
	for k, v := range map[string]int{"minSize": p.MinSize, "maxSize": p.MaxSize, "desiredSize": p.DesiredSize} {
		if v > 0 {
			ngProps[k] = v
		}
	}
	return append(steps,
		engine.Ensure(ir.Spec{Key: ng, Properties: ngProps}),
		engine.WaitUntil(ng, ir.StatusActive),
	), nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
