package eval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apple/pkl-go/pkl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unitsYAML = `
region: eu-west-1
units:
  - name: net
    blueprint: network
    params:
      vpcCidr: 10.0.0.0/16
      ports: [8080, 3001]
      ami: ${ami}
  - name: custom
    steps:
      - action: ensure
        kind: memory:Thing
        name: a
        properties:
          tags:
            team: platform
      - action: wait
        kind: memory:Thing
        name: a
        target: [active]
        interval: 1s
        attempts: 3
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEvaluator_LoadYAML(t *testing.T) {
	path := writeFile(t, "units.yaml", unitsYAML)

	cfg, err := NewEvaluator("").LoadConfig(context.Background(), path, map[string]string{"ami": "ami-123"})
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Region)
	require.Len(t, cfg.Units, 2)

	net := cfg.Unit("net")
	require.NotNil(t, net)
	assert.Equal(t, "network", net.Blueprint)
	assert.Equal(t, "ami-123", net.Params["ami"])
	assert.Equal(t, []any{8080, 3001}, net.Params["ports"])

	custom := cfg.Unit("custom")
	require.NotNil(t, custom)
	require.Len(t, custom.Steps, 2)
	assert.Equal(t, "platform", custom.Steps[0].Properties["tags"].(map[string]any)["team"])
	assert.Equal(t, []string{"active"}, custom.Steps[1].Target)
	assert.Equal(t, 3, custom.Steps[1].Attempts)
}

func TestEvaluator_RelativeToProjectDir(t *testing.T) {
	path := writeFile(t, "units.yml", `
units:
  - name: b
    blueprint: bucket
    params:
      name: my-bucket
`)
	cfg, err := NewEvaluator(filepath.Dir(path)).LoadConfig(context.Background(), "units.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, "bucket", cfg.Units[0].Blueprint)
}

func TestEvaluator_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"missing property", "u.yaml", unitsYAML, "undefined properties"},
		{"unknown field", "u.yaml", "units:\n  - name: a\n    blueprint: bucket\n    colour: red\n", "colour"},
		{"empty", "u.yaml", "", "is empty"},
		{"no units", "u.yaml", "region: us-east-1\n", "no units"},
		{"duplicate unit", "u.yaml", "units:\n  - {name: a, blueprint: bucket}\n  - {name: a, blueprint: bucket}\n", "duplicate unit name"},
		{"bad action", "u.yaml", "units:\n  - name: a\n    steps:\n      - action: explode\n        kind: memory:Thing\n        name: x\n", "unknown action"},
		{"extension", "u.json", "{}", "unsupported unit file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewEvaluator("").LoadConfig(context.Background(), path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluator_MissingFile(t *testing.T) {
	_, err := NewEvaluator(t.TempDir()).LoadConfig(context.Background(), "nope.yaml", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnwrapObjects(t *testing.T) {
	in := map[string]any{
		"tags": pkl.Object{
			Properties: map[string]any{"team": "platform"},
			Entries:    map[any]any{"env": "prod"},
		},
		"ports": pkl.Object{Elements: []any{8080, 3001}},
		"nested": map[any]any{
			"inner": &pkl.Object{Properties: map[string]any{"a": 1}},
		},
	}

	out := normalizeMap(in)
	assert.Equal(t, map[string]any{"team": "platform", "env": "prod"}, out["tags"])
	assert.Equal(t, []any{8080, 3001}, out["ports"])
	assert.Equal(t, map[string]any{"inner": map[string]any{"a": 1}}, out["nested"])
	assert.Nil(t, normalizeMap(nil))
}
