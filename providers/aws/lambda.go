package aws

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/picklr-io/converge/internal/ir"
)

// FunctionProperties describe a Lambda function. Code is either a zip file
// on disk (Code) or inline Source packaged under SourceFile.
type FunctionProperties struct {
	Runtime     string            `json:"runtime"`
	Handler     string            `json:"handler"`
	Role        string            `json:"role"`
	Code        string            `json:"code"`
	Source      string            `json:"source"`
	SourceFile  string            `json:"sourceFile"`
	Description string            `json:"description"`
	MemorySize  *int32            `json:"memorySize"`
	Timeout     *int32            `json:"timeout"`
	Environment map[string]string `json:"environment"`
}

// zipEpoch keeps packaged archives byte-identical across runs so the code
// hash can be compared with the deployed one.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Package returns the deployment archive for the function.
func (f FunctionProperties) Package() ([]byte, error) {
	if f.Code != "" {
		data, err := os.ReadFile(f.Code)
		if err != nil {
			return nil, fmt.Errorf("failed to read code file: %w", err)
		}
		return data, nil
	}
	if f.Source == "" {
		return nil, fmt.Errorf("code or source is required")
	}

	name := f.SourceFile
	if name == "" {
		name = defaultSourceFile(f.Runtime, f.Handler)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch})
	if err != nil {
		return nil, fmt.Errorf("failed to package source: %w", err)
	}
	if _, err := w.Write([]byte(f.Source)); err != nil {
		return nil, fmt.Errorf("failed to package source: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to package source: %w", err)
	}
	return buf.Bytes(), nil
}

// defaultSourceFile derives the module file from the handler: index.handler
// on a nodejs runtime is index.js.
func defaultSourceFile(runtime, handler string) string {
	module := "index"
	if i := strings.LastIndex(handler, "."); i > 0 {
		module = handler[:i]
	}
	if strings.HasPrefix(runtime, "python") {
		return module + ".py"
	}
	return module + ".js"
}

// CodeSha256 is the hash Lambda reports for a deployed archive.
func CodeSha256(archive []byte) string {
	sum := sha256.Sum256(archive)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func functionStatus(cfg *types.FunctionConfiguration) ir.Status {
	switch cfg.LastUpdateStatus {
	case types.LastUpdateStatusInProgress:
		return ir.StatusPending
	case types.LastUpdateStatusFailed:
		return ir.StatusFailed
	}
	switch cfg.State {
	case types.StatePending:
		return ir.StatusPending
	case types.StateActive, types.StateInactive:
		return ir.StatusActive
	case types.StateFailed:
		return ir.StatusFailed
	}
	// Functions created before states existed report none.
	return ir.StatusActive
}

func functionHandle(key ir.Key, cfg *types.FunctionConfiguration) *ir.Handle {
	return &ir.Handle{
		Key:    key,
		ID:     aws.ToString(cfg.FunctionName),
		ARN:    aws.ToString(cfg.FunctionArn),
		Status: functionStatus(cfg),
		State:  string(cfg.State),
		Attributes: map[string]string{
			"runtime":    string(cfg.Runtime),
			"handler":    aws.ToString(cfg.Handler),
			"role":       aws.ToString(cfg.Role),
			"codeSha256": aws.ToString(cfg.CodeSha256),
			"version":    aws.ToString(cfg.Version),
		},
	}
}

func (p *Provider) getFunction(ctx context.Context, name string) (*types.FunctionConfiguration, error) {
	out, err := p.lambdaClient.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Configuration, nil
}

func (p *Provider) describeFunction(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	cfg, err := p.getFunction(ctx, key.Name)
	if err != nil || cfg == nil {
		return nil, err
	}
	return functionHandle(key, cfg), nil
}

func (p *Provider) createFunction(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props FunctionProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.Role == "" || props.Handler == "" || props.Runtime == "" {
		return nil, invalid("create", spec.Key, "runtime, handler and role are required")
	}
	archive, err := props.Package()
	if err != nil {
		return nil, invalid("create", spec.Key, "%v", err)
	}
	input := &lambda.CreateFunctionInput{
		FunctionName: aws.String(spec.Key.Name),
		Runtime:      types.Runtime(props.Runtime),
		Handler:      aws.String(props.Handler),
		Role:         aws.String(props.Role),
		Code:         &types.FunctionCode{ZipFile: archive},
		Description:  optional(props.Description),
		MemorySize:   props.MemorySize,
		Timeout:      props.Timeout,
	}
	if len(props.Environment) > 0 {
		input.Environment = &types.Environment{Variables: props.Environment}
	}
	out, err := p.createFunctionAfterRole(ctx, input)
	if err != nil {
		return nil, err
	}
	return functionHandle(spec.Key, &types.FunctionConfiguration{
		FunctionName:     out.FunctionName,
		FunctionArn:      out.FunctionArn,
		Runtime:          out.Runtime,
		Handler:          out.Handler,
		Role:             out.Role,
		CodeSha256:       out.CodeSha256,
		Version:          out.Version,
		State:            out.State,
		LastUpdateStatus: out.LastUpdateStatus,
	}), nil
}

// createFunctionAfterRole retries CreateFunction while IAM has not yet
// propagated a freshly created execution role to Lambda.
func (p *Provider) createFunctionAfterRole(ctx context.Context, input *lambda.CreateFunctionInput) (*lambda.CreateFunctionOutput, error) {
	delay := p.propagationDelay
	if delay <= 0 {
		delay = defaultPropagationDelay
	}
	for attempt := 1; ; attempt++ {
		out, err := p.lambdaClient.CreateFunction(ctx, input)
		if err == nil || attempt >= propagationAttempts || !isRolePropagation(err) {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// updateFunction deploys new code when the archive differs from the
// deployed one and reports Unchanged otherwise.
func (p *Provider) updateFunction(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props FunctionProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	archive, err := props.Package()
	if err != nil {
		return nil, invalid("update", spec.Key, "%v", err)
	}
	cfg, err := p.getFunction(ctx, spec.Key.Name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, missing("update", spec.Key)
	}
	if aws.ToString(cfg.CodeSha256) == CodeSha256(archive) {
		return nil, unchanged("update", spec.Key)
	}
	out, err := p.lambdaClient.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(spec.Key.Name),
		ZipFile:      archive,
	})
	if err != nil {
		return nil, err
	}
	return functionHandle(spec.Key, &types.FunctionConfiguration{
		FunctionName:     out.FunctionName,
		FunctionArn:      out.FunctionArn,
		Runtime:          out.Runtime,
		Handler:          out.Handler,
		Role:             out.Role,
		CodeSha256:       out.CodeSha256,
		Version:          out.Version,
		State:            out.State,
		LastUpdateStatus: out.LastUpdateStatus,
	}), nil
}

func (p *Provider) deleteFunction(ctx context.Context, key ir.Key) error {
	_, err := p.lambdaClient.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(key.Name)})
	return err
}
