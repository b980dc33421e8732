package blueprint

import (
	"errors"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

// BasicExecutionPolicy lets a function write its logs.
const BasicExecutionPolicy = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"

const defaultHandlerSource = `def lambda_handler(event, context):
    return {'statusCode': 200, 'body': 'Hello from Lambda!'}
`

type LambdaParams struct {
	FunctionName string `json:"functionName"`
	RoleName     string `json:"roleName"`
	Runtime      string `json:"runtime"`
	Handler      string `json:"handler"`
	// Code is a zip archive. Without it Source is packaged, and without
	// either a hello-world handler is.
	Code        string            `json:"code"`
	Source      string            `json:"source"`
	SourceFile  string            `json:"sourceFile"`
	Description string            `json:"description"`
	MemorySize  int               `json:"memorySize"`
	Timeout     int               `json:"timeout"`
	Environment map[string]string `json:"environment"`
	PolicyArns  []string          `json:"policyArns"`
}

func init() {
	register(Blueprint{
		Name:        "lambda",
		Description: "Lambda function with its execution role; redeploys code when it changed",
		build:       buildLambda,
	})
}

func buildLambda(unit string, raw map[string]any, env Env) ([]engine.Step, error) {
	var p LambdaParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MemorySize < 0 || p.Timeout < 0 {
		return nil, errors.New("memorySize and timeout must not be negative")
	}
	fnName := orDefault(p.FunctionName, unit)
	role := key(ir.KindRole, orDefault(p.RoleName, fnName+"-role"))

	policies := append([]string{BasicExecutionPolicy}, p.PolicyArns...)

	props := map[string]any{
		"runtime":    orDefault(p.Runtime, "python3.11"),
		"handler":    orDefault(p.Handler, "lambda_function.lambda_handler"),
		"role":       engine.Ref(ir.KindRole, role.Name, "arn"),
		"timeout":    15,
		"memorySize": 128,
	}
	if p.Timeout > 0 {
		props["timeout"] = p.Timeout
	}
	if p.MemorySize > 0 {
		props["memorySize"] = p.MemorySize
	}
	switch {
	case p.Code != "":
		props["code"] = resolvePath(env, p.Code)
	case p.Source != "":
		props["source"] = p.Source
	default:
		props["source"] = defaultHandlerSource
	}
	if p.SourceFile != "" {
		props["sourceFile"] = p.SourceFile
	}
	if p.Description != "" {
		props["description"] = p.Description
	}
	if len(p.Environment) > 0 {
		props["environment"] = stringMap(p.Environment)
	}

	fn := key(ir.KindFunction, fnName)
	return []engine.Step{
		engine.Ensure(ir.Spec{Key: role, Properties: map[string]any{
			"service":     "lambda.amazonaws.com",
			"description": "Role for Lambda execution",
		}}),
		engine.MustAttach(role, policyRules(ir.AttachRolePolicy, policies)...),
		engine.Upsert(ir.Spec{Key: fn, Properties: props}),
		engine.WaitUntil(fn, ir.StatusActive),
	}, nil
}
