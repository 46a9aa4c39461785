package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const defaultQuery = "data.tufd.policy.result"

// Input is what the admission policy sees for an add-targets request.
type Input struct {
	Action string   `json:"action"`
	Paths  []string `json:"paths"`
}

type DenyReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Allow bool         `json:"allow"`
	Deny  []DenyReason `json:"deny,omitempty"`
}

// Engine evaluates the operator-supplied Rego bundle that decides which
// target paths the repository admits. Policies run fully local: bundles that
// reach for network builtins are rejected at load time.
type Engine struct {
	query rego.PreparedEvalQuery
}

var forbiddenBuiltins = map[string]bool{
	"http.send":          true,
	"net.lookup_ip_addr": true,
	"opa.runtime":        true,
}

func NewEngineFromBundlePath(ctx context.Context, bundlePath string) (*Engine, error) {
	if bundlePath == "" {
		return nil, errors.New("policy bundle path is required")
	}
	compiler := ast.NewCompiler()
	r := rego.New(
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{bundlePath}, nil),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared}, nil
}

func (e *Engine) Evaluate(ctx context.Context, input Input) (Result, error) {
	if e == nil {
		return Result{}, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{}, errors.New("empty policy result")
	}
	result, err := decodeResult(results[0].Expressions[0].Value)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
	return result, nil
}

func decodeResult(value any) (Result, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	for _, module := range compiler.Modules {
		var found error
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if forbiddenBuiltins[name] {
				found = fmt.Errorf("policy bundle uses forbidden builtin %s", name)
				return true
			}
			return false
		})
		if found != nil {
			return found
		}
	}
	return nil
}
