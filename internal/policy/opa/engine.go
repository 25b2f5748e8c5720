package opa

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const classifyQuery = "data.kguard.classify.category"

//go:embed classify.rego
var embeddedPolicy string

// Category is one named keyword group handed to the policy as input.
type Category struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

// Engine wraps OPA rego engine for keyword classification
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery

	modules map[string]*ast.Module
}

// NewEngine creates a new OPA engine. An empty policyDir, or one without
// .rego files, uses the embedded classification module.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Int("modules", len(e.modules)).Msg("OPA engine initialized")
	return e, nil
}

// loadPolicies parses all .rego files from the policy directory, falling back
// to the embedded module.
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)

	if e.policyDir != "" {
		files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		sort.Strings(files)

		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
			}

			module, err := ast.ParseModule(file, string(content))
			if err != nil {
				return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
			}

			modules[file] = module
			e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
		}
	}

	if len(modules) == 0 {
		module, err := ast.ParseModule("classify.rego", embeddedPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded policy: %w", err)
		}
		modules["classify.rego"] = module
	}

	return modules, nil
}

// prepareQuery prepares the classification query against modules
func prepareQuery(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(classifyQuery))
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare classify query: %w", err)
	}
	return query, nil
}

// Classify returns the first category with a keyword inside text. ok is
// false when nothing matched.
func (e *Engine) Classify(ctx context.Context, text string, categories []Category) (string, bool, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	input := map[string]interface{}{
		"text":       text,
		"categories": categories,
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", false, fmt.Errorf("classify query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Classify query evaluated")

	// Undefined result means no keyword hit.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", false, nil
	}

	category, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", false, fmt.Errorf("category is not a string: %T", results[0].Expressions[0].Value)
	}
	return category, true, nil
}

// Reload reloads all policies and swaps the prepared query atomically
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepareQuery(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Debug().Msg("OPA policies loaded")
	return nil
}
