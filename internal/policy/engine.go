// Package policy resolves what a user may do with a resource. Rules are
// written in rego and evaluated with OPA.
package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/config"
)

//go:embed rego/*.rego
var embedded embed.FS

const (
	capabilitiesQuery = "data.worktimer.capabilities"
	allocationQuery   = "data.worktimer.allocation.requires_approval"
)

// Engine evaluates capability and allocation policies.
type Engine struct {
	policyDir      string
	thresholdHours float64
	thresholdValue float64
	logger         zerolog.Logger

	mu         sync.RWMutex
	capQuery   rego.PreparedEvalQuery
	allocQuery rego.PreparedEvalQuery

	cache *lru.Cache[string, Capabilities]
}

// NewEngine loads policies from cfg.OPAPolicyDir, or the embedded defaults
// when it is empty, and prepares both queries.
func NewEngine(cfg config.PolicyConfig, approval config.ApprovalConfig, logger zerolog.Logger) (*Engine, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, Capabilities](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create capability cache: %w", err)
	}

	e := &Engine{
		policyDir:      cfg.OPAPolicyDir,
		thresholdHours: approval.ThresholdHours,
		thresholdValue: approval.ThresholdValue,
		logger:         logger.With().Str("component", "policy").Logger(),
		cache:          cache,
	}

	if err := e.prepare(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	source := e.policyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_source", source).Msg("Policy engine initialized")

	return e, nil
}

// loadModules returns rego source keyed by file name.
func (e *Engine) loadModules() (map[string]string, error) {
	var (
		fsys  fs.FS = embedded
		match       = "rego/*.rego"
	)
	if e.policyDir != "" {
		fsys = os.DirFS(e.policyDir)
		match = "*.rego"
	}

	files, err := fs.Glob(fsys, match)
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", filepath.Join(e.policyDir, match))
	}
	sort.Strings(files)

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}
	return modules, nil
}

// prepare compiles both queries and swaps them in.
func (e *Engine) prepare() error {
	modules, err := e.loadModules()
	if err != nil {
		return err
	}

	store := inmem.NewFromObject(map[string]interface{}{
		"settings": map[string]interface{}{
			"allocation": map[string]interface{}{
				"threshold_hours": e.thresholdHours,
				"threshold_value": e.thresholdValue,
			},
		},
	})

	options := func(query string) []func(*rego.Rego) {
		opts := []func(*rego.Rego){rego.Query(query), rego.Store(store)}
		for name, src := range modules {
			opts = append(opts, rego.Module(name, src))
		}
		return opts
	}

	ctx := context.Background()
	capQuery, err := rego.New(options(capabilitiesQuery)...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare capabilities query: %w", err)
	}
	allocQuery, err := rego.New(options(allocationQuery)...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare allocation query: %w", err)
	}

	e.mu.Lock()
	e.capQuery = capQuery
	e.allocQuery = allocQuery
	e.mu.Unlock()
	return nil
}

// Capabilities resolves what subject may do with resource. Results are
// cached until the next Reload.
func (e *Engine) Capabilities(ctx context.Context, subject Subject, resource Resource) (Capabilities, error) {
	key := cacheKey(subject, resource)
	if caps, ok := e.cache.Get(key); ok {
		return caps, nil
	}

	startTime := time.Now()

	e.mu.RLock()
	query := e.capQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input(subject, resource)))
	if err != nil {
		return Capabilities{}, fmt.Errorf("capabilities query evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Capabilities{}, fmt.Errorf("no results from capabilities query")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return Capabilities{}, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}

	e.cache.Add(key, caps)
	e.logger.Debug().
		Str("user_id", subject.UserID).
		Str("role", string(subject.Role)).
		Str("kind", string(resource.Kind)).
		Dur("duration", time.Since(startTime)).
		Msg("Capabilities evaluated")

	return caps, nil
}

// RequiresApproval reports whether an allocation of hours worth value
// must be approved by admins.
func (e *Engine) RequiresApproval(ctx context.Context, hours, value float64) (bool, error) {
	e.mu.RLock()
	query := e.allocQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"hours": hours,
		"value": value,
	}))
	if err != nil {
		return false, fmt.Errorf("allocation query evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("no results from allocation query")
	}

	required, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("requires_approval is not a boolean: %T", results[0].Expressions[0].Value)
	}
	return required, nil
}

// Reload re-reads the policy files and drops cached decisions. On failure
// the previous policies stay in effect.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading policies")

	if err := e.prepare(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	e.cache.Purge()

	e.logger.Info().Msg("Policies reloaded successfully")
	return nil
}
