// Package policy evaluates planned weight moves against a rego policy before
// they reach the cluster.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// DenyQuery is the rule a move policy must define: a set of denial reasons
const DenyQuery = "data.osdeq.moves.deny"

// GuardConfig configures the move guard
type GuardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
	// Template names a built-in policy, used when File is empty
	Template        string  `mapstructure:"template"`
	MinWeight       float64 `mapstructure:"min_weight"`
	MaxWeight       float64 `mapstructure:"max_weight"`
	MaxStepFraction float64 `mapstructure:"max_step_fraction"`
}

// Guard decides whether a planned move may be applied
type Guard interface {
	Check(ctx context.Context, move models.Move, round int) (*Decision, error)
}

// Decision is the outcome of checking one move
type Decision struct {
	Move    models.Move `json:"move"`
	Allowed bool        `json:"allowed"`
	Reasons []string    `json:"reasons,omitempty"`
}

// MoveGuard implements Guard with Open Policy Agent
type MoveGuard struct {
	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	config GuardConfig
	source string
	logger logging.Logger
}

// NewMoveGuard compiles the configured policy
func NewMoveGuard(ctx context.Context, config GuardConfig, logger logging.Logger) (*MoveGuard, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	module, source, err := loadModule(config)
	if err != nil {
		return nil, err
	}

	query, err := prepare(ctx, source, module)
	if err != nil {
		return nil, err
	}

	return &MoveGuard{
		query:  query,
		config: config,
		source: source,
		logger: logger.Named("policy"),
	}, nil
}

func loadModule(config GuardConfig) (string, string, error) {
	if config.File != "" {
		data, err := os.ReadFile(config.File)
		if err != nil {
			return "", "", fmt.Errorf("reading move policy: %w", err)
		}
		return string(data), config.File, nil
	}

	name := config.Template
	if name == "" {
		name = DefaultTemplate
	}
	module, ok := Templates[name]
	if !ok {
		return "", "", models.Configurationf("unknown move policy template %q", name)
	}
	return module, name + ".rego", nil
}

func prepare(ctx context.Context, source, module string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query(DenyQuery),
		rego.Module(source, module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("invalid move policy %s: %w", source, err)
	}
	return query, nil
}

// Source names the loaded policy
func (g *MoveGuard) Source() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.source
}

// Check evaluates one move. A policy that leaves deny undefined allows everything.
func (g *MoveGuard) Check(ctx context.Context, move models.Move, round int) (*Decision, error) {
	g.mu.RLock()
	query := g.query
	config := g.config
	g.mu.RUnlock()

	input := map[string]interface{}{
		"round": round,
		"move": map[string]interface{}{
			"device":     move.Device,
			"variance":   move.Variance,
			"old_weight": move.OldWeight,
			"new_weight": move.NewWeight,
			"delta":      move.Delta(),
		},
		"limits": map[string]interface{}{
			"min_weight":        config.MinWeight,
			"max_weight":        config.MaxWeight,
			"max_step_fraction": config.MaxStepFraction,
		},
	}

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating move policy for osd.%d: %w", move.Device, err)
	}

	decision := &Decision{Move: move, Allowed: true}
	for _, result := range rs {
		for _, expr := range result.Expressions {
			decision.Reasons = append(decision.Reasons, extractReasons(expr.Value)...)
		}
	}
	sort.Strings(decision.Reasons)
	decision.Allowed = len(decision.Reasons) == 0

	if !decision.Allowed {
		g.logger.Warn(ctx, "Move vetoed by policy",
			zap.Int("osd", move.Device),
			zap.Float64("new_weight", move.NewWeight),
			zap.Strings("reasons", decision.Reasons))
	}
	return decision, nil
}

// extractReasons flattens the deny set into strings
func extractReasons(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		reasons := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				reasons = append(reasons, s)
			} else {
				reasons = append(reasons, fmt.Sprint(item))
			}
		}
		return reasons
	case string:
		return []string{v}
	}
	return nil
}

// AllowAll is a Guard that never vetoes
type AllowAll struct{}

// Check always allows the move
func (AllowAll) Check(ctx context.Context, move models.Move, round int) (*Decision, error) {
	return &Decision{Move: move, Allowed: true}, nil
}

var (
	_ Guard = (*MoveGuard)(nil)
	_ Guard = AllowAll{}
)
