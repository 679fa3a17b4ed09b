// Package devseed populates a development database with sample solve runs
// covering the supported model classes.
package devseed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	Runs core.RunRepository
}

// NewServices constructs the repositories used for seeding from the provided DB.
func NewServices(db *sql.DB) Services {
	return Services{
		Runs: data.NewRunRepo(db, data.RepoConfig{}),
	}
}

// Run executes the development seeding workflow. Seeding is skipped when the
// runs table already has rows, so re-running is safe.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	stats, err := svcs.Runs.Stats(ctx)
	if err != nil {
		return fmt.Errorf("check existing runs: %w", err)
	}
	if total := stats.Pending + stats.Running + stats.Succeeded + stats.Failed + stats.Canceled; total > 0 {
		if logger != nil {
			logger.InfoContext(ctx, "runs already present; skipping seed", "existing", total)
		}
		return nil
	}

	failures := 0
	for _, req := range sampleRuns() {
		run, createErr := svcs.Runs.Create(ctx, req)
		if createErr != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to seed run", "model", req.Model.Name, "error", createErr)
			}
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "seeded run", "run_id", run.ID, "model", req.Model.Name, "type", req.Model.Type)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func sampleRuns() []*model.SubmitRunRequest {
	return []*model.SubmitRunRequest{
		productionPlanLP(),
		knapsackMIP(),
		quadraticBowlNLP(),
	}
}

// productionPlanLP is a two-product profit maximisation with a shared
// machine-hours budget.
func productionPlanLP() *model.SubmitRunRequest {
	return &model.SubmitRunRequest{
		Model: &model.ModelDescriptor{
			Name: "dev-production-plan",
			Type: model.ModelTypeLP,
			DecisionVariables: []model.Variable{
				{Name: "widgets", Lower: f64(0)},
				{Name: "gadgets", Lower: f64(0)},
			},
			Objective: mustJSON(map[string]any{
				"sense": "max",
				"terms": []map[string]any{
					{"var": "widgets", "coef": 3},
					{"var": "gadgets", "coef": 5},
				},
			}),
			Constraints: mustJSON([]map[string]any{
				{
					"terms": []map[string]any{
						{"var": "widgets", "coef": 1},
						{"var": "gadgets", "coef": 2},
					},
					"op":  "<=",
					"rhs": 14,
				},
				{
					"terms": []map[string]any{
						{"var": "widgets", "coef": 3},
						{"var": "gadgets", "coef": 1},
					},
					"op":  "<=",
					"rhs": 18,
				},
			}),
			Metadata: map[string]string{"source": "devseed"},
		},
	}
}

// knapsackMIP is a small binary knapsack instance.
func knapsackMIP() *model.SubmitRunRequest {
	return &model.SubmitRunRequest{
		Model: &model.ModelDescriptor{
			Name: "dev-knapsack",
			Type: model.ModelTypeMIP,
			DecisionVariables: []model.Variable{
				{Name: "x1", Integrality: model.IntegralityBinary},
				{Name: "x2", Integrality: model.IntegralityBinary},
				{Name: "x3", Integrality: model.IntegralityBinary},
			},
			Objective: mustJSON(map[string]any{
				"sense": "max",
				"terms": []map[string]any{
					{"var": "x1", "coef": 60},
					{"var": "x2", "coef": 100},
					{"var": "x3", "coef": 120},
				},
			}),
			Constraints: mustJSON([]map[string]any{
				{
					"terms": []map[string]any{
						{"var": "x1", "coef": 10},
						{"var": "x2", "coef": 20},
						{"var": "x3", "coef": 30},
					},
					"op":  "<=",
					"rhs": 50,
				},
			}),
			Metadata: map[string]string{"source": "devseed"},
		},
	}
}

// quadraticBowlNLP exercises the nonlinear path with a convex quadratic
// whose minimum sits at (1, 2).
func quadraticBowlNLP() *model.SubmitRunRequest {
	return &model.SubmitRunRequest{
		Model: &model.ModelDescriptor{
			Name: "dev-quadratic-bowl",
			Type: model.ModelTypeNLP,
			DecisionVariables: []model.Variable{
				{Name: "x", Lower: f64(-5), Upper: f64(5)},
				{Name: "y", Lower: f64(-5), Upper: f64(5)},
			},
			Objective: mustJSON(map[string]any{
				"sense": "min",
				"terms": []map[string]any{
					{"var": "x", "coef": -2},
					{"var": "y", "coef": -4},
				},
				"quad": []map[string]any{
					{"x": "x", "y": "x", "coef": 1},
					{"x": "y", "y": "y", "coef": 1},
				},
				"constant": 5,
			}),
			Metadata: map[string]string{"source": "devseed"},
		},
		Parameters: map[string]any{"time_limit_sec": 10},
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		//nolint:forbidigo // seed payloads are static; a marshal failure is a programming error
		panic(fmt.Sprintf("marshal seed payload: %v", err))
	}
	return raw
}

func f64(v float64) *float64 {
	return &v
}
