package solver

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	defaultNodeLimit  = 10000
	integerTol        = 1e-6
	defaultMIPGap     = 1e-6
	bbCancelCheckMask = 0x3f
)

// bbNode is one branch-and-bound subproblem: the root relaxation plus
// tightened bounds on the integer variables branched so far.
type bbNode struct {
	bound     float64 // relaxation objective, in minimisation sense
	overrides map[int][2]float64
}

type bbQueue []*bbNode

func (q bbQueue) Len() int           { return len(q) }
func (q bbQueue) Less(i, j int) bool { return q[i].bound < q[j].bound }
func (q bbQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *bbQueue) Push(x any) { *q = append(*q, x.(*bbNode)) }

func (q *bbQueue) Pop() any {
	old := *q
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return node
}

// solveBranchAndBound runs best-first branch and bound over LP relaxations.
// The node with the most promising relaxation bound is expanded first, so
// the first integral incumbent is often near-optimal and the remaining tree
// prunes quickly. Gap and best bound come from the frontier.
func solveBranchAndBound(ctx context.Context, prob *linearProblem, params Params) (*Result, error) {
	nodeLimit := params.MaxIterations
	if nodeLimit <= 0 {
		nodeLimit = defaultNodeLimit
	}
	gapTarget := params.MIPGap
	if gapTarget <= 0 {
		gapTarget = defaultMIPGap
	}

	// Work in minimisation sense; flip at the end for max models.
	sign := 1.0
	if !prob.obj.Minimize() {
		sign = -1
	}

	rootX, rootObj, err := prob.solveRelaxation(params.Tolerance, nil)
	if err != nil {
		return lpErrorResult(err)
	}
	if branchVar(prob, rootX, nil) < 0 {
		// Relaxation is already integral.
		return &Result{
			Status:         StatusOptimal,
			ObjectiveValue: float64Ptr(rootObj),
			Gap:            float64Ptr(0),
			BestBound:      float64Ptr(rootObj),
			Variables:      prob.variableMap(rootX),
			Logs:           "branch-and-bound: root relaxation integral",
		}, nil
	}

	frontier := &bbQueue{{bound: sign * rootObj, overrides: nil}}
	heap.Init(frontier)

	var (
		incumbent    []float64
		incumbentVal = math.Inf(1) // minimisation sense
		explored     int
	)

	for frontier.Len() > 0 && explored < nodeLimit {
		if explored&bbCancelCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		node := heap.Pop(frontier).(*bbNode)
		if node.bound >= incumbentVal {
			continue // pruned: bound cannot beat the incumbent
		}
		explored++

		x, objVal, err := prob.solveRelaxation(params.Tolerance, node.overrides)
		switch {
		case errors.Is(err, lp.ErrInfeasible):
			continue
		case errors.Is(err, lp.ErrUnbounded):
			// A bounded root cannot spawn unbounded children; treat as
			// numerically degenerate and drop the node.
			continue
		case err != nil:
			return nil, fmt.Errorf("branch-and-bound relaxation: %w", err)
		}

		bound := sign * objVal
		if bound >= incumbentVal {
			continue
		}

		j := branchVar(prob, x, node.overrides)
		if j < 0 {
			incumbent = x
			incumbentVal = bound
			continue
		}

		floorVal := math.Floor(x[j])
		heap.Push(frontier, &bbNode{
			bound:     bound,
			overrides: withOverride(node.overrides, j, math.Inf(-1), floorVal),
		})
		heap.Push(frontier, &bbNode{
			bound:     bound,
			overrides: withOverride(node.overrides, j, floorVal+1, math.Inf(1)),
		})
	}

	if incumbent == nil {
		if frontier.Len() > 0 {
			return nil, fmt.Errorf("branch-and-bound: node limit %d reached without integral solution", nodeLimit)
		}
		return &Result{Status: StatusInfeasible, Logs: "branch-and-bound: no integral solution exists"}, nil
	}

	bestBound := incumbentVal
	if frontier.Len() > 0 {
		bestBound = (*frontier)[0].bound
	}
	gap := math.Abs(incumbentVal-bestBound) / math.Max(1, math.Abs(incumbentVal))

	status := StatusOptimal
	if frontier.Len() > 0 && gap > gapTarget {
		status = StatusFeasible
	}

	// Round the integer coordinates of the incumbent to exact values.
	for i, d := range prob.domains {
		if d.integer {
			incumbent[i] = math.Round(incumbent[i])
		}
	}

	return &Result{
		Status:         status,
		ObjectiveValue: float64Ptr(sign * incumbentVal),
		Gap:            float64Ptr(gap),
		BestBound:      float64Ptr(sign * bestBound),
		Variables:      prob.variableMap(incumbent),
		Logs:           fmt.Sprintf("branch-and-bound: %d nodes explored, gap %.3g", explored, gap),
	}, nil
}

// branchVar picks the integer variable farthest from integrality, or -1 when
// the point is integral.
func branchVar(prob *linearProblem, x []float64, _ map[int][2]float64) int {
	best, bestFrac := -1, integerTol
	for i, d := range prob.domains {
		if !d.integer {
			continue
		}
		frac := math.Abs(x[i] - math.Round(x[i]))
		if frac > bestFrac {
			best, bestFrac = i, frac
		}
	}
	return best
}

func withOverride(parent map[int][2]float64, j int, lower, upper float64) map[int][2]float64 {
	child := make(map[int][2]float64, len(parent)+1)
	for k, v := range parent {
		child[k] = v
	}
	if existing, ok := child[j]; ok {
		lower = math.Max(lower, existing[0])
		upper = math.Min(upper, existing[1])
	}
	child[j] = [2]float64{lower, upper}
	return child
}
