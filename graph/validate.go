package graph

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/staticgraph/types"
)

// CheckValid verifies the structural invariants of the graph and panics
// (with a stack trace) on the first violation. It is meant to fire during
// development, after construction or after rewrite passes:
//
//   - every tensor has an endpoint: a source or at least one target;
//   - every tensor referenced by an operator belongs to the graph, and
//     vice-versa every source/target back-reference points at a graph
//     operator that indeed lists the tensor;
//   - predecessor/successor multisets match the multisets derived from the
//     tensor edges;
//   - tensor fuids are unique within the graph.
func (g *Graph) CheckValid() {
	fuids := types.MakeSet[Fuid](len(g.tensors))
	for _, t := range g.tensors {
		if fuids.Has(t.fuid) {
			exceptions.Panicf("graph invalid: duplicate tensor fuid=%d", t.fuid)
		}
		fuids.Insert(t.fuid)

		if t.source == nil && len(t.targets) == 0 {
			exceptions.Panicf("graph invalid: tensor fuid=%d has no source and no targets", t.fuid)
		}
		if t.source != nil {
			if !g.opSet.Has(t.source) {
				exceptions.Panicf("graph invalid: tensor fuid=%d source %s is not a graph operator", t.fuid, t.source)
			}
			if !slices.Contains(t.source.outputs, t) {
				exceptions.Panicf("graph invalid: tensor fuid=%d source %s does not list it as output", t.fuid, t.source)
			}
		}
		for _, target := range t.targets {
			if !g.opSet.Has(target) {
				exceptions.Panicf("graph invalid: tensor fuid=%d target %s is not a graph operator", t.fuid, target)
			}
			if !slices.Contains(target.inputs, t) {
				exceptions.Panicf("graph invalid: tensor fuid=%d target %s does not list it as input", t.fuid, target)
			}
		}
	}

	for _, op := range g.ops {
		for _, input := range op.inputs {
			if !g.tensorSet.Has(input) {
				exceptions.Panicf("graph invalid: %s input fuid=%d is not a graph tensor", op, input.fuid)
			}
			if !slices.Contains(input.targets, op) {
				exceptions.Panicf("graph invalid: %s is missing from the targets of its input fuid=%d", op, input.fuid)
			}
		}
		for _, output := range op.outputs {
			if !g.tensorSet.Has(output) {
				exceptions.Panicf("graph invalid: %s output fuid=%d is not a graph tensor", op, output.fuid)
			}
			if output.source != op {
				exceptions.Panicf("graph invalid: %s output fuid=%d has a different source", op, output.fuid)
			}
		}

		// Predecessors must match {input.source}, successors must match the
		// consumers of the outputs -- as multisets.
		wantPreds := make(map[*Op]int)
		for _, input := range op.inputs {
			if input.source != nil {
				wantPreds[input.source]++
			}
		}
		if !multisetEqual(op.predecessors, wantPreds) {
			exceptions.Panicf("graph invalid: %s predecessors disagree with its input sources", op)
		}
		wantSuccs := make(map[*Op]int)
		for _, output := range op.outputs {
			for _, target := range output.targets {
				wantSuccs[target]++
			}
		}
		if !multisetEqual(op.successors, wantSuccs) {
			exceptions.Panicf("graph invalid: %s successors disagree with its output targets", op)
		}
		for pred := range wantPreds {
			if !g.opSet.Has(pred) {
				exceptions.Panicf("graph invalid: predecessor %s of %s is not a graph operator", pred, op)
			}
		}
		for succ := range wantSuccs {
			if !g.opSet.Has(succ) {
				exceptions.Panicf("graph invalid: successor %s of %s is not a graph operator", succ, op)
			}
		}
	}
}

func multisetEqual(ops []*Op, want map[*Op]int) bool {
	if len(ops) != countOf(want) {
		return false
	}
	got := make(map[*Op]int, len(want))
	for _, op := range ops {
		got[op]++
	}
	for op, count := range want {
		if got[op] != count {
			return false
		}
	}
	return true
}

func countOf(counts map[*Op]int) (total int) {
	for _, count := range counts {
		total += count
	}
	return
}
