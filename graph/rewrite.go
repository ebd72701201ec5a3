package graph

import (
	"github.com/gomlx/staticgraph/types"
)

// Optimize rewrites the graph to a fixed point, applying two rules:
//
//   - R1, inverse transpose elimination: a pair of back-to-back transposes
//     whose permutations are exact inverses is removed and its consumers
//     rewired to the pair's input.
//   - R2, transpose absorption: a transpose that only swaps the last two
//     axes feeding a MatMul operand is folded into the MatMul transA/transB
//     flag.
//
// After any rewrite the scan restarts from the beginning, so removals never
// invalidate the iteration. Rules that don't apply simply don't fire;
// Optimize never fails.
func (g *Graph) Optimize() {
	refined := true
	for refined {
		refined = false
		for _, op := range g.ops {
			if g.eliminateInverseTransposes(op) || g.absorbTransposeIntoMatMul(op) {
				refined = true
				g.sorted = false
				break
			}
		}
	}
}

// eliminateInverseTransposes applies R1 when op is the second transpose of
// an inverse pair: op's sole input must be produced by another transpose,
// be consumed only by op, and the two permutations must compose to the
// identity (perm2[perm1[i]] == i for all i -- the exact inverse property,
// which also catches non-involutive pairs).
func (g *Graph) eliminateInverseTransposes(t2 *Op) bool {
	if t2.opType != OpTypeTranspose {
		return false
	}
	between := t2.inputs[0]
	t1 := between.source
	if t1 == nil || t1.opType != OpTypeTranspose {
		return false
	}
	if len(between.targets) != 1 {
		return false
	}
	perm1 := t1.params.(*transposeParams)
	perm2 := t2.params.(*transposeParams)
	if !perm2.isInverseOf(perm1) {
		return false
	}

	grandInput := t1.inputs[0]
	out := t2.outputs[0]
	grandSource := grandInput.source
	if grandSource != nil {
		grandSource.removeSuccessor(t1)
	}

	// Rewire every consumer of the pair's output to the pair's input.
	seen := types.MakeSet[*Op]()
	for _, consumer := range out.Targets() {
		if seen.Has(consumer) {
			continue
		}
		seen.Insert(consumer)
		slots := consumer.replaceInput(out, grandInput)
		for range slots {
			grandInput.addTarget(consumer)
		}
		out.removeTarget(consumer)
		consumer.removePredecessor(t2)
		if grandSource != nil {
			for range slots {
				consumer.addPredecessor(grandSource)
				grandSource.addSuccessor(consumer)
			}
		}
	}
	grandInput.removeTarget(t1)

	g.removeTensor(between)
	g.removeTensor(out)
	g.removeOp(t1)
	g.removeOp(t2)
	return true
}

// absorbTransposeIntoMatMul applies R2: when a MatMul operand is produced
// by a transpose that only swaps the last two axes (identity on all batch
// axes) and feeds nothing else, the transpose is removed and the matching
// trans flag toggled.
//
// Only the first matching operand is absorbed per call; when both operands
// qualify, the second is caught by the next sweep of the fixed-point loop.
func (g *Graph) absorbTransposeIntoMatMul(matmul *Op) bool {
	if matmul.opType != OpTypeMatMul {
		return false
	}
	params := matmul.params.(*matMulParams)
	for slot, intermediate := range matmul.inputs {
		tx := intermediate.source
		if tx == nil || tx.opType != OpTypeTranspose {
			continue
		}
		if !tx.params.(*transposeParams).isLastTwoSwap() {
			continue
		}
		if len(intermediate.targets) != 1 {
			continue
		}

		if slot == 0 {
			params.transA = !params.transA
		} else {
			params.transB = !params.transB
		}

		transInput := tx.inputs[0]
		transSource := transInput.source
		matmul.replaceInput(intermediate, transInput)
		transInput.addTarget(matmul)
		transInput.removeTarget(tx)
		intermediate.removeTarget(matmul)

		if transSource != nil {
			transSource.removeSuccessor(tx)
		}
		matmul.removePredecessor(tx)
		if transSource != nil {
			transSource.addSuccessor(matmul)
			matmul.addPredecessor(transSource)
		}

		g.removeTensor(intermediate)
		g.removeOp(tx)
		return true
	}
	return false
}
