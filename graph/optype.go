package graph

// OpType is an enum of the operations supported by a Graph.
//
// Nothing precludes adding new operator kinds here: the rewrite passes
// check the kind tag before touching an operator, and unknown kinds simply
// don't match any rewrite rule.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota
	OpTypeTranspose
	OpTypeMatMul
	OpTypeConcat
	OpTypeRelu
	OpTypeAdd
)
