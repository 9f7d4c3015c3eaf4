package plan

// Preprocessor normalizes a plan before it is filtered and featurized. The
// returned tree may share no structure with the input.
type Preprocessor interface {
	Name() string
	Apply(root *Node) *Node
}

// Identity leaves plans untouched.
type Identity struct{}

// Name returns the preprocessor identifier.
func (Identity) Name() string { return "identity" }

// Apply returns root unchanged.
func (Identity) Apply(root *Node) *Node { return root }

// SparkCompress splices out Spark's single-child wrapper operators, which
// describe code generation and row format rather than work done.
type SparkCompress struct{}

var sparkWrappers = map[string]struct{}{
	"WholeStageCodegen":   {},
	"InputAdapter":        {},
	"ColumnarToRow":       {},
	"RowToColumnar":       {},
	"AdaptiveSparkPlan":   {},
	"ReusedExchange":      {},
	"AQEShuffleRead":      {},
	"ShuffleQueryStage":   {},
	"BroadcastQueryStage": {},
}

// Name returns the preprocessor identifier.
func (SparkCompress) Name() string { return "spark_compress" }

// Apply returns a compressed copy of root.
func (SparkCompress) Apply(root *Node) *Node {
	if root == nil {
		return nil
	}
	out := Clone(root)
	out = skipWrappers(out)
	type item struct{ n *Node }
	stack := []item{{out}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i, c := range top.n.Children {
			c = skipWrappers(c)
			top.n.Children[i] = c
			stack = append(stack, item{c})
		}
	}
	return out
}

func skipWrappers(n *Node) *Node {
	for n != nil && len(n.Children) == 1 {
		if _, wrapper := sparkWrappers[n.NodeType]; !wrapper {
			break
		}
		child := n.Children[0]
		if child.Buffers == nil && n.Buffers != nil {
			child.Buffers = n.Buffers
		}
		n = child
	}
	return n
}
