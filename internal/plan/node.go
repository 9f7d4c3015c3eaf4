// Package plan models physical plan trees and the transforms applied to them
// before they reach the cost model.
package plan

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BufferCache maps a relation name to the number of its buffers currently
// resident in the engine cache.
type BufferCache map[string]int64

// Node is one operator of a physical plan. JSON field names follow
// PostgreSQL's EXPLAIN (FORMAT JSON) output so plans round-trip through the
// tabular store unchanged.
type Node struct {
	NodeType     string      `json:"Node Type"`
	RelationName string      `json:"Relation Name,omitempty"`
	StartupCost  float64     `json:"Startup Cost,omitempty"`
	TotalCost    float64     `json:"Total Cost,omitempty"`
	PlanRows     float64     `json:"Plan Rows,omitempty"`
	Children     []*Node     `json:"Plans,omitempty"`
	Buffers      BufferCache `json:"Buffers,omitempty"`
}

// Walk visits every node depth-first, pre-order, using an explicit stack.
// Returning false from fn stops the walk.
func Walk(root *Node, fn func(n *Node, depth int) bool) {
	if root == nil {
		return
	}
	type frame struct {
		n     *Node
		depth int
	}
	stack := []frame{{root, 1}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.n == nil {
			continue
		}
		if !fn(top.n, top.depth) {
			return
		}
		for i := len(top.n.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{top.n.Children[i], top.depth + 1})
		}
	}
}

// Count returns the number of nodes in the tree.
func Count(root *Node) int {
	n := 0
	Walk(root, func(*Node, int) bool {
		n++
		return true
	})
	return n
}

// Depth returns the height of the tree; a single node has depth 1.
func Depth(root *Node) int {
	maxDepth := 0
	Walk(root, func(_ *Node, d int) bool {
		if d > maxDepth {
			maxDepth = d
		}
		return true
	})
	return maxDepth
}

// Clone deep-copies the tree.
func Clone(root *Node) *Node {
	if root == nil {
		return nil
	}
	out := *root
	if root.Buffers != nil {
		out.Buffers = make(BufferCache, len(root.Buffers))
		for k, v := range root.Buffers {
			out.Buffers[k] = v
		}
	}
	if len(root.Children) > 0 {
		out.Children = make([]*Node, len(root.Children))
		for i, c := range root.Children {
			out.Children[i] = Clone(c)
		}
	}
	return &out
}

// Marshal encodes a plan for storage.
func Marshal(root *Node) ([]byte, error) {
	if root == nil {
		return nil, errors.New("nil plan")
	}
	return json.Marshal(root)
}

// Unmarshal decodes a stored plan. It accepts a bare node, the
// {"Plan": {...}} envelope, and the one-element array EXPLAIN emits.
func Unmarshal(data []byte) (*Node, error) {
	root, _, err := ParsePostgresJSON(data)
	return root, err
}
