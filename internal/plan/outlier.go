package plan

// OutlierFilter flags plan shapes that should not be used as training signal.
type OutlierFilter struct {
	disallowed map[string]struct{}
}

// NewOutlierFilter builds a filter rejecting any of the given node types.
func NewOutlierFilter(nodeTypes ...string) OutlierFilter {
	set := make(map[string]struct{}, len(nodeTypes))
	for _, t := range nodeTypes {
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return OutlierFilter{disallowed: set}
}

// IsOutlier reports whether any node of the tree, at any depth, has a
// disallowed type.
func (f OutlierFilter) IsOutlier(root *Node) bool {
	if len(f.disallowed) == 0 {
		return false
	}
	found := false
	Walk(root, func(n *Node, _ int) bool {
		if _, bad := f.disallowed[n.NodeType]; bad {
			found = true
			return false
		}
		return true
	})
	return found
}

// Disallowed returns the rejected node types.
func (f OutlierFilter) Disallowed() []string {
	out := make([]string, 0, len(f.disallowed))
	for t := range f.disallowed {
		out = append(out, t)
	}
	return out
}
