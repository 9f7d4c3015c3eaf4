package plan

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrMalformedPlan is returned when a plan cannot be decoded into a tree.
var ErrMalformedPlan = errors.New("malformed plan")

// Timing is the execution time reported alongside a plan, when there is one.
type Timing struct {
	Elapsed time.Duration
	OK      bool
}

type pgEnvelope struct {
	Plan          *Node    `json:"Plan"`
	ExecutionTime *float64 `json:"Execution Time"`
}

// ParsePostgresJSON decodes EXPLAIN (FORMAT JSON) output. The execution time is
// only present for EXPLAIN ANALYZE.
func ParsePostgresJSON(data []byte) (*Node, Timing, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, Timing{}, errors.Wrap(ErrMalformedPlan, "empty input")
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, Timing{}, errors.Wrap(ErrMalformedPlan, err.Error())
		}
		if len(list) == 0 {
			return nil, Timing{}, errors.Wrap(ErrMalformedPlan, "empty explain list")
		}
		trimmed = list[0]
	}
	var env pgEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, Timing{}, errors.Wrap(ErrMalformedPlan, err.Error())
	}
	root := env.Plan
	if root == nil {
		root = &Node{}
		if err := json.Unmarshal(trimmed, root); err != nil {
			return nil, Timing{}, errors.Wrap(ErrMalformedPlan, err.Error())
		}
	}
	if err := checkTree(root); err != nil {
		return nil, Timing{}, err
	}
	var timing Timing
	if env.ExecutionTime != nil {
		timing = Timing{Elapsed: time.Duration(*env.ExecutionTime * float64(time.Millisecond)), OK: true}
	}
	return root, timing, nil
}

func checkTree(root *Node) error {
	var bad error
	Walk(root, func(n *Node, depth int) bool {
		if n.NodeType == "" {
			bad = errors.Wrapf(ErrMalformedPlan, "node at depth %d has no type", depth)
			return false
		}
		return true
	})
	return bad
}

type sparkOp struct {
	Class       string `json:"class"`
	NumChildren int    `json:"num-children"`
}

// ParseSparkJSON rebuilds a tree from Spark's flat pre-order plan JSON, where
// each operator records how many of the following operators are its children.
func ParseSparkJSON(data []byte) (*Node, error) {
	var flat []sparkOp
	if err := json.Unmarshal(bytes.TrimSpace(data), &flat); err != nil {
		return nil, errors.Wrap(ErrMalformedPlan, err.Error())
	}
	if len(flat) == 0 {
		return nil, errors.Wrap(ErrMalformedPlan, "empty spark plan")
	}
	type pending struct {
		n    *Node
		left int
	}
	root := &Node{NodeType: sparkNodeType(flat[0].Class)}
	stack := []*pending{{root, flat[0].NumChildren}}
	for i := 1; i < len(flat); i++ {
		for len(stack) > 0 && stack[len(stack)-1].left == 0 {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			return nil, errors.Wrapf(ErrMalformedPlan, "operator %d has no parent", i)
		}
		parent := stack[len(stack)-1]
		n := &Node{NodeType: sparkNodeType(flat[i].Class)}
		parent.n.Children = append(parent.n.Children, n)
		parent.left--
		if flat[i].NumChildren > 0 {
			stack = append(stack, &pending{n, flat[i].NumChildren})
		}
	}
	for _, p := range stack {
		if p.left > 0 {
			return nil, errors.Wrapf(ErrMalformedPlan, "%s is missing %d children", p.n.NodeType, p.left)
		}
	}
	if err := checkTree(root); err != nil {
		return nil, err
	}
	return root, nil
}

func sparkNodeType(class string) string {
	name := class
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if trimmed := strings.TrimSuffix(name, "Exec"); trimmed != "" {
		name = trimmed
	}
	return name
}

// ExplainRow is one row of TiDB EXPLAIN output.
type ExplainRow struct {
	ID           string
	EstRows      float64
	AccessObject string
}

// ParseExplainRows rebuilds a tree from TiDB's indented EXPLAIN rows, where the
// depth of an operator is encoded by its tree-drawing prefix.
func ParseExplainRows(rows []ExplainRow) (*Node, error) {
	if len(rows) == 0 {
		return nil, errors.Wrap(ErrMalformedPlan, "no explain rows")
	}
	var stack []*Node
	var root *Node
	for i, row := range rows {
		depth, op := explainNode(row.ID)
		if op == "" {
			return nil, errors.Wrapf(ErrMalformedPlan, "row %d has no operator: %q", i, row.ID)
		}
		n := &Node{NodeType: op, PlanRows: row.EstRows, RelationName: tableFromAccess(row.AccessObject)}
		if i == 0 {
			if depth != 0 {
				return nil, errors.Wrapf(ErrMalformedPlan, "first row is indented: %q", row.ID)
			}
			root = n
			stack = append(stack, n)
			continue
		}
		if depth < 1 || depth > len(stack) {
			return nil, errors.Wrapf(ErrMalformedPlan, "row %d jumps to depth %d", i, depth)
		}
		stack = stack[:depth]
		parent := stack[depth-1]
		parent.Children = append(parent.Children, n)
		stack = append(stack, n)
	}
	return root, nil
}

// explainNode splits "  │ └─TableFullScan_9" into depth 3 and "TableFullScan".
// Every nesting level is drawn with two runes.
func explainNode(id string) (int, string) {
	prefix, rest := splitTreePrefix(id)
	if rest == "" {
		return 0, ""
	}
	op := rest
	for i, r := range rest {
		if r == '_' || r == ' ' || r == '(' {
			op = rest[:i]
			break
		}
	}
	return utf8.RuneCountInString(prefix) / 2, op
}

func splitTreePrefix(id string) (string, string) {
	for i, r := range id {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return id[:i], id[i:]
		}
	}
	return id, ""
}

func tableFromAccess(access string) string {
	for _, part := range strings.Split(access, ",") {
		part = strings.TrimSpace(part)
		if name, ok := strings.CutPrefix(part, "table:"); ok {
			return name
		}
	}
	return ""
}
