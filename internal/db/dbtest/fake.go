// Package dbtest provides an in-memory db.Connector for tests.
package dbtest

import (
	"context"
	"sync"

	"hintpilot/internal/arm"
	"hintpilot/internal/db"
	"hintpilot/internal/plan"
)

// Call describes one Execute as the engine saw it.
type Call struct {
	SQL   string
	Hints map[string]string
	Plan  bool
	Cache bool
	Time  bool
}

// Handler answers one Execute.
type Handler func(ctx context.Context, call Call) (*db.TransData, error)

// Connector hands out sessions that delegate to Handler.
type Connector struct {
	Handler Handler
	// SessionErr, when set, fails NewSession.
	SessionErr error

	mu     sync.Mutex
	calls  []Call
	opened int
	closed int
}

// NewSession implements db.Connector.
func (c *Connector) NewSession(ctx context.Context) (db.Session, error) {
	if c.SessionErr != nil {
		return nil, c.SessionErr
	}
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return &session{owner: c, hints: map[string]string{}}, nil
}

// Calls returns every Execute seen so far.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Sessions returns how many sessions were opened and closed.
func (c *Connector) Sessions() (opened, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

type session struct {
	owner *Connector
	hints map[string]string
	pull  Call
}

func (s *session) PushHint(hints map[string]string) {
	for k, v := range hints {
		s.hints[k] = v
	}
}

func (s *session) PullPhysicalPlan()  { s.pull.Plan = true }
func (s *session) PullBufferCache()   { s.pull.Cache = true }
func (s *session) PullExecutionTime() { s.pull.Time = true }

func (s *session) Execute(ctx context.Context, sql string) (*db.TransData, error) {
	call := s.pull
	s.pull = Call{}
	call.SQL = sql
	call.Hints = make(map[string]string, len(s.hints))
	for k, v := range s.hints {
		call.Hints[k] = v
	}
	s.owner.mu.Lock()
	s.owner.calls = append(s.owner.calls, call)
	s.owner.mu.Unlock()
	if s.owner.Handler == nil {
		return &db.TransData{PhysicalPlan: &plan.Node{NodeType: "Result"}}, nil
	}
	return s.owner.Handler(ctx, call)
}

func (s *session) Close() error {
	s.owner.mu.Lock()
	s.owner.closed++
	s.owner.mu.Unlock()
	return nil
}

// ArmIndex finds the catalog arm whose hint map equals hints, or -1.
func ArmIndex(cat *arm.Catalog, hints map[string]string) int {
	for _, a := range cat.Arms() {
		want := a.Hints()
		if len(want) != len(hints) {
			continue
		}
		match := true
		for k, v := range want {
			if hints[k] != v {
				match = false
				break
			}
		}
		if match {
			return a.Index
		}
	}
	return -1
}

// CostPlan returns a single-scan plan whose root carries cost and rows.
func CostPlan(cost float64) *plan.Node {
	return &plan.Node{
		NodeType:  "Hash Join",
		TotalCost: cost,
		PlanRows:  cost / 10,
		Children: []*plan.Node{
			{NodeType: "Seq Scan", RelationName: "users", TotalCost: cost / 2, PlanRows: cost},
			{NodeType: "Index Scan", RelationName: "posts", TotalCost: cost / 4, PlanRows: cost / 2},
		},
	}
}
