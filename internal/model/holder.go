package model

import "sync/atomic"

// Holder publishes the serving model. Readers always see a complete model;
// Swap replaces it without blocking them.
type Holder struct {
	current atomic.Pointer[Regression]
}

// NewHolder starts with m.
func NewHolder(m *Regression) *Holder {
	h := &Holder{}
	h.current.Store(m)
	return h
}

// Load returns the serving model.
func (h *Holder) Load() *Regression { return h.current.Load() }

// Swap installs m and returns the previous model.
func (h *Holder) Swap(m *Regression) *Regression { return h.current.Swap(m) }
