// Package training collects labelled plans from a fixed workload and turns
// them into cost models.
package training

// Cursor is the position of a collection pass over a fixed query list. It is
// a value: every step returns the next cursor instead of mutating shared
// state, so independent passes can run side by side.
type Cursor struct {
	Queries  []string
	Position int
}

// NewCursor starts a pass at the first query.
func NewCursor(queries []string) Cursor {
	return Cursor{Queries: queries}
}

// Done reports whether every query has been collected.
func (c Cursor) Done() bool { return c.Position >= len(c.Queries) }

// Current returns the query at the cursor.
func (c Cursor) Current() (string, bool) {
	if c.Position < 0 || c.Done() {
		return "", false
	}
	return c.Queries[c.Position], true
}

// Advance returns the cursor one query further, never past the end.
func (c Cursor) Advance() Cursor {
	if !c.Done() {
		c.Position++
	}
	return c
}

// Rewind returns a cursor at the start of the same list.
func (c Cursor) Rewind() Cursor {
	c.Position = 0
	return c
}

// Remaining returns how many queries are left.
func (c Cursor) Remaining() int {
	if c.Done() {
		return 0
	}
	return len(c.Queries) - c.Position
}
