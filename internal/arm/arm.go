// Package arm defines the fixed menu of hint configurations per backend.
//
// Every backend declares an ordered list of boolean knobs, a two-word value
// vocabulary and a list of bitmasks. Bit j of mask i decides the value of
// option j in arm i, so a backend with masks [63, 62] over six options yields
// an all-on arm and an arm with only the first option switched off.
package arm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Backend identifies a database engine variant.
type Backend string

const (
	// Postgres is PostgreSQL with planner enable_* switches.
	Postgres Backend = "postgresql"
	// Spark is Spark SQL with spark.sql.* switches.
	Spark Backend = "spark"
	// TiDB is TiDB with tidb_* session variables.
	TiDB Backend = "tidb"
)

var (
	// ErrUnsupportedBackend is returned for backends without an arm definition.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrMalformedArms is returned when a backend's arm definition is inconsistent.
	ErrMalformedArms = errors.New("malformed arm definition")
)

// ParseBackend normalizes a backend name from configuration.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgresql", "postgres", "pg":
		return Postgres, nil
	case "spark":
		return Spark, nil
	case "tidb":
		return TiDB, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedBackend, "%q", name)
	}
}

// Arm is one hint configuration. It is immutable once built.
type Arm struct {
	Index int
	hints map[string]string
}

// Hints returns a copy of the option -> value map for this arm.
func (a Arm) Hints() map[string]string {
	out := make(map[string]string, len(a.hints))
	for k, v := range a.hints {
		out[k] = v
	}
	return out
}

// Value returns the value the arm forces for option.
func (a Arm) Value(option string) (string, bool) {
	v, ok := a.hints[option]
	return v, ok
}

// String renders the arm as "#i{opt=val,...}" with options sorted.
func (a Arm) String() string {
	keys := make([]string, 0, len(a.hints))
	for k := range a.hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "#%d{", a.Index)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(a.hints[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Catalog is the ordered, read-only set of arms for one backend.
type Catalog struct {
	backend Backend
	options []string
	arms    []Arm
}

// NewCatalog builds the catalog for backend. Unknown backends and
// inconsistent definitions are hard errors.
func NewCatalog(backend Backend) (*Catalog, error) {
	def, ok := definitions[backend]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "%q", backend)
	}
	return buildCatalog(backend, def)
}

func buildCatalog(backend Backend, def definition) (*Catalog, error) {
	if err := def.validate(); err != nil {
		return nil, errors.Wrapf(err, "backend %s", backend)
	}
	arms := make([]Arm, len(def.masks))
	for i, mask := range def.masks {
		arms[i] = Arm{Index: i, hints: HintMap(def.options, mask, def.values)}
	}
	return &Catalog{
		backend: backend,
		options: append([]string(nil), def.options...),
		arms:    arms,
	}, nil
}

// HintMap expands mask into a value per option: bit j of mask picks
// values[1] (on) or values[0] (off) for options[j].
func HintMap(options []string, mask int, values [2]string) map[string]string {
	out := make(map[string]string, len(options))
	for j, opt := range options {
		out[opt] = values[(mask>>j)&1]
	}
	return out
}

// Backend returns the backend this catalog was built for.
func (c *Catalog) Backend() Backend { return c.backend }

// Options returns the backend's option names in declaration order.
func (c *Catalog) Options() []string {
	return append([]string(nil), c.options...)
}

// Len returns the number of arms.
func (c *Catalog) Len() int { return len(c.arms) }

// Arms returns the arms in index order.
func (c *Catalog) Arms() []Arm {
	return append([]Arm(nil), c.arms...)
}

// Arm returns arm i.
func (c *Catalog) Arm(i int) (Arm, bool) {
	if i < 0 || i >= len(c.arms) {
		return Arm{}, false
	}
	return c.arms[i], true
}

// Default returns arm 0, the configuration used whenever selection fails.
func (c *Catalog) Default() Arm {
	return c.arms[0]
}
