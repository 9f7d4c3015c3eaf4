package validator

import (
	"sync"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // Register parser value expressions.
	"github.com/pkg/errors"
)

// ErrEmptyStatement is returned when the input holds no statement.
var ErrEmptyStatement = errors.New("empty statement")

// Validator wraps the TiDB parser. It is safe for concurrent use.
type Validator struct {
	pool sync.Pool
}

// New returns a Validator instance.
func New() *Validator {
	return &Validator{pool: sync.Pool{New: func() any { return parser.New() }}}
}

func (v *Validator) parse(sql string) ([]ast.StmtNode, error) {
	p := v.pool.Get().(*parser.Parser)
	defer v.pool.Put(p)
	stmts, _, err := p.Parse(sql, "", "")
	return stmts, err
}

// Validate parses a SQL statement and returns any syntax error.
func (v *Validator) Validate(sql string) error {
	_, err := v.parse(sql)
	return err
}

// ReadOnly reports whether every statement in sql is a query (SELECT or a
// set operation over SELECTs). Parse errors are returned as-is.
func (v *Validator) ReadOnly(sql string) (bool, error) {
	stmts, err := v.parse(sql)
	if err != nil {
		return false, err
	}
	if len(stmts) == 0 {
		return false, ErrEmptyStatement
	}
	for _, stmt := range stmts {
		switch stmt.(type) {
		case *ast.SelectStmt, *ast.SetOprStmt:
		default:
			return false, nil
		}
	}
	return true, nil
}
