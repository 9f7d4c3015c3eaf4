// Package workload loads the fixed training query list.
package workload

import (
	"os"

	"github.com/pkg/errors"
)

// LoadQueries reads the SQL script at path and returns its statements in
// file order. A positive max keeps only the first max statements.
func LoadQueries(path string, max int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read workload")
	}
	queries := SplitStatements(string(data))
	if len(queries) == 0 {
		return nil, errors.Errorf("workload %s holds no statements", path)
	}
	if max > 0 && len(queries) > max {
		queries = queries[:max]
	}
	return queries, nil
}
