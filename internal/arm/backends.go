package arm

import "github.com/pkg/errors"

type definition struct {
	options []string
	masks   []int
	values  [2]string
}

var defaultMasks = []int{63, 62, 43, 42, 59}

var definitions = map[Backend]definition{
	Postgres: {
		options: []string{
			"enable_nestloop",
			"enable_hashjoin",
			"enable_mergejoin",
			"enable_seqscan",
			"enable_indexscan",
			"enable_indexonlyscan",
		},
		masks:  defaultMasks,
		values: [2]string{"off", "on"},
	},
	Spark: {
		options: []string{
			"spark.sql.cbo.enabled",
			"spark.sql.join.preferSortMergeJoin",
			"spark.sql.adaptive.skewJoin.enabled",
			"spark.sql.codegen.wholeStage",
			"spark.sql.cbo.joinReorder.enabled",
			"spark.sql.sources.bucketing.autoBucketedScan.enabled",
		},
		masks:  defaultMasks,
		values: [2]string{"false", "true"},
	},
	TiDB: {
		options: []string{
			"tidb_opt_enable_hash_join",
			"tidb_enable_index_merge",
			"tidb_opt_prefer_range_scan",
			"tidb_opt_agg_push_down",
			"tidb_enable_outer_join_reorder",
			"tidb_opt_distinct_agg_push_down",
		},
		masks:  defaultMasks,
		values: [2]string{"OFF", "ON"},
	},
}

func (d definition) validate() error {
	if len(d.options) == 0 {
		return errors.Wrap(ErrMalformedArms, "no options")
	}
	if len(d.options) >= 63 {
		return errors.Wrapf(ErrMalformedArms, "%d options exceed mask width", len(d.options))
	}
	if len(d.masks) == 0 {
		return errors.Wrap(ErrMalformedArms, "no arms")
	}
	if d.values[0] == "" || d.values[1] == "" || d.values[0] == d.values[1] {
		return errors.Wrapf(ErrMalformedArms, "bad value vocabulary %q", d.values)
	}
	seenOpt := make(map[string]struct{}, len(d.options))
	for _, opt := range d.options {
		if opt == "" {
			return errors.Wrap(ErrMalformedArms, "empty option name")
		}
		if _, dup := seenOpt[opt]; dup {
			return errors.Wrapf(ErrMalformedArms, "duplicate option %s", opt)
		}
		seenOpt[opt] = struct{}{}
	}
	limit := 1 << len(d.options)
	seenMask := make(map[int]struct{}, len(d.masks))
	for i, mask := range d.masks {
		if mask < 0 || mask >= limit {
			return errors.Wrapf(ErrMalformedArms, "arm %d mask %d out of range for %d options", i, mask, len(d.options))
		}
		if _, dup := seenMask[mask]; dup {
			return errors.Wrapf(ErrMalformedArms, "arm %d repeats mask %d", i, mask)
		}
		seenMask[mask] = struct{}{}
	}
	return nil
}
