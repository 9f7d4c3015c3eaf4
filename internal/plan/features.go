package plan

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TypeBuckets is the number of hashed node-type slots in a feature vector.
const TypeBuckets = 24

const (
	structuralFeatures = 7
	cacheFeatures      = 2
)

// FeatureWidth returns the length of vectors produced by Featurize.
func FeatureWidth(withCache bool) int {
	w := TypeBuckets + structuralFeatures
	if withCache {
		w += cacheFeatures
	}
	return w
}

// Featurize encodes a plan as a fixed-width vector: hashed node-type counts,
// then root cost and cardinality, total estimated rows, node count, depth,
// join and scan counts, and, with cache data, how much of the scanned
// relations is already buffered.
func Featurize(root *Node, withCache bool) []float64 {
	vec := make([]float64, FeatureWidth(withCache))
	if root == nil {
		return vec
	}
	var (
		totalRows float64
		nodes     int
		depth     int
		joins     int
		scans     int
		scanRels  []string
	)
	Walk(root, func(n *Node, d int) bool {
		vec[xxhash.Sum64String(n.NodeType)%TypeBuckets]++
		totalRows += math.Max(n.PlanRows, 0)
		nodes++
		if d > depth {
			depth = d
		}
		switch {
		case isJoin(n.NodeType):
			joins++
		case isScan(n.NodeType):
			scans++
			if n.RelationName != "" {
				scanRels = append(scanRels, n.RelationName)
			}
		}
		return true
	})
	off := TypeBuckets
	vec[off] = math.Log1p(math.Max(root.TotalCost, 0))
	vec[off+1] = math.Log1p(math.Max(root.PlanRows, 0))
	vec[off+2] = math.Log1p(totalRows)
	vec[off+3] = float64(nodes)
	vec[off+4] = float64(depth)
	vec[off+5] = float64(joins)
	vec[off+6] = float64(scans)
	if withCache {
		off += structuralFeatures
		var cached int64
		hits := 0
		for _, rel := range scanRels {
			if blocks := root.Buffers[rel]; blocks > 0 {
				cached += blocks
				hits++
			}
		}
		vec[off] = math.Log1p(float64(cached))
		if len(scanRels) > 0 {
			vec[off+1] = float64(hits) / float64(len(scanRels))
		}
	}
	return vec
}

func isJoin(nodeType string) bool {
	lower := strings.ToLower(nodeType)
	return strings.Contains(lower, "join") || strings.Contains(lower, "nested loop")
}

func isScan(nodeType string) bool {
	lower := strings.ToLower(nodeType)
	return strings.Contains(lower, "scan") || strings.Contains(lower, "reader")
}
