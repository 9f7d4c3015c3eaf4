// Package model holds the plan cost model, its on-disk encoding and the
// holder that lets a retrained model replace the serving one.
package model

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrFeatureWidth is returned when a vector does not match the fitted width.
var ErrFeatureWidth = errors.New("feature width mismatch")

const pivotEpsilon = 1e-12

// Regression is a ridge regression from plan features to log1p(ms). Features
// are standardised with the training mean and scale before weighting.
type Regression struct {
	Version    string    `json:"version"`
	NeedsCache bool      `json:"needs_cache"`
	Trained    bool      `json:"trained"`
	L2         float64   `json:"l2"`
	Width      int       `json:"width"`
	Mean       []float64 `json:"mean,omitempty"`
	Scale      []float64 `json:"scale,omitempty"`
	Weights    []float64 `json:"weights,omitempty"`
	Bias       float64   `json:"bias"`
	Samples    int       `json:"samples"`
	TrainedAt  time.Time `json:"trained_at,omitempty"`
}

// NewRegression returns an untrained model with a fresh version.
func NewRegression(needsCache bool, l2 float64) *Regression {
	return &Regression{
		Version:    newVersion(),
		NeedsCache: needsCache,
		L2:         l2,
	}
}

func newVersion() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Predict returns one estimated execution time in milliseconds per vector.
// An untrained model predicts the same cost for everything.
func (r *Regression) Predict(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	if !r.Trained {
		return out, nil
	}
	for i, vec := range features {
		if len(vec) != r.Width {
			return nil, errors.Wrapf(ErrFeatureWidth, "vector %d has %d features, model expects %d", i, len(vec), r.Width)
		}
		y := r.Bias
		for j, x := range vec {
			y += r.Weights[j] * (x - r.Mean[j]) / r.Scale[j]
		}
		out[i] = math.Expm1(y)
	}
	return out, nil
}

// Fit trains the model on features and their measured times in milliseconds,
// replacing any previous fit.
func (r *Regression) Fit(features [][]float64, timesMs []float64) error {
	if len(features) == 0 {
		return errors.New("fit: no samples")
	}
	if len(features) != len(timesMs) {
		return errors.Errorf("fit: %d feature vectors for %d targets", len(features), len(timesMs))
	}
	width := len(features[0])
	for i, vec := range features {
		if len(vec) != width {
			return errors.Wrapf(ErrFeatureWidth, "fit: vector %d has %d features, expected %d", i, len(vec), width)
		}
	}
	n := float64(len(features))
	targets := make([]float64, len(timesMs))
	var yMean float64
	for i, t := range timesMs {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return errors.Errorf("fit: non-finite target at row %d", i)
		}
		targets[i] = math.Log1p(math.Max(t, 0))
		yMean += targets[i]
	}
	yMean /= n

	mean := make([]float64, width)
	scale := make([]float64, width)
	for _, vec := range features {
		for j, x := range vec {
			mean[j] += x
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, vec := range features {
		for j, x := range vec {
			d := x - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < pivotEpsilon {
			scale[j] = 1
		}
	}

	// Normal equations: (ZᵀZ + λI) w = Zᵀ(y - ȳ).
	gram := make([][]float64, width)
	for j := range gram {
		gram[j] = make([]float64, width+1)
	}
	z := make([]float64, width)
	for i, vec := range features {
		for j, x := range vec {
			z[j] = (x - mean[j]) / scale[j]
		}
		dy := targets[i] - yMean
		for a := 0; a < width; a++ {
			row := gram[a]
			for b := a; b < width; b++ {
				row[b] += z[a] * z[b]
			}
			row[width] += z[a] * dy
		}
	}
	lambda := r.L2 * n
	if lambda <= 0 {
		lambda = pivotEpsilon
	}
	for a := 0; a < width; a++ {
		for b := 0; b < a; b++ {
			gram[a][b] = gram[b][a]
		}
		gram[a][a] += lambda
	}
	weights, err := solve(gram)
	if err != nil {
		return err
	}

	r.Width = width
	r.Mean = mean
	r.Scale = scale
	r.Weights = weights
	r.Bias = yMean
	r.Samples = len(features)
	r.Trained = true
	r.TrainedAt = time.Now().UTC()
	return nil
}

// solve runs Gaussian elimination with partial pivoting on an augmented
// n x (n+1) matrix, in place.
func solve(m [][]float64) ([]float64, error) {
	n := len(m)
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < pivotEpsilon {
			return nil, errors.Errorf("fit: singular system at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]
		for row := col + 1; row < n; row++ {
			f := m[row][col] / m[col][col]
			if f == 0 {
				continue
			}
			for k := col; k <= n; k++ {
				m[row][k] -= f * m[col][k]
			}
		}
	}
	x := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := m[row][n]
		for k := row + 1; k < n; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
		if math.IsNaN(x[row]) || math.IsInf(x[row], 0) {
			return nil, errors.New("fit: non-finite weight")
		}
	}
	return x, nil
}
