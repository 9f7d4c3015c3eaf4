// Package report writes one directory per training round: a summary of what
// was learned from and the model artifact produced.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hintpilot/internal/util"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	SummaryFile  = "summary.json"
	ArtifactFile = "model.zst"
)

// Reporter writes round artifacts to disk.
type Reporter struct {
	OutputDir string
	roundSeq  int
}

// Round describes a report directory.
type Round struct {
	ID  string
	Seq int
	Dir string
}

// Summary captures the persisted metadata for a round.
type Summary struct {
	RoundID        string         `json:"round_id"`
	ModelName      string         `json:"model_name"`
	ModelVersion   string         `json:"model_version"`
	Backend        string         `json:"backend"`
	Table          string         `json:"table"`
	RowsRead       int            `json:"rows_read"`
	RowsKept       int            `json:"rows_kept"`
	Outliers       int            `json:"outliers"`
	Malformed      int            `json:"malformed"`
	DurationMs     int64          `json:"duration_ms"`
	ArtifactBytes  int            `json:"artifact_bytes"`
	UploadLocation string         `json:"upload_location,omitempty"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// New creates a reporter that writes to outputDir.
func New(outputDir string) *Reporter {
	return &Reporter{OutputDir: outputDir}
}

// NewRound allocates a new round directory.
func (r *Reporter) NewRound() (Round, error) {
	r.roundSeq++
	id := uuid.New().String()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	dir := filepath.Join(r.OutputDir, fmt.Sprintf("round_%04d_%s", r.roundSeq, id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Round{}, err
	}
	return Round{ID: id, Seq: r.roundSeq, Dir: dir}, nil
}

// WriteSummary writes summary.json into the round directory.
func (r *Reporter) WriteSummary(round Round, summary Summary) error {
	if summary.RoundID == "" {
		summary.RoundID = round.ID
	}
	if summary.Timestamp == "" {
		summary.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	f, err := os.Create(filepath.Join(round.Dir, SummaryFile))
	if err != nil {
		return err
	}
	defer util.CloseWithErr(f, "summary output")
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(summary)
}

// WriteArtifact stores the encoded model next to the summary.
func (r *Reporter) WriteArtifact(round Round, data []byte) error {
	if err := os.WriteFile(filepath.Join(round.Dir, ArtifactFile), data, 0o644); err != nil {
		return err
	}
	util.Infof("round %d artifact written: %s", round.Seq, humanize.Bytes(uint64(len(data))))
	return nil
}

// ReadSummary loads summary.json from a round directory.
func ReadSummary(dir string) (Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}
