package model

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"hintpilot/internal/util"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ErrModelNotFound is returned by Load when no artifact exists under the name.
var ErrModelNotFound = errors.New("model not found")

// ArtifactExt is appended to the model name to form the artifact file name.
const ArtifactExt = ".model.zst"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Encode serialises m as zstd-compressed JSON. Float fields keep their exact
// bit patterns across Encode/Decode.
func Encode(m *Regression) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil model")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode model")
	}
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses an artifact produced by Encode.
func Decode(data []byte) (*Regression, error) {
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := zr.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress model")
	}
	var m Regression
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	if m.Trained && (len(m.Weights) != m.Width || len(m.Mean) != m.Width || len(m.Scale) != m.Width) {
		return nil, errors.Errorf("decode model: inconsistent width %d", m.Width)
	}
	return &m, nil
}

// Store persists models by name.
type Store interface {
	Save(ctx context.Context, m *Regression, name string) error
	Load(ctx context.Context, name string) (*Regression, error)
}

// FileStore keeps one artifact per name under Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the artifact path for name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.Dir, name+ArtifactExt)
}

// Save writes the artifact atomically: readers see the old or the new file,
// never a partial one.
func (s *FileStore) Save(ctx context.Context, m *Regression, name string) error {
	if !namePattern.MatchString(name) {
		return errors.Errorf("invalid model name %q", name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		util.CloseWithErr(tmp, "model temp file")
		return err
	}
	if err = tmp.Sync(); err != nil {
		util.CloseWithErr(tmp, "model temp file")
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, s.Path(name)); err != nil {
		return err
	}
	return nil
}

// Load reads the artifact for name.
func (s *FileStore) Load(ctx context.Context, name string) (*Regression, error) {
	if !namePattern.MatchString(name) {
		return nil, errors.Errorf("invalid model name %q", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrModelNotFound, "%s", name)
		}
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", name)
	}
	return m, nil
}

// LoadOrFresh loads name, or returns a fresh untrained model when none has
// been saved yet. Other load errors are returned.
func LoadOrFresh(ctx context.Context, store Store, name string, needsCache bool, l2 float64) (*Regression, error) {
	m, err := store.Load(ctx, name)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, ErrModelNotFound) {
		util.Warnf("no saved model %q; starting untrained", name)
		return NewRegression(needsCache, l2), nil
	}
	return nil, err
}
