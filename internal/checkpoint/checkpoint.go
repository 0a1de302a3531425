// Package checkpoint persists named model weights to disk.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	T "gorgonia.org/tensor"
)

// Extension is the file extension of checkpoint files.
const Extension = ".ckpt"

// record is the on-disk form of one weight tensor.
type record struct {
	Name  string
	Shape []int
	Data  []float64
}

// NewPath returns a fresh, randomly named checkpoint path inside dir.
func NewPath(dir string) string {
	return filepath.Join(dir, strings.ReplaceAll(uuid.NewString(), "-", "")+Extension)
}

// Save writes weights to path. The file is replaced atomically, so a crash
// mid-write leaves the previous checkpoint intact.
func Save(path string, weights map[string]*T.Dense) error {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]record, 0, len(names))
	for _, name := range names {
		w := weights[name]
		data, ok := w.Data().([]float64)
		if !ok {
			return errors.Errorf("weight %q has dtype %v, only float64 is supported", name, w.Dtype())
		}
		records = append(records, record{
			Name:  name,
			Shape: append([]int(nil), w.Shape()...),
			Data:  append([]float64(nil), data...),
		})
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "creating temporary checkpoint")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(records); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "encoding checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "saving checkpoint %s", path)
}

// Load reads the weights stored at path.
func Load(path string) (map[string]*T.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint")
	}
	defer f.Close()

	var records []record
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}

	weights := make(map[string]*T.Dense, len(records))
	for _, r := range records {
		size := 1
		for _, d := range r.Shape {
			size *= d
		}
		if len(r.Shape) == 0 || size != len(r.Data) {
			return nil, errors.Errorf("checkpoint %s: weight %q has shape %v but %d values", path, r.Name, r.Shape, len(r.Data))
		}
		weights[r.Name] = T.New(T.WithShape(r.Shape...), T.WithBacking(r.Data))
	}
	return weights, nil
}
