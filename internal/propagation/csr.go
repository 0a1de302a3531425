package propagation

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	T "gorgonia.org/tensor"
)

// Triplet is a single (row, col, value) entry used to build a CSR matrix.
type Triplet struct {
	Row, Col int
	Value    float64
}

// NewCSR builds a rows x cols float64 CSR matrix from entries. Duplicate
// coordinates are summed before the matrix is built.
func NewCSR(rows, cols int, entries []Triplet) (*T.CS, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("invalid sparse matrix dimensions %dx%d", rows, cols)
	}

	sums := make(map[[2]int]float64, len(entries))
	for _, e := range entries {
		if e.Row < 0 || e.Row >= rows || e.Col < 0 || e.Col >= cols {
			return nil, errors.Errorf("entry (%d, %d) out of range for %dx%d matrix", e.Row, e.Col, rows, cols)
		}
		sums[[2]int{e.Row, e.Col}] += e.Value
	}
	if len(sums) == 0 {
		return nil, errors.Errorf("%dx%d sparse matrix has no entries", rows, cols)
	}

	keys := make([][2]int, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	xs := make([]int, len(keys))
	ys := make([]int, len(keys))
	data := make([]float64, len(keys))
	for i, k := range keys {
		xs[i], ys[i], data[i] = k[0], k[1], sums[k]
	}
	return T.CSRFromCoord(T.Shape{rows, cols}, xs, ys, data), nil
}

// MulDense computes a * b for a float64 CSR matrix a.
func MulDense(a *T.CS, b mat.Matrix) (*mat.Dense, error) {
	s := a.Shape()
	_, bc := b.Dims()
	out := mat.NewDense(s[0], bc, nil)
	if err := mulInto(out, a, b); err != nil {
		return nil, err
	}
	return out, nil
}

// mulInto accumulates a * b into dst, which must be zero on entry.
func mulInto(dst *mat.Dense, a *T.CS, b mat.Matrix) error {
	s := a.Shape()
	br, bc := b.Dims()
	dr, dc := dst.Dims()
	if br != s[1] || dr != s[0] || dc != bc {
		return errors.Wrapf(mat.ErrShape, "cannot multiply %dx%d by %dx%d into %dx%d", s[0], s[1], br, bc, dr, dc)
	}
	src, ok := b.(*mat.Dense)
	if !ok {
		src = mat.DenseCopyOf(b)
	}
	data, ok := a.Data().([]float64)
	if !ok {
		return errors.Errorf("sparse matrix has dtype %v, want float64", a.Dtype())
	}

	// trailing rows without entries may be missing from indptr
	indptr, indices := a.Indptr(), a.Indices()
	for i := 0; i < s[0] && i+1 < len(indptr); i++ {
		row := dst.RawRowView(i)
		for k := indptr[i]; k < indptr[i+1]; k++ {
			floats.AddScaled(row, data[k], src.RawRowView(indices[k]))
		}
	}
	return nil
}
