// Package propagation builds the fixed propagation operators of the model:
// the renormalized adjacency matrix and a stack of its powers.
package propagation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	T "gorgonia.org/tensor"
)

// NormalizedAdjacency returns D^-1/2 (A + I) D^-1/2 for an undirected graph
// with n nodes. Each edge is added in both directions, duplicates and self
// loops in edges are collapsed into the single self loop every node gets.
func NormalizedAdjacency(n int, edges [][2]int) (*T.CS, error) {
	if n <= 0 {
		return nil, errors.Errorf("graph must have at least one node, got %d", n)
	}

	seen := make(map[[2]int]struct{}, 2*len(edges)+n)
	links := make([][2]int, 0, 2*len(edges)+n)
	degree := make([]float64, n)
	add := func(i, j int) {
		key := [2]int{i, j}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		links = append(links, key)
		degree[i]++
	}
	for i := 0; i < n; i++ {
		add(i, i)
	}
	for _, e := range edges {
		if e[0] < 0 || e[0] >= n || e[1] < 0 || e[1] >= n {
			return nil, errors.Errorf("edge (%d, %d) references a node outside [0, %d)", e[0], e[1], n)
		}
		add(e[0], e[1])
		add(e[1], e[0])
	}

	// every row has the self loop, so degrees are at least 1
	entries := make([]Triplet, len(links))
	for k, l := range links {
		entries[k] = Triplet{Row: l[0], Col: l[1], Value: 1 / math.Sqrt(degree[l[0]]*degree[l[1]])}
	}
	adj, err := NewCSR(n, n, entries)
	return adj, errors.Wrap(err, "building adjacency")
}

// Powers returns adj^0 ... adj^(k-1) with adj^0 = I and adj^(i+1) = adj * adj^i,
// flattened into a K x n*n tensor with one power per row. Each power is
// computed in place in the tensor's backing.
func Powers(adj *T.CS, k int) (*T.Dense, error) {
	if k < 1 {
		return nil, errors.Errorf("number of powers must be at least 1, got %d", k)
	}
	s := adj.Shape()
	if len(s) != 2 || s[0] != s[1] {
		return nil, errors.Errorf("adjacency must be square, got %v", s)
	}
	n := s[0]

	stack := T.New(T.WithShape(k, n*n), T.WithBacking(make([]float64, k*n*n)))
	eye := PowerView(stack, 0)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	for i := 0; i < k-1; i++ {
		if err := mulInto(PowerView(stack, i+1), adj, PowerView(stack, i)); err != nil {
			return nil, errors.Wrapf(err, "computing power %d", i+1)
		}
	}
	return stack, nil
}

// PowerView returns power i of a stack built by Powers as an n x n matrix
// sharing the stack's memory.
func PowerView(stack *T.Dense, i int) *mat.Dense {
	size := stack.Shape()[1]
	n := int(math.Round(math.Sqrt(float64(size))))
	data := stack.Data().([]float64)
	return mat.NewDense(n, n, data[i*size:(i+1)*size])
}
