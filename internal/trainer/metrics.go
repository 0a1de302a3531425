package trainer

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	T "gorgonia.org/tensor"
)

// Accuracy is the fraction of nodes in idx whose highest scoring class in
// output (N x C) equals their label. It is 0 for an empty idx.
func Accuracy(output *T.Dense, labels []int, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	numClasses := output.Shape()[1]
	data := output.Data().([]float64)
	correct := 0
	for _, node := range idx {
		row := data[node*numClasses : (node+1)*numClasses]
		if floats.MaxIdx(row) == labels[node] {
			correct++
		}
	}
	return float64(correct) / float64(len(idx))
}

// TargetMask returns an N x C matrix holding the one-hot labels of the nodes
// in idx divided by len(idx), and zero rows everywhere else. Summing its
// product with log probabilities gives the negative mean NLL over idx.
func TargetMask(labels []int, idx []int, numClasses int) *T.Dense {
	backing := make([]float64, len(labels)*numClasses)
	if len(idx) > 0 {
		w := 1 / float64(len(idx))
		for _, node := range idx {
			backing[node*numClasses+labels[node]] = w
		}
	}
	return T.New(T.WithShape(len(labels), numClasses), T.WithBacking(backing))
}

// denseToTensor copies a gonum matrix into a gorgonia tensor of the same shape.
func denseToTensor(m *mat.Dense) *T.Dense {
	r, c := m.Dims()
	backing := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		backing = append(backing, m.RawRowView(i)...)
	}
	return T.New(T.WithShape(r, c), T.WithBacking(backing))
}
