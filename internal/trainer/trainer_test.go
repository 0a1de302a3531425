package trainer

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
	T "gorgonia.org/tensor"

	"github.com/tophatjap/adaGPR/internal/adagpr"
	"github.com/tophatjap/adaGPR/internal/checkpoint"
	"github.com/tophatjap/adaGPR/internal/citation"
	"github.com/tophatjap/adaGPR/internal/propagation"
)

func TestEarlyStopper(t *testing.T) {
	s := NewEarlyStopper(2)
	steps := []struct {
		loss           float64
		improved, stop bool
	}{
		{1.0, true, false},
		{0.8, true, false},
		{0.8, false, false}, // equal is not an improvement
		{0.7, true, false},
		{0.9, false, false},
		{math.NaN(), false, true},
	}
	for epoch, st := range steps {
		improved, stop := s.Observe(epoch, st.loss)
		if improved != st.improved || stop != st.stop {
			t.Errorf("epoch %d loss %v: got (%v, %v), want (%v, %v)", epoch, st.loss, improved, stop, st.improved, st.stop)
		}
	}
	if best, epoch := s.Best(); best != 0.7 || epoch != 3 {
		t.Errorf("best = %v at %d, want 0.7 at 3", best, epoch)
	}
}

func TestEarlyStopperPatience(t *testing.T) {
	never := NewEarlyStopper(-1)
	never.Observe(0, 1)
	for epoch := 1; epoch < 50; epoch++ {
		if _, stop := never.Observe(epoch, 2); stop {
			t.Fatalf("stopped at epoch %d with negative patience", epoch)
		}
	}

	// zero patience stops right after the first epoch, improved or not
	zero := NewEarlyStopper(0)
	if improved, stop := zero.Observe(0, 1); !improved || !stop {
		t.Errorf("patience 0: got (%v, %v), want (true, true)", improved, stop)
	}

	if _, epoch := NewEarlyStopper(1).Best(); epoch != -1 {
		t.Errorf("fresh stopper best epoch = %d, want -1", epoch)
	}
}

func TestAccuracy(t *testing.T) {
	out := T.New(T.WithShape(4, 3), T.WithBacking([]float64{
		-0.1, -2, -3,
		-2, -0.1, -3,
		-3, -2, -0.1,
		-0.1, -2, -3,
	}))
	labels := []int{0, 1, 1, 2}
	tests := []struct {
		idx  []int
		want float64
	}{
		{[]int{0, 1}, 1},
		{[]int{2, 3}, 0},
		{[]int{0, 1, 2, 3}, 0.5},
		{nil, 0},
	}
	for _, tc := range tests {
		if got := Accuracy(out, labels, tc.idx); got != tc.want {
			t.Errorf("Accuracy(%v) = %v, want %v", tc.idx, got, tc.want)
		}
	}
}

func TestTargetMask(t *testing.T) {
	m := TargetMask([]int{2, 0, 1}, []int{0, 2}, 3)
	want := []float64{
		0, 0, 0.5,
		0, 0, 0,
		0, 0.5, 0,
	}
	got := m.Data().([]float64)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mask = %v, want %v", got, want)
		}
	}
	if !m.Shape().Eq(T.Shape{3, 3}) {
		t.Errorf("shape = %v", m.Shape())
	}
}

// toyDataset is two 6-node rings with features that reveal the class.
func toyDataset(t *testing.T) (*citation.Dataset, *T.Dense) {
	t.Helper()
	const n = 12
	feats := mat.NewDense(n, 4, nil)
	labels := make([]int, n)
	var edges [][2]int
	for i := 0; i < n; i++ {
		c := i / 6
		labels[i] = c
		feats.Set(i, 2*c, 1)
		feats.Set(i, 2*c+1, float64(i%3)/3)
		next := c*6 + (i+1)%6
		edges = append(edges, [2]int{i, next})
	}
	data, err := citation.New("toy", feats, labels, edges, citation.SplitConfig{TrainPerClass: 2, NumVal: 4, NumTest: 4, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	powers, err := propagation.Powers(data.Adj, 3)
	if err != nil {
		t.Fatal(err)
	}
	return data, powers
}

func toyModel() adagpr.Config {
	return adagpr.Config{
		Layers:       2,
		Hidden:       8,
		Dropout:      0.2,
		Alpha:        0.1,
		Lambda:       0.3,
		WeightDecay1: 1e-3,
		WeightDecay2: 1e-4,
		WeightDecay3: 1e-3,
		Seed:         42,
	}
}

func TestRun(t *testing.T) {
	data, powers := toyDataset(t)
	path := checkpoint.NewPath(filepath.Join(t.TempDir(), "pretrained"))
	var out bytes.Buffer
	tr, err := New(Config{Epochs: 20, Patience: 100, LearningRate: 0.01, Test: true, CheckpointPath: path}, toyModel(), data, powers, &out)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.EpochsRun != 20 {
		t.Errorf("ran %d epochs, want 20", res.EpochsRun)
	}
	if res.BestEpoch < 0 || res.BestEpoch >= 20 {
		t.Errorf("best epoch %d out of range", res.BestEpoch)
	}
	if !res.Tested || res.TestAcc < 0 || res.TestAcc > 1 {
		t.Errorf("unexpected test result %+v", res)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("checkpoint not written: %v", err)
	}

	text := out.String()
	for _, want := range []string{"Epoch:0001 train loss:", "Epoch:0020 ", "| val loss:", "Train cost: ", "Load ", "Test acc.:"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if lines := strings.Count(text, "Epoch:"); lines != 20 {
		t.Errorf("printed %d epoch lines, want 20", lines)
	}
}

func TestRunWithoutTest(t *testing.T) {
	data, powers := toyDataset(t)
	var out bytes.Buffer
	cfg := Config{Epochs: 3, Patience: -1, LearningRate: 0.01, CheckpointPath: filepath.Join(t.TempDir(), "best.ckpt")}
	tr, err := New(cfg, toyModel(), data, powers, &out)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Tested {
		t.Error("test split was evaluated")
	}
	if !strings.Contains(out.String(), "Val acc.:") {
		t.Errorf("expected validation accuracy in report:\n%s", out.String())
	}
}

func TestRunStopsEarly(t *testing.T) {
	data, powers := toyDataset(t)
	tests := []struct {
		name     string
		patience int
		lr       float64
	}{
		{"zero patience", 0, 0.01},
		// weights barely move, so validation loss stalls
		{"stalled", 3, 1e-300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cfg := Config{Epochs: 50, Patience: tc.patience, LearningRate: tc.lr, CheckpointPath: filepath.Join(t.TempDir(), "best.ckpt")}
			tr, err := New(cfg, toyModel(), data, powers, &out)
			if err != nil {
				t.Fatal(err)
			}
			defer tr.Close()

			res, err := tr.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if res.EpochsRun >= cfg.Epochs {
				t.Fatalf("ran all %d epochs", res.EpochsRun)
			}
			if want := res.BestEpoch + 1 + tc.patience; res.EpochsRun != want {
				t.Errorf("ran %d epochs with best at %d, want %d", res.EpochsRun, res.BestEpoch, want)
			}
			if lines := strings.Count(out.String(), "Epoch:"); lines != res.EpochsRun {
				t.Errorf("printed %d epoch lines for %d epochs", lines, res.EpochsRun)
			}
		})
	}
}

func TestRunWithoutImprovement(t *testing.T) {
	data, powers := toyDataset(t)
	// a NaN feature makes every validation loss NaN
	data.Features.Set(0, 0, math.NaN())

	path := filepath.Join(t.TempDir(), "best.ckpt")
	tr, err := New(Config{Epochs: 3, Patience: -1, LearningRate: 0.01, Test: true, CheckpointPath: path}, toyModel(), data, powers, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	res, err := tr.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error testing without a checkpoint")
	}
	if res.BestEpoch != -1 || res.EpochsRun != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("checkpoint written without improvement: %v", err)
	}

	var out bytes.Buffer
	tr2, err := New(Config{Epochs: 3, Patience: -1, LearningRate: 0.01, CheckpointPath: path}, toyModel(), data, powers, &out)
	if err != nil {
		t.Fatal(err)
	}
	defer tr2.Close()
	if _, err := tr2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Load 0th epoch") {
		t.Errorf("expected first epoch to be reported:\n%s", out.String())
	}
}

func TestRunTestsBestCheckpoint(t *testing.T) {
	data, powers := toyDataset(t)
	path := filepath.Join(t.TempDir(), "best.ckpt")
	tr, err := New(Config{Epochs: 30, Patience: -1, LearningRate: 0.5, Test: true, CheckpointPath: path}, toyModel(), data, powers, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	best, err := checkpoint.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.eval.LoadWeights(best); err != nil {
		t.Fatal(err)
	}
	valLoss, _, err := tr.eval.Evaluate(tr.features, tr.valMask)
	if err != nil {
		t.Fatal(err)
	}
	if valLoss != res.BestValLoss {
		t.Errorf("checkpoint val loss %v, best recorded %v", valLoss, res.BestValLoss)
	}
	testLoss, output, err := tr.eval.Evaluate(tr.features, tr.testMask)
	if err != nil {
		t.Fatal(err)
	}
	if testLoss != res.TestLoss || Accuracy(output, data.Labels, data.Test) != res.TestAcc {
		t.Errorf("checkpoint scores %v, run reported %v/%v", testLoss, res.TestLoss, res.TestAcc)
	}

	if res.BestEpoch == res.EpochsRun-1 {
		return
	}
	final := tr.train.Weights()
	same := true
	for name, w := range best {
		got, want := w.Data().([]float64), final[name].Data().([]float64)
		for i := range got {
			if got[i] != want[i] {
				same = false
			}
		}
	}
	if same {
		t.Errorf("best epoch %d of %d, but checkpoint holds the final weights", res.BestEpoch, res.EpochsRun)
	}
}

func TestRunCancelled(t *testing.T) {
	data, powers := toyDataset(t)
	tr, err := New(Config{Epochs: 5, LearningRate: 0.01, Test: true, CheckpointPath: filepath.Join(t.TempDir(), "c.ckpt")}, toyModel(), data, powers, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := tr.Run(ctx)
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
	if res.EpochsRun != 0 {
		t.Errorf("ran %d epochs after cancellation", res.EpochsRun)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	data, powers := toyDataset(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no epochs", Config{Epochs: 0, LearningRate: 0.01, CheckpointPath: "x"}},
		{"no learning rate", Config{Epochs: 1, CheckpointPath: "x"}},
		{"no checkpoint", Config{Epochs: 1, LearningRate: 0.01}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, toyModel(), data, powers, &bytes.Buffer{}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
