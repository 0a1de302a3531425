// Package trainer runs full-batch training with early stopping on validation
// loss, checkpoints the best weights and evaluates them on the test split.
package trainer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	T "gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"github.com/tophatjap/adaGPR/internal/adagpr"
	"github.com/tophatjap/adaGPR/internal/checkpoint"
	"github.com/tophatjap/adaGPR/internal/citation"
)

// Config controls the training loop.
type Config struct {
	Epochs         int
	Patience       int
	LearningRate   float64
	Test           bool   // reload the best checkpoint and score the test split
	CheckpointPath string // where the best weights are kept
}

// Result summarizes a run.
type Result struct {
	EpochsRun   int
	BestEpoch   int // zero based, -1 if validation loss never improved
	BestValLoss float64
	BestValAcc  float64
	TestLoss    float64
	TestAcc     float64
	Tested      bool
	Duration    time.Duration
}

// Trainer owns a training and an evaluation instance of the model.
type Trainer struct {
	cfg  Config
	data *citation.Dataset
	out  io.Writer

	train, eval *adagpr.Model
	solver      G.Solver

	features                     *T.Dense
	trainMask, valMask, testMask *T.Dense
}

// New builds both model instances. model's data dimensions are taken from data.
func New(cfg Config, model adagpr.Config, data *citation.Dataset, powers *T.Dense, out io.Writer) (*Trainer, error) {
	if cfg.Epochs < 1 {
		return nil, errors.Errorf("need at least one epoch, got %d", cfg.Epochs)
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.CheckpointPath == "" {
		return nil, errors.New("no checkpoint path")
	}

	model.NumNodes = data.NumNodes()
	model.NumFeatures = data.NumFeatures()
	model.NumClasses = data.NumClasses()

	train, err := adagpr.New(model, powers, true)
	if err != nil {
		return nil, errors.Wrap(err, "building training model")
	}
	eval, err := adagpr.New(model, powers, false)
	if err != nil {
		if cerr := train.Close(); cerr != nil {
			klog.Errorf("Failed to release training model: %v", cerr)
		}
		return nil, errors.Wrap(err, "building evaluation model")
	}

	return &Trainer{
		cfg:       cfg,
		data:      data,
		out:       out,
		train:     train,
		eval:      eval,
		solver:    G.NewAdamSolver(G.WithLearnRate(cfg.LearningRate)),
		features:  denseToTensor(data.Features),
		trainMask: TargetMask(data.Labels, data.Train, data.NumClasses()),
		valMask:   TargetMask(data.Labels, data.Val, data.NumClasses()),
		testMask:  TargetMask(data.Labels, data.Test, data.NumClasses()),
	}, nil
}

// Run trains until the epoch budget is spent, patience runs out or ctx is done.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	stopper := NewEarlyStopper(t.cfg.Patience)
	res := Result{BestEpoch: -1}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrapf(err, "stopped at epoch %d", epoch)
		}

		trainLoss, trainAcc, err := t.trainEpoch()
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d: training", epoch+1)
		}
		valLoss, valAcc, err := t.validate()
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d: validation", epoch+1)
		}
		res.EpochsRun = epoch + 1

		fmt.Fprintf(t.out, "Epoch:%04d train loss:%.3f acc:%.2f | val loss:%.3f acc:%.2f\n",
			epoch+1, trainLoss, trainAcc*100, valLoss, valAcc*100)

		improved, stop := stopper.Observe(epoch, valLoss)
		if improved {
			res.BestEpoch, res.BestValLoss, res.BestValAcc = epoch, valLoss, valAcc
			if err := checkpoint.Save(t.cfg.CheckpointPath, t.eval.Weights()); err != nil {
				klog.Errorf("Failed to save checkpoint in %q: %+v", t.cfg.CheckpointPath, err)
				return res, err
			}
			klog.V(1).Infof("epoch %d: val loss %.4f, saved %s", epoch+1, valLoss, t.cfg.CheckpointPath)
		}
		if stop {
			klog.V(1).Infof("no improvement for %d epochs, stopping", t.cfg.Patience)
			break
		}
	}

	if t.cfg.Test {
		loss, acc, err := t.test()
		if err != nil {
			return res, errors.Wrap(err, "testing")
		}
		res.Tested, res.TestLoss, res.TestAcc = true, loss, acc
	}
	res.Duration = time.Since(start)
	t.report(res)
	return res, nil
}

func (t *Trainer) trainEpoch() (float64, float64, error) {
	loss, output, err := t.train.Step(t.features, t.trainMask, t.solver)
	if err != nil {
		return 0, 0, err
	}
	return loss, Accuracy(output, t.data.Labels, t.data.Train), nil
}

func (t *Trainer) validate() (float64, float64, error) {
	if err := t.train.CopyWeightsTo(t.eval); err != nil {
		return 0, 0, err
	}
	loss, output, err := t.eval.Evaluate(t.features, t.valMask)
	if err != nil {
		return 0, 0, err
	}
	return loss, Accuracy(output, t.data.Labels, t.data.Val), nil
}

func (t *Trainer) test() (float64, float64, error) {
	weights, err := checkpoint.Load(t.cfg.CheckpointPath)
	if err != nil {
		return 0, 0, errors.Wrap(err, "no usable checkpoint")
	}
	if err := t.eval.LoadWeights(weights); err != nil {
		return 0, 0, err
	}
	loss, output, err := t.eval.Evaluate(t.features, t.testMask)
	if err != nil {
		return 0, 0, err
	}
	return loss, Accuracy(output, t.data.Labels, t.data.Test), nil
}

func (t *Trainer) report(res Result) {
	fmt.Fprintf(t.out, "Train cost: %.4fs\n", res.Duration.Seconds())
	// with no improving epoch the first epoch is reported
	epoch := res.BestEpoch
	if epoch < 0 {
		epoch = 0
	}
	fmt.Fprintf(t.out, "Load %dth epoch\n", epoch)
	if res.Tested {
		fmt.Fprintf(t.out, "Test acc.:%.1f\n", res.TestAcc*100)
	} else {
		fmt.Fprintf(t.out, "Val acc.:%.1f\n", res.BestValAcc*100)
	}
}

// Close releases both models.
func (t *Trainer) Close() error {
	err := t.train.Close()
	if evalErr := t.eval.Close(); err == nil {
		err = evalErr
	}
	return err
}
