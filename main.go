package main

/*
AdaGPR semi-supervised node classification.

Trains an adaptive generalized PageRank network on a citation graph with early
stopping on validation loss, then reloads the best checkpoint and reports its
accuracy.

	adagpr -data citeseer -datadir ./data -layer 32 -hidden 256
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tophatjap/adaGPR/internal/adagpr"
	"github.com/tophatjap/adaGPR/internal/checkpoint"
	"github.com/tophatjap/adaGPR/internal/citation"
	"github.com/tophatjap/adaGPR/internal/propagation"
	"github.com/tophatjap/adaGPR/internal/trainer"
)

// Config holds the command line settings.
type Config struct {
	Seed     int64
	Epochs   int
	LR       float64
	WD1      float64
	WD2      float64
	WD3      float64
	Layers   int
	Hidden   int
	Dropout  float64
	Patience int
	Data     string
	DataDir  string
	Alpha    float64
	Lambda   float64
	Variant  bool
	Test     bool
	GPRCoeff int

	CheckpointDir string
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("adagpr", flag.ContinueOnError)
	klog.InitFlags(fs)

	fs.Int64Var(&cfg.Seed, "seed", 42, "Random seed.")
	fs.IntVar(&cfg.Epochs, "epochs", 1500, "Number of epochs to train.")
	fs.Float64Var(&cfg.LR, "lr", 0.01, "Learning rate.")
	fs.Float64Var(&cfg.WD1, "wd1", 1.0, "Weight decay (L2 loss) on the propagation layer weights.")
	fs.Float64Var(&cfg.WD2, "wd2", 0.0001, "Weight decay (L2 loss) on the dense layers.")
	fs.Float64Var(&cfg.WD3, "wd3", 0.1, "Weight decay (L2 loss) on the GPR coefficients.")
	fs.IntVar(&cfg.Layers, "layer", 32, "Number of layers.")
	fs.IntVar(&cfg.Hidden, "hidden", 256, "Hidden dimensions.")
	fs.Float64Var(&cfg.Dropout, "dropout", 0.5, "Dropout rate (1 - keep probability).")
	fs.IntVar(&cfg.Patience, "patience", 100, "Epochs without validation improvement before stopping, negative disables.")
	fs.StringVar(&cfg.Data, "data", "citeseer", "Dataset name.")
	fs.StringVar(&cfg.DataDir, "datadir", "data", "Directory holding <data>.content and <data>.cites.")
	fs.Float64Var(&cfg.Alpha, "alpha", 0.1, "Initial residual weight alpha.")
	fs.Float64Var(&cfg.Lambda, "lamda", 0.3, "Identity mapping strength lambda.")
	fs.BoolVar(&cfg.Variant, "variant", false, "Use the GCNII* layer.")
	fs.BoolVar(&cfg.Test, "test", true, "Evaluate on the test set.")
	fs.IntVar(&cfg.GPRCoeff, "gpr_coeff", 10, "Number of adjacency powers.")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint_dir", "pretrained", "Directory for the best model checkpoint.")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Epochs < 1:
		return errors.Errorf("-epochs must be positive, got %d", c.Epochs)
	case c.LR <= 0:
		return errors.Errorf("-lr must be positive, got %v", c.LR)
	case c.WD1 < 0 || c.WD2 < 0 || c.WD3 < 0:
		return errors.New("weight decays must not be negative")
	case c.Layers < 1:
		return errors.Errorf("-layer must be positive, got %d", c.Layers)
	case c.Hidden < 1:
		return errors.Errorf("-hidden must be positive, got %d", c.Hidden)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("-dropout must be in [0, 1), got %v", c.Dropout)
	case c.GPRCoeff < 1:
		return errors.Errorf("-gpr_coeff must be positive, got %d", c.GPRCoeff)
	}
	return nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err == flag.ErrHelp {
		return
	}
	if err != nil {
		klog.Exitf("invalid arguments: %v", err)
	}
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		klog.Flush()
		klog.Exitf("Failed: %+v", err)
	}
}

func run(ctx context.Context, cfg Config) error {
	data, err := citation.Load(cfg.DataDir, cfg.Data, citation.DefaultSplit(cfg.Seed))
	if err != nil {
		return err
	}

	// K x N*N operator stack shared by both model instances
	start := time.Now()
	stacked, err := propagation.Powers(data.Adj, cfg.GPRCoeff)
	if err != nil {
		return errors.Wrap(err, "precomputing adjacency powers")
	}
	klog.Infof("computed %d adjacency powers in %v", cfg.GPRCoeff, time.Since(start))

	checkpointPath := checkpoint.NewPath(cfg.CheckpointDir)
	fmt.Println(checkpointPath)
	fmt.Println(data.NumClasses())

	tr, err := trainer.New(trainer.Config{
		Epochs:         cfg.Epochs,
		Patience:       cfg.Patience,
		LearningRate:   cfg.LR,
		Test:           cfg.Test,
		CheckpointPath: checkpointPath,
	}, adagpr.Config{
		Layers:       cfg.Layers,
		Hidden:       cfg.Hidden,
		Dropout:      cfg.Dropout,
		Alpha:        cfg.Alpha,
		Lambda:       cfg.Lambda,
		Variant:      cfg.Variant,
		WeightDecay1: cfg.WD1,
		WeightDecay2: cfg.WD2,
		WeightDecay3: cfg.WD3,
		Seed:         cfg.Seed,
	}, data, stacked, os.Stdout)
	if err != nil {
		return err
	}
	defer tr.Close()

	_, err = tr.Run(ctx)
	return err
}
