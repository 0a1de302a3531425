package trainer

import "math"

// EarlyStopper tracks the best validation loss and counts epochs without
// improvement. Training stops once that count equals the patience, so a
// patience of zero stops after the first epoch and a negative one never stops.
type EarlyStopper struct {
	patience  int
	best      float64
	bestEpoch int
	bad       int
}

func NewEarlyStopper(patience int) *EarlyStopper {
	return &EarlyStopper{patience: patience, best: math.Inf(1), bestEpoch: -1}
}

// Observe records the validation loss of epoch. improved reports a strictly
// lower loss than any before; stop reports that patience has run out.
func (s *EarlyStopper) Observe(epoch int, loss float64) (improved, stop bool) {
	if loss < s.best {
		s.best = loss
		s.bestEpoch = epoch
		s.bad = 0
		improved = true
	} else {
		s.bad++
	}
	return improved, s.bad == s.patience
}

// Best returns the lowest loss seen and its epoch, or -1 if none improved.
func (s *EarlyStopper) Best() (float64, int) { return s.best, s.bestEpoch }
