package metrics

// Averager accumulates a running mean of one scalar across the steps of
// an epoch.
type Averager struct {
	sum float64
	n   int
}

// Add folds one observation into the mean.
func (a *Averager) Add(v float64) {
	a.sum += v
	a.n++
}

// AddN folds n observations sharing one mean, so per-batch means
// combine sample-weighted even when the final batch is short.
func (a *Averager) AddN(mean float64, n int) {
	a.sum += mean * float64(n)
	a.n += n
}

// Mean returns the current mean, 0 when nothing was added.
func (a *Averager) Mean() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

// Count returns the number of observations folded in.
func (a *Averager) Count() int { return a.n }

// Reset clears the accumulator for the next epoch.
func (a *Averager) Reset() {
	a.sum = 0
	a.n = 0
}
