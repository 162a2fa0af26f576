package model

import (
	"fmt"
	"math"

	"github.com/icvlp/icvlpr/internal/charset"
)

// ctcLossGrad computes the CTC negative log-likelihood of target given
// per-step logits [T][C], and when wantGrad is set also the gradient of
// the loss with respect to the logits. The forward-backward recursion
// runs in log space.
func ctcLossGrad(logits [][]float32, target []int, wantGrad bool) (float64, [][]float32, error) {
	T := len(logits)
	if T == 0 {
		return 0, nil, fmt.Errorf("ctc: no time steps")
	}
	C := len(logits[0])
	L := len(target)
	if L == 0 {
		return 0, nil, fmt.Errorf("ctc: empty target")
	}
	S := 2*L + 1
	if S > 2*T {
		return 0, nil, fmt.Errorf("ctc: target length %d does not fit %d time steps", L, T)
	}

	// Log-softmax per step.
	lp := make([][]float64, T)
	for t := 0; t < T; t++ {
		lp[t] = logSoftmax(logits[t])
	}

	// Extended target: blanks interleaved around every character.
	ext := make([]int, S)
	for i, c := range target {
		ext[2*i+1] = c
	}
	for i := 0; i < S; i += 2 {
		ext[i] = charset.Blank
	}

	negInf := math.Inf(-1)

	alpha := make([][]float64, T)
	for t := range alpha {
		alpha[t] = make([]float64, S)
		for s := range alpha[t] {
			alpha[t][s] = negInf
		}
	}
	alpha[0][0] = lp[0][ext[0]]
	if S > 1 {
		alpha[0][1] = lp[0][ext[1]]
	}
	for t := 1; t < T; t++ {
		for s := 0; s < S; s++ {
			a := alpha[t-1][s]
			if s > 0 {
				a = logAdd(a, alpha[t-1][s-1])
			}
			if s > 1 && ext[s] != charset.Blank && ext[s] != ext[s-2] {
				a = logAdd(a, alpha[t-1][s-2])
			}
			if a != negInf {
				alpha[t][s] = a + lp[t][ext[s]]
			}
		}
	}

	logLik := alpha[T-1][S-1]
	if S > 1 {
		logLik = logAdd(logLik, alpha[T-1][S-2])
	}
	if math.IsInf(logLik, -1) {
		return 0, nil, fmt.Errorf("ctc: no valid alignment for target of length %d", L)
	}

	if !wantGrad {
		return -logLik, nil, nil
	}

	beta := make([][]float64, T)
	for t := range beta {
		beta[t] = make([]float64, S)
		for s := range beta[t] {
			beta[t][s] = negInf
		}
	}
	beta[T-1][S-1] = lp[T-1][ext[S-1]]
	if S > 1 {
		beta[T-1][S-2] = lp[T-1][ext[S-2]]
	}
	for t := T - 2; t >= 0; t-- {
		for s := 0; s < S; s++ {
			b := beta[t+1][s]
			if s < S-1 {
				b = logAdd(b, beta[t+1][s+1])
			}
			if s < S-2 && ext[s] != charset.Blank && ext[s] != ext[s+2] {
				b = logAdd(b, beta[t+1][s+2])
			}
			if b != negInf {
				beta[t][s] = b + lp[t][ext[s]]
			}
		}
	}

	// grad[t][c] = softmax(t,c) - P(path through c at t | target) / P(target).
	grad := make([][]float32, T)
	for t := 0; t < T; t++ {
		grad[t] = make([]float32, C)
		occ := make([]float64, C)
		for c := range occ {
			occ[c] = negInf
		}
		for s := 0; s < S; s++ {
			if math.IsInf(alpha[t][s], -1) || math.IsInf(beta[t][s], -1) {
				continue
			}
			// alpha and beta both include lp[t][ext[s]]; divide one out.
			occ[ext[s]] = logAdd(occ[ext[s]], alpha[t][s]+beta[t][s]-lp[t][ext[s]])
		}
		for c := 0; c < C; c++ {
			g := math.Exp(lp[t][c])
			if !math.IsInf(occ[c], -1) {
				g -= math.Exp(occ[c] - logLik)
			}
			grad[t][c] = float32(g)
		}
	}

	return -logLik, grad, nil
}

func logSoftmax(logits []float32) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	logZ := maxVal + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - logZ
	}
	return out
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
