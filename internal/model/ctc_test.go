package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSoftmaxNormalizes(t *testing.T) {
	lp := logSoftmax([]float32{0.5, -1.2, 3.0, 0.0})
	sum := 0.0
	for _, v := range lp {
		sum += math.Exp(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLogAdd(t *testing.T) {
	negInf := math.Inf(-1)
	assert.Equal(t, 1.5, logAdd(negInf, 1.5))
	assert.Equal(t, 1.5, logAdd(1.5, negInf))
	assert.InDelta(t, math.Log(2), logAdd(0, 0), 1e-12)
}

// Two time steps, uniform distribution over {blank, A}. The label "A"
// admits the alignments (blank,A), (A,blank), (A,A), so its likelihood
// is 3/4.
func TestCTCLossUniform(t *testing.T) {
	logits := [][]float32{{0, 0}, {0, 0}}
	loss, _, err := ctcLossGrad(logits, []int{1}, false)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(0.75), loss, 1e-9)
}

func TestCTCRejectsOverlongTarget(t *testing.T) {
	logits := [][]float32{{0, 0, 0}, {0, 0, 0}}
	_, _, err := ctcLossGrad(logits, []int{1, 2, 1}, false)
	assert.Error(t, err)
}

func TestCTCRejectsEmptyTarget(t *testing.T) {
	logits := [][]float32{{0, 0, 0}}
	_, _, err := ctcLossGrad(logits, nil, false)
	assert.Error(t, err)
}

// The analytic gradient must match a central finite difference of the
// loss at every logit.
func TestCTCGradMatchesFiniteDifference(t *testing.T) {
	const (
		T   = 5
		C   = 4
		eps = 1e-4
	)
	rng := rand.New(rand.NewSource(3))
	logits := make([][]float32, T)
	for t2 := range logits {
		logits[t2] = make([]float32, C)
		for c := range logits[t2] {
			logits[t2][c] = float32(rng.NormFloat64())
		}
	}
	target := []int{1, 3}

	_, grad, err := ctcLossGrad(logits, target, true)
	require.NoError(t, err)

	for ti := 0; ti < T; ti++ {
		for c := 0; c < C; c++ {
			orig := logits[ti][c]

			logits[ti][c] = orig + eps
			up, _, err := ctcLossGrad(logits, target, false)
			require.NoError(t, err)

			logits[ti][c] = orig - eps
			down, _, err := ctcLossGrad(logits, target, false)
			require.NoError(t, err)

			logits[ti][c] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, float64(grad[ti][c]), 1e-3,
				"gradient mismatch at t=%d c=%d", ti, c)
		}
	}
}

func TestGreedyDecode(t *testing.T) {
	step := func(best int) []float32 {
		s := make([]float32, 37)
		for i := range s {
			s[i] = -10
		}
		s[best] = 10
		return s
	}
	// argmax sequence A A blank B B blank A -> "ABA"
	logits := [][]float32{
		step(1), step(1), step(0), step(2), step(2), step(0), step(1),
	}
	assert.Equal(t, "ABA", GreedyDecode(logits))

	// all blanks -> empty string
	logits = [][]float32{step(0), step(0)}
	assert.Equal(t, "", GreedyDecode(logits))
}
