package model

import "math"

// Adam keeps first and second moment estimates per parameter tensor.
// Moment buffers are keyed by parameter name so they survive a
// checkpoint round trip.
type Adam struct {
	beta1 float64
	beta2 float64
	eps   float64
	steps int
	m     map[string][]float64
	v     map[string][]float64
}

// NewAdam builds an optimizer with the usual defaults
// (beta1 0.9, beta2 0.999, eps 1e-8).
func NewAdam() *Adam {
	return &Adam{
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

// Step applies one bias-corrected Adam update to every parameter using
// the gradients currently held in the accumulators.
func (a *Adam) Step(params []Param, lr float64) {
	a.steps++
	bc1 := 1 - math.Pow(a.beta1, float64(a.steps))
	bc2 := 1 - math.Pow(a.beta2, float64(a.steps))

	for _, p := range params {
		m := a.moment(a.m, p.Name, len(p.W))
		v := a.moment(a.v, p.Name, len(p.W))
		for i := range p.W {
			g := float64(p.G[i])
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.W[i] -= float32(lr * mHat / (math.Sqrt(vHat) + a.eps))
		}
	}
}

func (a *Adam) moment(store map[string][]float64, name string, size int) []float64 {
	buf, ok := store[name]
	if !ok || len(buf) != size {
		buf = make([]float64, size)
		store[name] = buf
	}
	return buf
}

// OptimizerState is the serializable snapshot of the optimizer.
type OptimizerState struct {
	Steps int                  `json:"steps"`
	M     map[string][]float64 `json:"m"`
	V     map[string][]float64 `json:"v"`
}

// State deep-copies the optimizer internals for checkpointing.
func (a *Adam) State() OptimizerState {
	return OptimizerState{
		Steps: a.steps,
		M:     copyMoments(a.m),
		V:     copyMoments(a.v),
	}
}

// LoadState restores a snapshot taken with State, so a resumed run
// continues with identical update dynamics.
func (a *Adam) LoadState(state OptimizerState) {
	a.steps = state.Steps
	a.m = copyMoments(state.M)
	a.v = copyMoments(state.V)
}

func copyMoments(src map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(src))
	for name, buf := range src {
		out[name] = append([]float64(nil), buf...)
	}
	return out
}

// StepSchedule decays the learning rate by Gamma every StepSize epochs,
// mirroring the schedule the model was tuned with (gamma 0.1 every 700
// epochs by default).
type StepSchedule struct {
	Base     float64
	Gamma    float64
	StepSize int
}

// At returns the learning rate for a zero-based epoch index.
func (s StepSchedule) At(epoch int) float64 {
	if s.StepSize <= 0 || s.Gamma <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
