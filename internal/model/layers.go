package model

import (
	"math"
	"math/rand"
)

// Param exposes one named parameter tensor and its gradient accumulator
// to the optimizer and the checkpoint store.
type Param struct {
	Name string
	W    []float32
	G    []float32
}

// dense is a fully connected layer, weights stored row-major [out][in].
// The same instance is applied to every time step, so gradients
// accumulate across steps until zeroGrad.
type dense struct {
	in, out int
	w, b    []float32
	gw, gb  []float32
}

func newDense(in, out int, rng *rand.Rand) *dense {
	d := &dense{
		in:  in,
		out: out,
		w:   make([]float32, in*out),
		b:   make([]float32, out),
		gw:  make([]float32, in*out),
		gb:  make([]float32, out),
	}
	// He initialization, suited to the ReLU stack.
	std := float32(math.Sqrt(2.0 / float64(in)))
	for i := range d.w {
		d.w[i] = float32(rng.NormFloat64()) * std
	}
	return d
}

func (d *dense) forward(x, y []float32) {
	for o := 0; o < d.out; o++ {
		sum := d.b[o]
		row := d.w[o*d.in:]
		for i := 0; i < d.in; i++ {
			sum += row[i] * x[i]
		}
		y[o] = sum
	}
}

// backward accumulates parameter gradients for input x and upstream
// gradient dy, and writes the input gradient into dx when non-nil.
func (d *dense) backward(x, dy, dx []float32) {
	for o := 0; o < d.out; o++ {
		g := dy[o]
		if g == 0 {
			continue
		}
		d.gb[o] += g
		row := d.w[o*d.in:]
		grow := d.gw[o*d.in:]
		for i := 0; i < d.in; i++ {
			grow[i] += g * x[i]
			if dx != nil {
				dx[i] += row[i] * g
			}
		}
	}
}

func (d *dense) zeroGrad() {
	clear(d.gw)
	clear(d.gb)
}

func (d *dense) scaleGrad(s float32) {
	for i := range d.gw {
		d.gw[i] *= s
	}
	for i := range d.gb {
		d.gb[i] *= s
	}
}
