// Package model implements the plate recognizer: a shared dense stack
// applied to a sliding window of image columns, producing per-time-step
// class logits that are trained with CTC and decoded greedily. One
// model handles plates of any character count up to (T-1)/2, where T is
// the number of time steps.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/icvlp/icvlpr/internal/charset"
)

// Config fixes the network geometry. Zero fields take defaults.
type Config struct {
	Width  int // input image width
	Height int // input image height
	Window int // columns per frame
	Stride int // columns between frames
	Hidden int // hidden units per frame
	Seed   int64
}

// DefaultConfig matches the 94x24 plate crops of the dataset.
func DefaultConfig() Config {
	return Config{
		Width:  94,
		Height: 24,
		Window: 10,
		Stride: 4,
		Hidden: 128,
		Seed:   1,
	}
}

// Network maps an image tensor to per-time-step logits over the plate
// alphabet. Forward and Predict are pure functions of the input and the
// current parameters.
type Network struct {
	cfg     Config
	steps   int
	frameIn int
	frame   *dense
	out     *dense
}

// New builds a network with freshly initialized parameters.
func New(cfg Config) (*Network, error) {
	def := DefaultConfig()
	if cfg.Width == 0 {
		cfg.Width = def.Width
	}
	if cfg.Height == 0 {
		cfg.Height = def.Height
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.Stride == 0 {
		cfg.Stride = def.Stride
	}
	if cfg.Hidden == 0 {
		cfg.Hidden = def.Hidden
	}
	if cfg.Window > cfg.Width || cfg.Stride <= 0 {
		return nil, fmt.Errorf("invalid frame geometry: window %d, stride %d, width %d",
			cfg.Window, cfg.Stride, cfg.Width)
	}
	if (cfg.Width-cfg.Window)%cfg.Stride != 0 {
		return nil, fmt.Errorf("width %d minus window %d must be divisible by stride %d",
			cfg.Width, cfg.Window, cfg.Stride)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := &Network{
		cfg:     cfg,
		steps:   (cfg.Width-cfg.Window)/cfg.Stride + 1,
		frameIn: cfg.Window * cfg.Height,
	}
	n.frame = newDense(n.frameIn, cfg.Hidden, rng)
	n.out = newDense(cfg.Hidden, charset.NumClasses, rng)
	return n, nil
}

// Steps returns the number of time steps T produced per image.
func (n *Network) Steps() int { return n.steps }

// MaxLabelLen returns the longest label a CTC alignment over T steps
// can represent.
func (n *Network) MaxLabelLen() int { return (n.steps - 1) / 2 }

// PixelCount returns the expected input tensor length.
func (n *Network) PixelCount() int { return n.cfg.Width * n.cfg.Height }

// frameAt copies frame t of img (all rows, Window columns starting at
// t*Stride) into dst.
func (n *Network) frameAt(img []float32, t int, dst []float32) {
	off := t * n.cfg.Stride
	for y := 0; y < n.cfg.Height; y++ {
		copy(dst[y*n.cfg.Window:(y+1)*n.cfg.Window], img[y*n.cfg.Width+off:y*n.cfg.Width+off+n.cfg.Window])
	}
}

// forwardSample runs one image through the stack, returning logits
// [T][C] and, when train is set, the cached frames and hidden
// activations needed for backprop.
func (n *Network) forwardSample(img []float32, train bool) (logits, frames, hidden [][]float32) {
	logits = make([][]float32, n.steps)
	if train {
		frames = make([][]float32, n.steps)
		hidden = make([][]float32, n.steps)
	}
	frame := make([]float32, n.frameIn)
	h := make([]float32, n.cfg.Hidden)
	for t := 0; t < n.steps; t++ {
		n.frameAt(img, t, frame)
		n.frame.forward(frame, h)
		for i := range h {
			if h[i] < 0 {
				h[i] = 0
			}
		}
		logits[t] = make([]float32, charset.NumClasses)
		n.out.forward(h, logits[t])
		if train {
			frames[t] = append([]float32(nil), frame...)
			hidden[t] = append([]float32(nil), h...)
		}
	}
	return logits, frames, hidden
}

// Forward maps a batch of image tensors to logits [B][T][C].
func (n *Network) Forward(images [][]float32) [][][]float32 {
	out := make([][][]float32, len(images))
	for b, img := range images {
		out[b], _, _ = n.forwardSample(img, false)
	}
	return out
}

// Predict decodes a batch of images to plate strings using greedy
// best-path CTC decoding.
func (n *Network) Predict(images [][]float32) []string {
	preds := make([]string, len(images))
	for b, img := range images {
		logits, _, _ := n.forwardSample(img, false)
		preds[b] = GreedyDecode(logits)
	}
	return preds
}

// Loss computes the mean CTC loss of a batch without touching gradients.
func (n *Network) Loss(images [][]float32, targets [][]int) (float64, error) {
	if len(images) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	total := 0.0
	for b, img := range images {
		logits, _, _ := n.forwardSample(img, false)
		loss, _, err := ctcLossGrad(logits, targets[b], false)
		if err != nil {
			return 0, err
		}
		total += loss
	}
	return total / float64(len(images)), nil
}

// Backprop runs forward and backward passes over a batch, leaving the
// mean gradients in the parameter accumulators, and returns the mean
// loss. It does not update any weights; that is the optimizer's job.
func (n *Network) Backprop(images [][]float32, targets [][]int) (float64, error) {
	if len(images) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	n.frame.zeroGrad()
	n.out.zeroGrad()

	total := 0.0
	dh := make([]float32, n.cfg.Hidden)
	for b, img := range images {
		logits, frames, hidden := n.forwardSample(img, true)
		loss, grad, err := ctcLossGrad(logits, targets[b], true)
		if err != nil {
			return 0, err
		}
		total += loss

		for t := n.steps - 1; t >= 0; t-- {
			clear(dh)
			n.out.backward(hidden[t], grad[t], dh)
			for i := range dh {
				if hidden[t][i] == 0 {
					dh[i] = 0
				}
			}
			n.frame.backward(frames[t], dh, nil)
		}
	}

	scale := float32(1.0 / float64(len(images)))
	n.frame.scaleGrad(scale)
	n.out.scaleGrad(scale)
	return total / float64(len(images)), nil
}

// Params exposes the parameter tensors for the optimizer and the
// checkpoint store. Slices alias network state.
func (n *Network) Params() []Param {
	return []Param{
		{Name: "frame.w", W: n.frame.w, G: n.frame.gw},
		{Name: "frame.b", W: n.frame.b, G: n.frame.gb},
		{Name: "out.w", W: n.out.w, G: n.out.gw},
		{Name: "out.b", W: n.out.b, G: n.out.gb},
	}
}

// Weights returns a deep copy of the parameters, keyed by name.
func (n *Network) Weights() map[string][]float32 {
	out := make(map[string][]float32, 4)
	for _, p := range n.Params() {
		out[p.Name] = append([]float32(nil), p.W...)
	}
	return out
}

// LoadWeights restores parameters saved by Weights.
func (n *Network) LoadWeights(weights map[string][]float32) error {
	for _, p := range n.Params() {
		saved, ok := weights[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %q", p.Name)
		}
		if len(saved) != len(p.W) {
			return fmt.Errorf("parameter %q: checkpoint has %d values, model wants %d",
				p.Name, len(saved), len(p.W))
		}
		copy(p.W, saved)
	}
	return nil
}

// GreedyDecode converts per-step logits into a plate string: argmax per
// step, collapse repeats, strip blanks.
func GreedyDecode(logits [][]float32) string {
	classes := make([]int, 0, len(logits))
	last := -1
	for _, step := range logits {
		best := 0
		bestVal := float32(math.Inf(-1))
		for c, v := range step {
			if v > bestVal {
				bestVal = v
				best = c
			}
		}
		if best != charset.Blank && best != last {
			classes = append(classes, best)
		}
		last = best
	}
	return charset.Decode(classes)
}
