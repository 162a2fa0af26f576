// Package train drives the optimization loop: epochs of optimizer
// steps over the train split, per-epoch evaluation, early stopping,
// checkpointing and a final pass over the test split. All loop state
// lives in an explicit TrainingState value owned by the Trainer.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/icvlp/icvlpr/internal/checkpoint"
	"github.com/icvlp/icvlpr/internal/config"
	"github.com/icvlp/icvlpr/internal/dataset"
	"github.com/icvlp/icvlpr/internal/metrics"
	"github.com/icvlp/icvlpr/internal/model"
)

// Model is the recognizer surface the loop depends on. *model.Network
// satisfies it; tests substitute stubs.
type Model interface {
	Backprop(images [][]float32, targets [][]int) (float64, error)
	Loss(images [][]float32, targets [][]int) (float64, error)
	Predict(images [][]float32) []string
	Params() []model.Param
	Weights() map[string][]float32
	LoadWeights(weights map[string][]float32) error
}

// BatchStream yields one epoch's batches in scheduled order.
type BatchStream interface {
	Next(ctx context.Context) (*dataset.Batch, error)
	Skipped() int64
	Close()
}

// BatchSource produces restartable epoch streams over one split.
type BatchSource interface {
	Size() int
	Steps() int
	Epoch(ctx context.Context, epoch int) BatchStream
	Release(b *dataset.Batch)
}

type loaderSource struct{ *dataset.Loader }

func (s loaderSource) Epoch(ctx context.Context, epoch int) BatchStream {
	return s.Loader.Epoch(ctx, epoch)
}

// NewSource adapts a dataset loader to the BatchSource capability.
func NewSource(l *dataset.Loader) BatchSource { return loaderSource{l} }

// TrainingState is the loop position. Epochs are 1-based; BestEpoch is
// 0 until a validation pass has run.
type TrainingState struct {
	Epoch           int
	GlobalStep      int64
	BestMetric      float64
	BestEpoch       int
	EpochsSinceBest int
}

type phase int

const (
	phaseInitializing phase = iota
	phaseRunning
	phaseEvaluating
	phaseCheckpointing
	phaseCompleted
)

func (p phase) String() string {
	switch p {
	case phaseInitializing:
		return "initializing"
	case phaseRunning:
		return "running"
	case phaseEvaluating:
		return "evaluating"
	case phaseCheckpointing:
		return "checkpointing"
	default:
		return "completed"
	}
}

// Params wires a Trainer. Model, Optimizer and Train are required; Val
// enables per-epoch validation, best tracking and early stopping, Test
// enables the final evaluation, Store enables checkpointing.
type Params struct {
	Model     Model
	Optimizer *model.Adam
	Schedule  model.StepSchedule
	Train     BatchSource
	Val       BatchSource
	Test      BatchSource
	Store     *checkpoint.Store
	Sink      metrics.Sink
	Config    config.Config
}

// Trainer runs the training loop to completion, early stop,
// divergence or cancellation.
type Trainer struct {
	p          Params
	state      TrainingState
	startEpoch int
	phase      phase
}

// New validates the wiring and builds a trainer positioned at epoch 1.
func New(p Params) (*Trainer, error) {
	if p.Model == nil || p.Optimizer == nil || p.Train == nil {
		return nil, fmt.Errorf("trainer requires a model, an optimizer and a train source")
	}
	if p.Sink == nil {
		p.Sink = metrics.NopSink{}
	}
	return &Trainer{
		p:          p,
		startEpoch: 1,
		state:      TrainingState{BestMetric: -1},
	}, nil
}

// State returns a copy of the current loop position.
func (t *Trainer) State() TrainingState { return t.state }

// Resume restores model weights, optimizer moments and loop position
// from a snapshot. With the same seed the subsequent metric trajectory
// matches an uninterrupted run.
func (t *Trainer) Resume(snap *checkpoint.Snapshot) error {
	if err := t.p.Model.LoadWeights(snap.Weights); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	t.p.Optimizer.LoadState(snap.Optimizer)
	t.state.GlobalStep = snap.GlobalStep
	t.state.BestMetric = snap.BestMetric
	t.state.BestEpoch = snap.BestEpoch
	// Keep the patience window where the interrupted run left it.
	if snap.BestEpoch > 0 {
		t.state.EpochsSinceBest = snap.Epoch - snap.BestEpoch
	}
	t.startEpoch = snap.Epoch + 1
	log.Info().Msgf("resumed from epoch %d (global step %d, best %.4f at epoch %d)",
		snap.Epoch, snap.GlobalStep, snap.BestMetric, snap.BestEpoch)
	return nil
}

// Run executes the loop. It returns nil on completion or early stop, a
// *DivergedError on non-finite loss, and the context error on
// cancellation (after an interrupt checkpoint when configured).
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.p.Config
	log.Info().Msgf("training epochs %d..%d, %d samples, %d steps per epoch",
		t.startEpoch, cfg.Epochs, t.p.Train.Size(), t.p.Train.Steps())

	for epoch := t.startEpoch; epoch <= cfg.Epochs; epoch++ {
		t.state.Epoch = epoch
		t.setPhase(phaseRunning)

		lr := t.p.Schedule.At(epoch - 1)
		trainMetrics, err := t.runEpoch(ctx, epoch, lr)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return t.interrupt(err)
			}
			return err
		}
		t.emit("train", epoch, trainMetrics)
		log.Info().Msgf("epoch %d/%d lr %.2g train loss %.4f acc %.4f",
			epoch, cfg.Epochs, lr, trainMetrics.Loss, trainMetrics.Accuracy)

		improved := false
		if t.p.Val != nil {
			t.setPhase(phaseEvaluating)
			valMetrics, err := Evaluate(ctx, t.p.Model, t.p.Val, epoch)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return t.interrupt(err)
				}
				return err
			}
			t.emit("val", epoch, valMetrics)
			log.Info().Msgf("epoch %d val loss %.4f acc %.4f rln %.4f cer %.4f",
				epoch, valMetrics.Loss, valMetrics.Accuracy, valMetrics.RecognitionRate, valMetrics.CER)

			if valMetrics.Accuracy > t.state.BestMetric {
				t.state.BestMetric = valMetrics.Accuracy
				t.state.BestEpoch = epoch
				t.state.EpochsSinceBest = 0
				improved = true
			} else {
				t.state.EpochsSinceBest++
			}
		}

		if err := t.checkpointEpoch(epoch, improved, trainMetrics); err != nil {
			return err
		}

		if cfg.Patience > 0 && t.p.Val != nil && t.state.EpochsSinceBest >= cfg.Patience {
			log.Info().Msgf("early stop at epoch %d: no improvement for %d epochs (best %.4f at epoch %d)",
				epoch, t.state.EpochsSinceBest, t.state.BestMetric, t.state.BestEpoch)
			break
		}
	}

	t.setPhase(phaseCompleted)
	if t.p.Test != nil {
		testMetrics, err := Evaluate(ctx, t.p.Model, t.p.Test, 0)
		if err != nil {
			return err
		}
		t.emit("test", t.state.Epoch, testMetrics)
		log.Info().Msgf("test loss %.4f acc %.4f rln %.4f cer %.4f over %d samples",
			testMetrics.Loss, testMetrics.Accuracy, testMetrics.RecognitionRate,
			testMetrics.CER, testMetrics.Samples)
	}
	return nil
}

// runEpoch performs one optimizer step per train batch and scores the
// just-updated model on each batch for the train-split metrics.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, lr float64) (Metrics, error) {
	stream := t.p.Train.Epoch(ctx, epoch)
	defer stream.Close()

	var agg aggregate
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Metrics{}, err
		}

		loss, err := t.p.Model.Backprop(batch.Images, batch.Targets)
		if err != nil {
			t.p.Train.Release(batch)
			return Metrics{}, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.p.Train.Release(batch)
			return Metrics{}, &DivergedError{Epoch: epoch, Step: t.state.GlobalStep, Loss: loss}
		}
		t.p.Optimizer.Step(t.p.Model.Params(), lr)
		t.state.GlobalStep++

		agg.add(loss, t.p.Model.Predict(batch.Images), batch.Labels)
		t.p.Train.Release(batch)
	}
	if skipped := stream.Skipped(); skipped > 0 {
		log.Warn().Msgf("epoch %d: %d samples skipped due to decode failures", epoch, skipped)
	}
	return agg.metrics(), nil
}

// checkpointEpoch persists interval, best and final checkpoints. The
// store flushes each write before returning, so the next epoch never
// starts ahead of a reported checkpoint.
func (t *Trainer) checkpointEpoch(epoch int, improved bool, m Metrics) error {
	if t.p.Store == nil {
		return nil
	}
	t.setPhase(phaseCheckpointing)
	cfg := t.p.Config

	if improved {
		if _, err := t.p.Store.SaveBest(t.snapshot(t.state.BestMetric)); err != nil {
			return err
		}
	}
	interval := cfg.CheckpointInterval > 0 && epoch%cfg.CheckpointInterval == 0
	last := cfg.SaveLast && epoch == cfg.Epochs
	if interval || last {
		if _, err := t.p.Store.Save(t.snapshot(m.Accuracy)); err != nil {
			return err
		}
		if err := t.p.Store.Prune(); err != nil {
			return err
		}
	}
	return nil
}

// interrupt handles cancellation at a batch boundary.
func (t *Trainer) interrupt(cause error) error {
	log.Info().Msgf("training interrupted at epoch %d step %d", t.state.Epoch, t.state.GlobalStep)
	if t.p.Store != nil && t.p.Config.SaveOnInterrupt {
		if _, err := t.p.Store.Save(t.snapshot(t.state.BestMetric)); err != nil {
			log.Error().Err(err).Msg("interrupt checkpoint failed")
		}
	}
	return cause
}

func (t *Trainer) snapshot(metric float64) *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		Epoch:      t.state.Epoch,
		GlobalStep: t.state.GlobalStep,
		Metric:     metric,
		BestMetric: t.state.BestMetric,
		BestEpoch:  t.state.BestEpoch,
		Seed:       t.p.Config.Seed,
		SavedAt:    time.Now(),
		Config:     t.p.Config,
		Weights:    t.p.Model.Weights(),
		Optimizer:  t.p.Optimizer.State(),
	}
}

func (t *Trainer) emit(split string, epoch int, m Metrics) {
	for _, r := range []metrics.Record{
		{Name: "loss", Value: m.Loss, Split: split, Epoch: epoch},
		{Name: "accuracy", Value: m.Accuracy, Split: split, Epoch: epoch},
		{Name: "recognition_rate", Value: m.RecognitionRate, Split: split, Epoch: epoch},
		{Name: "cer", Value: m.CER, Split: split, Epoch: epoch},
	} {
		_ = t.p.Sink.Log(r)
	}
}

func (t *Trainer) setPhase(p phase) {
	if t.phase != p {
		log.Debug().Msgf("trainer %s -> %s", t.phase, p)
		t.phase = p
	}
}
