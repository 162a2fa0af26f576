package train

import (
	"context"
	"errors"
	"io"

	"github.com/icvlp/icvlpr/internal/metrics"
)

// Metrics summarizes one pass over a split.
type Metrics struct {
	Loss            float64
	Accuracy        float64 // exact plate matches / samples
	RecognitionRate float64 // aligned correct characters / target characters
	CER             float64 // edit distance / target characters
	Samples         int
}

// Evaluate runs the model read-only over one pass of a split. The epoch
// index only matters for sources that reshuffle.
func Evaluate(ctx context.Context, m Model, src BatchSource, epoch int) (Metrics, error) {
	stream := src.Epoch(ctx, epoch)
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
		loss, err := m.Loss(batch.Images, batch.Targets)
		if err != nil {
			src.Release(batch)
			return Metrics{}, err
		}
		agg.add(loss, m.Predict(batch.Images), batch.Labels)
		src.Release(batch)
	}
	return agg.metrics(), nil
}

// aggregate accumulates per-sample scores; means are taken at the end
// so short final batches carry their true weight.
type aggregate struct {
	loss    metrics.Averager
	exact   int
	matched int
	chars   int
	dist    int
}

func (a *aggregate) add(meanLoss float64, preds, labels []string) {
	a.loss.AddN(meanLoss, len(labels))
	for i, label := range labels {
		pred := preds[i]
		if pred == label {
			a.exact++
		}
		a.matched += alignedMatches(pred, label)
		a.chars += len(label)
		a.dist += editDistance(pred, label)
	}
}

func (a *aggregate) metrics() Metrics {
	m := Metrics{Samples: a.loss.Count(), Loss: a.loss.Mean()}
	if m.Samples > 0 {
		m.Accuracy = float64(a.exact) / float64(m.Samples)
	}
	if a.chars > 0 {
		m.RecognitionRate = float64(a.matched) / float64(a.chars)
		m.CER = float64(a.dist) / float64(a.chars)
	}
	return m
}

// alignedMatches counts positions where prediction and label agree.
// Plate strings are ASCII, so byte positions are character positions.
func alignedMatches(pred, label string) int {
	n := len(pred)
	if len(label) < n {
		n = len(label)
	}
	matched := 0
	for i := 0; i < n; i++ {
		if pred[i] == label[i] {
			matched++
		}
	}
	return matched
}

// editDistance is the Levenshtein distance between two plate strings.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
