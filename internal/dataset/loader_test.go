package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticSamples(n int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Path:   fmt.Sprintf("sample_%04d.png", i),
			Label:  "B123XY",
			Target: []int{2, 27, 28, 29, 24, 25},
		}
	}
	return samples
}

func TestStepsPerEpoch(t *testing.T) {
	pre := &Preprocessor{Width: 94, Height: 24}

	// 640 samples at batch size 16 must give exactly 40 steps.
	l, err := NewLoader(syntheticSamples(640), pre, LoaderConfig{BatchSize: 16})
	require.NoError(t, err)
	assert.Equal(t, 40, l.Steps())
	assert.Equal(t, 640, l.Size())

	// A short final batch still counts as a step.
	l, err = NewLoader(syntheticSamples(33), pre, LoaderConfig{BatchSize: 16})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Steps())
}

func TestOrderReproducibleForFixedSeed(t *testing.T) {
	pre := &Preprocessor{Width: 94, Height: 24}
	cfg := LoaderConfig{BatchSize: 16, Shuffle: true, Seed: 42}

	first, err := NewLoader(syntheticSamples(100), pre, cfg)
	require.NoError(t, err)
	second, err := NewLoader(syntheticSamples(100), pre, cfg)
	require.NoError(t, err)

	for epoch := 0; epoch < 3; epoch++ {
		assert.Equal(t, first.Order(epoch), second.Order(epoch), "epoch %d", epoch)
	}

	// Each order is a permutation of all sample indices.
	order := first.Order(1)
	sorted := append([]int(nil), order...)
	sort.Ints(sorted)
	for i, v := range sorted {
		require.Equal(t, i, v)
	}
}

func TestOrderFixedWithoutShuffle(t *testing.T) {
	pre := &Preprocessor{Width: 94, Height: 24}
	l, err := NewLoader(syntheticSamples(10), pre, LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, l.Order(0))
	assert.Equal(t, want, l.Order(5))
}

func TestStreamYieldsAllBatchesInOrder(t *testing.T) {
	root := t.TempDir()
	samples := make([]Sample, 0, 10)
	for i := 0; i < 10; i++ {
		path := filepath.Join(root, fmt.Sprintf("B%03dXY_%d.png", i, i))
		writeImage(t, path)
		samples = append(samples, Sample{Path: path, Label: fmt.Sprintf("B%03dXY", i)})
	}

	pre := &Preprocessor{Width: 94, Height: 24}
	l, err := NewLoader(samples, pre, LoaderConfig{BatchSize: 4, Workers: 3, Prefetch: 2})
	require.NoError(t, err)

	stream := l.Epoch(context.Background(), 0)
	defer stream.Close()

	var labels []string
	var sizes []int
	for {
		batch, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
		labels = append(labels, batch.Labels...)
		l.Release(batch)
	}

	assert.Equal(t, []int{4, 4, 2}, sizes)
	for i, label := range labels {
		assert.Equal(t, fmt.Sprintf("B%03dXY", i), label)
	}
	assert.Zero(t, stream.Skipped())
}

func TestStreamSkipsCorruptSample(t *testing.T) {
	root := t.TempDir()
	samples := make([]Sample, 0, 9)
	for i := 0; i < 8; i++ {
		path := filepath.Join(root, fmt.Sprintf("B%03dXY_%d.png", i, i))
		writeImage(t, path)
		samples = append(samples, Sample{Path: path, Label: fmt.Sprintf("B%03dXY", i)})
	}
	corrupt := filepath.Join(root, "C999ZZ_0.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not an image"), 0o644))
	samples = append(samples, Sample{Path: corrupt, Label: "C999ZZ"})

	pre := &Preprocessor{Width: 94, Height: 24}
	l, err := NewLoader(samples, pre, LoaderConfig{BatchSize: 4, Workers: 2})
	require.NoError(t, err)

	stream := l.Epoch(context.Background(), 0)
	defer stream.Close()

	seen := 0
	for {
		batch, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen += batch.Size()
		l.Release(batch)
	}

	assert.Equal(t, 8, seen)
	assert.Equal(t, int64(1), stream.Skipped())
}

func TestStreamHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	samples := make([]Sample, 0, 8)
	for i := 0; i < 8; i++ {
		path := filepath.Join(root, fmt.Sprintf("B%03dXY_%d.png", i, i))
		writeImage(t, path)
		samples = append(samples, Sample{Path: path, Label: fmt.Sprintf("B%03dXY", i)})
	}

	pre := &Preprocessor{Width: 94, Height: 24}
	l, err := NewLoader(samples, pre, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream := l.Epoch(ctx, 0)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	cancel()
	for {
		_, err = stream.Next(ctx)
		if err == nil {
			continue // batches already prefetched may still drain
		}
		assert.ErrorIs(t, err, context.Canceled)
		break
	}
}
