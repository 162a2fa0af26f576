package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Batch is a group of preprocessed samples. All image tensors share the
// same length; the final batch of an epoch may hold fewer samples.
type Batch struct {
	Images  [][]float32
	Targets [][]int
	Labels  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Images) }

// LoaderConfig controls batching and prefetching.
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Prefetch  int
	Shuffle   bool
	Seed      int64
}

// Loader produces a restartable sequence of batches over a fixed set of
// samples. The train loader reshuffles once per epoch from Seed+epoch;
// val/test loaders keep enumeration order so evaluation stays
// deterministic. Decoding and augmentation run on a bounded pool of
// prefetch workers ahead of the consumer.
type Loader struct {
	samples []Sample
	pre     *Preprocessor
	cfg     LoaderConfig
	pool    *bufferPool
}

// NewLoader validates the configuration and builds a loader over samples.
func NewLoader(samples []Sample, pre *Preprocessor, cfg LoaderConfig) (*Loader, error) {
	if len(samples) == 0 {
		return nil, &DatasetError{Reason: "loader over empty sample set"}
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	return &Loader{
		samples: samples,
		pre:     pre,
		cfg:     cfg,
		pool:    newBufferPool(pre.PixelCount()),
	}, nil
}

// Size returns the number of samples the loader iterates per epoch.
func (l *Loader) Size() int { return len(l.samples) }

// Steps returns the number of batches per epoch.
func (l *Loader) Steps() int {
	return (len(l.samples) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Order returns the sample visiting order for an epoch. With shuffling
// enabled it is a permutation drawn from Seed+epoch, so a documented
// seed reproduces the exact batch sequence; otherwise it is the
// enumeration order.
func (l *Loader) Order(epoch int) []int {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

// Release returns a consumed batch's image buffers to the loader pool.
// The batch must not be used afterwards.
func (l *Loader) Release(b *Batch) {
	if b == nil {
		return
	}
	for _, buf := range b.Images {
		l.pool.Put(buf)
	}
	b.Images = nil
}

type job struct {
	seq     int
	indices []int
}

type seqBatch struct {
	seq   int
	batch *Batch
}

// Stream iterates one epoch's batches in scheduled order.
type Stream struct {
	results chan seqBatch
	pending map[int]*Batch
	next    int
	total   int
	cancel  context.CancelFunc
	g       *errgroup.Group
	skipped int64
}

// Epoch starts prefetch workers for one pass over the samples.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Stream {
	order := l.Order(epoch)
	steps := l.Steps()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s := &Stream{
		results: make(chan seqBatch, l.cfg.Prefetch),
		pending: make(map[int]*Batch, l.cfg.Prefetch),
		total:   steps,
		cancel:  cancel,
		g:       g,
	}

	jobs := make(chan job)
	g.Go(func() error {
		defer close(jobs)
		for seq := 0; seq < steps; seq++ {
			lo := seq * l.cfg.BatchSize
			hi := lo + l.cfg.BatchSize
			if hi > len(order) {
				hi = len(order)
			}
			select {
			case jobs <- job{seq: seq, indices: order[lo:hi]}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < l.cfg.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				batch := l.buildBatch(j.indices, epoch, &s.skipped)
				select {
				case s.results <- seqBatch{seq: j.seq, batch: batch}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(s.results)
	}()

	return s
}

// buildBatch decodes one batch worth of samples. A sample that fails to
// decode is skipped and logged once; it is not fatal.
func (l *Loader) buildBatch(indices []int, epoch int, skipped *int64) *Batch {
	batch := &Batch{
		Images:  make([][]float32, 0, len(indices)),
		Targets: make([][]int, 0, len(indices)),
		Labels:  make([]string, 0, len(indices)),
	}
	for _, idx := range indices {
		sample := l.samples[idx]
		buf := l.pool.Get()
		if err := l.pre.LoadInto(buf, sample.Path, l.sampleSeed(epoch, idx)); err != nil {
			log.Warn().Err(err).Msgf("skipping sample %s", sample.Path)
			l.pool.Put(buf)
			atomic.AddInt64(skipped, 1)
			continue
		}
		batch.Images = append(batch.Images, buf)
		batch.Targets = append(batch.Targets, sample.Target)
		batch.Labels = append(batch.Labels, sample.Label)
	}
	return batch
}

// sampleSeed derives the per-sample augmentation seed so a given
// (seed, epoch, sample) triple always produces the same pixels.
func (l *Loader) sampleSeed(epoch, idx int) int64 {
	return l.cfg.Seed + int64(epoch)*1000003 + int64(idx)*7919
}

// Next returns the next batch in scheduled order, io.EOF after the last
// one. Batches that lost every sample to decode failures are skipped.
func (s *Stream) Next(ctx context.Context) (*Batch, error) {
	for {
		if s.next >= s.total {
			return nil, io.EOF
		}
		if batch, ok := s.pending[s.next]; ok {
			delete(s.pending, s.next)
			s.next++
			if batch.Size() == 0 {
				continue
			}
			return batch, nil
		}
		select {
		case res, ok := <-s.results:
			if !ok {
				// Workers stopped before the epoch finished.
				if err := s.g.Wait(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			s.pending[res.seq] = res.batch
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Skipped reports how many samples were dropped due to decode failures.
func (s *Stream) Skipped() int64 {
	return atomic.LoadInt64(&s.skipped)
}

// Close stops the prefetch workers. Safe to call at any point.
func (s *Stream) Close() {
	s.cancel()
	for range s.results {
	}
}
