package dataset

import "sync"

// bufferPool recycles image tensors between batches so steady-state
// iteration does not allocate one slice per sample. Buffers are handed
// out by the prefetch workers and returned by the consumer through
// Loader.Release.
type bufferPool struct {
	pool sync.Pool
	size int
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool = sync.Pool{
		New: func() interface{} {
			return make([]float32, size)
		},
	}
	return bp
}

func (bp *bufferPool) Get() []float32 {
	return bp.pool.Get().([]float32)
}

func (bp *bufferPool) Put(buf []float32) {
	if cap(buf) < bp.size {
		return
	}
	bp.pool.Put(buf[:bp.size]) //nolint:staticcheck
}
