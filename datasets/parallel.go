// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// PrefetchDataset wraps a thread-safe train.Dataset with a fixed pool of
// worker goroutines feeding a bounded buffer of pre-collated batches.
// Workers block when the buffer is full; the consumer blocks when no batch
// is ready. This is the only concurrency in the training pipeline.
type PrefetchDataset struct {
	dataset     train.Dataset
	parallelism int
	bufferSize  int
	impl        *prefetchImpl
}

type prefetchBatch struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
}

type prefetchImpl struct {
	dataset train.Dataset

	buffer                     chan prefetchBatch
	epochDone, stopEpoch, stop chan struct{}

	muErr sync.Mutex
	err   error
}

// Prefetch starts a worker pool around ds with default parallelism (number
// of cores) and a buffer of one batch per worker.
func Prefetch(ds train.Dataset) *PrefetchDataset {
	return CustomPrefetch(ds).Start()
}

// CustomPrefetch builds a PrefetchDataset that can be configured with
// Parallelism and Buffer before calling Start.
func CustomPrefetch(ds train.Dataset) *PrefetchDataset {
	return &PrefetchDataset{
		dataset:     ds,
		parallelism: runtime.NumCPU(),
		bufferSize:  runtime.NumCPU(),
	}
}

// Parallelism sets the number of worker goroutines. Must be called before
// Start. It returns the dataset so calls can be chained.
func (pd *PrefetchDataset) Parallelism(n int) *PrefetchDataset {
	if n > 0 {
		pd.parallelism = n
	}
	return pd
}

// Buffer sets the bounded-buffer size, in batches. Must be called before
// Start. It returns the dataset so calls can be chained.
func (pd *PrefetchDataset) Buffer(n int) *PrefetchDataset {
	if n > 0 {
		pd.bufferSize = n
	}
	return pd
}

// Start launches the worker pool. The configuration can no longer change.
func (pd *PrefetchDataset) Start() *PrefetchDataset {
	if pd.impl != nil {
		return pd
	}
	pd.impl = &prefetchImpl{
		dataset: pd.dataset,
		buffer:  make(chan prefetchBatch, pd.bufferSize),
		stop:    make(chan struct{}),
	}
	pd.impl.startWorkers(pd.parallelism)
	return pd
}

// Cancel stops the worker pool. The dataset cannot be used afterwards.
func (pd *PrefetchDataset) Cancel() {
	impl := pd.impl
	if impl == nil {
		return
	}
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	select {
	case <-impl.stop:
	default:
		close(impl.stop)
	}
}

func (impl *prefetchImpl) startWorkers(parallelism int) {
	impl.epochDone = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	var wg sync.WaitGroup
	for ii := 0; ii < parallelism; ii++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stop:
					return
				default:
				}
				var batch prefetchBatch
				var err error
				batch.spec, batch.inputs, batch.labels, err = impl.dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					// Fatal: a malformed sample stops the whole pipeline.
					impl.muErr.Lock()
					if impl.err == nil {
						impl.err = err
						close(impl.stopEpoch)
						close(impl.stop)
					}
					impl.muErr.Unlock()
					return
				}
				select {
				case <-impl.stopEpoch:
					return
				case <-impl.stop:
					return
				case impl.buffer <- batch:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		impl.muErr.Lock()
		defer impl.muErr.Unlock()
		select {
		case <-impl.stop:
		default:
			close(impl.epochDone)
		}
	}()
}

// Name implements train.Dataset.
func (pd *PrefetchDataset) Name() string {
	return fmt.Sprintf("%s [prefetch]", pd.dataset.Name())
}

// Reset implements train.Dataset: it drains the buffer, resets the wrapped
// dataset and restarts the workers.
func (pd *PrefetchDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		return
	}
	impl.muErr.Lock()
	select {
	case <-impl.stopEpoch:
	default:
		close(impl.stopEpoch)
	}
	impl.muErr.Unlock()
	select {
	case <-impl.stop:
		return
	case <-impl.buffer:
	case <-impl.epochDone:
	}
	for {
		select {
		case <-impl.buffer:
		default:
			pd.dataset.Reset()
			impl.startWorkers(cap(impl.buffer))
			return
		}
	}
}

// Yield implements train.Dataset, returning the next buffered batch.
func (pd *PrefetchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	impl := pd.impl
	if impl == nil {
		return nil, nil, nil, errors.New("PrefetchDataset.Yield called before Start")
	}
	var batch prefetchBatch
	select {
	case <-impl.stop:
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, nil, nil, err
	case batch = <-impl.buffer:
	case <-impl.epochDone:
		select {
		case batch = <-impl.buffer:
		default:
			return nil, nil, nil, io.EOF
		}
	}
	return batch.spec, batch.inputs, batch.labels, nil
}
