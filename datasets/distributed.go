// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// DataParallelDataset wraps a train.Dataset into a train.DistributedDataset
// that splits every yielded batch along the batch axis, one shard per
// device. Train-step semantics are identical to the single-device case: the
// trainer computes per-device gradients, reduces them, and applies a single
// optimizer step.
type DataParallelDataset struct {
	dataset train.Dataset
	devices []backends.DeviceNum
	mesh    *distributed.DeviceMesh
}

const batchMeshAxis = "batch"

// NewDataParallel builds a data-parallel view of ds over the given devices.
func NewDataParallel(ds train.Dataset, devices []backends.DeviceNum) (*DataParallelDataset, error) {
	if len(devices) < 2 {
		return nil, errors.Errorf("data-parallel training needs at least 2 devices, got %d", len(devices))
	}
	mesh, err := distributed.NewDeviceMesh([]int{len(devices)}, []string{batchMeshAxis})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create a 1-D device mesh over %d devices", len(devices))
	}
	logical := make([]int, len(devices))
	for ii, device := range devices {
		logical[ii] = int(device)
	}
	if err := mesh.SetLogicalDeviceAssignment(logical...); err != nil {
		return nil, errors.WithMessagef(err, "failed to assign devices %v to the mesh", devices)
	}
	return &DataParallelDataset{dataset: ds, devices: devices, mesh: mesh}, nil
}

// Name implements train.Dataset.
func (ds *DataParallelDataset) Name() string {
	return fmt.Sprintf("%s [data-parallel x%d]", ds.dataset.Name(), len(ds.devices))
}

// Reset implements train.Dataset.
func (ds *DataParallelDataset) Reset() { ds.dataset.Reset() }

// Yield implements train.Dataset only to satisfy the interface; use
// DistributedYield.
func (ds *DataParallelDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, nil, nil, errors.New("DataParallelDataset only supports DistributedYield")
}

// Strategy implements train.DistributedDataset.
func (ds *DataParallelDataset) Strategy() distributed.Strategy { return distributed.AutoSharding }

// DeviceAssignment implements train.DistributedDataset.
func (ds *DataParallelDataset) DeviceAssignment() []backends.DeviceNum { return ds.devices }

// DistributedYield implements train.DistributedDataset: it pulls one batch
// from the wrapped dataset and shards every tensor along the batch axis.
func (ds *DataParallelDataset) DistributedYield() (spec any, inputs, labels []*distributed.Tensor, err error) {
	spec, batchInputs, batchLabels, err := ds.dataset.Yield()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = make([]*distributed.Tensor, len(batchInputs))
	for ii, t := range batchInputs {
		inputs[ii], err = ds.shard(t)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "sharding input #%d", ii)
		}
	}
	labels = make([]*distributed.Tensor, len(batchLabels))
	for ii, t := range batchLabels {
		labels[ii], err = ds.shard(t)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "sharding label #%d", ii)
		}
	}
	return spec, inputs, labels, nil
}

// shard splits t into contiguous batch-axis chunks, one per device.
func (ds *DataParallelDataset) shard(t *tensors.Tensor) (*distributed.Tensor, error) {
	numDevices := len(ds.devices)
	dims := t.Shape().Dimensions
	if len(dims) == 0 || dims[0]%numDevices != 0 {
		return nil, errors.Errorf("batch axis of shape %s is not divisible by %d devices",
			t.Shape(), numDevices)
	}
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("data-parallel sharding only supports float32 batches, got %s", t.DType())
	}
	shardDims := append([]int{dims[0] / numDevices}, dims[1:]...)
	shardShape := shapes.Make(dtypes.Float32, shardDims...)
	shardLen := shardShape.Size()

	shards := make(map[int]*tensors.Tensor, numDevices)
	t.MustConstFlatData(func(flatAny any) {
		flat := flatAny.([]float32)
		for deviceIdx := 0; deviceIdx < numDevices; deviceIdx++ {
			shard := tensors.FromShape(shardShape)
			start := deviceIdx * shardLen
			tensors.MustMutableFlatData[float32](shard, func(shardData []float32) {
				copy(shardData, flat[start:start+shardLen])
			})
			shards[deviceIdx] = shard
		}
	})

	sharding := distributed.NewShardSpec(batchMeshAxis)
	dt, err := distributed.New(ds.mesh, sharding, shards)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build distributed tensor from %s", t.Shape())
	}
	return dt, nil
}
