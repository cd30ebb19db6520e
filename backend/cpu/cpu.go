// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU executor.
//
// The executor runs named operations on float32 and float64 tensors with
// NumPy-style broadcasting. With the parallel runtime, element-wise kernels are
// split across worker goroutines; reductions stay serial so both runtimes
// produce identical bits.
//
// Example:
//
//	alloc := tensor.NewAllocator()
//	exec := cpu.New(alloc, cpu.Serial())
//	outs, err := exec.Execute("Add", a, b)
package cpu

import (
	internalcpu "github.com/born-ml/gradtape/internal/backend/cpu"
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/tensor"
)

// Executor runs operations on the CPU.
type Executor = internalcpu.Executor

// Parallelism controls how element-wise kernels are split across goroutines.
type Parallelism = parallel.Config

// ErrDomain is returned for inputs outside an operation's domain.
var ErrDomain = internalcpu.ErrDomain

// Serial returns a single-goroutine configuration.
func Serial() Parallelism {
	return parallel.Serial()
}

// Parallel returns the default multi-goroutine configuration.
func Parallel() Parallelism {
	return parallel.DefaultConfig()
}

// New creates an executor allocating outputs from alloc.
func New(alloc *tensor.Allocator, par Parallelism) *Executor {
	return internalcpu.New(alloc, par)
}
