// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks (typically one per sample of a batch) in parallel, with a
// limit on the number of goroutines running at the same time.
//
// It is used by the accelerated path of the layers. Every call to Pool.Run blocks until all its tasks are
// done, so from the caller's point of view the work is synchronous.
package workerspool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

type Pool struct {
	// maxParallelism is the limit of tasks running concurrently.
	// If 0 parallelism is disabled, and if < 0 it is unlimited.
	maxParallelism int
}

// Default pool, shared by the layers' accelerated paths.
var Default = New()

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the limit of tasks running concurrently.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should not be changed while Run is executing.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// Run calls task(i) for i in [0, n) and returns when all of them are finished.
//
// If parallelism is disabled, or n <= 1, the tasks are run inline, in order.
// Otherwise, tasks run in separate goroutines: they must not write to shared memory without synchronization.
func (w *Pool) Run(n int, task func(i int)) {
	if n <= 1 || !w.IsEnabled() {
		for i := range n {
			task(i)
		}
		return
	}
	var group errgroup.Group
	if !w.IsUnlimited() {
		group.SetLimit(w.maxParallelism)
	}
	for i := range n {
		group.Go(func() error {
			task(i)
			return nil
		})
	}
	_ = group.Wait()
}

// RunE is like Run, but tasks can fail. It returns the first error returned by a task, after all of them
// are finished.
func (w *Pool) RunE(n int, task func(i int) error) error {
	if n <= 1 || !w.IsEnabled() {
		for i := range n {
			if err := task(i); err != nil {
				return err
			}
		}
		return nil
	}
	var group errgroup.Group
	if !w.IsUnlimited() {
		group.SetLimit(w.maxParallelism)
	}
	for i := range n {
		group.Go(func() error { return task(i) })
	}
	return group.Wait()
}
