package utils

import (
	"fmt"
	"sync"
)

type Job[T any] struct {
	Index int
	Input T
}

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool drains queue with up to maxWorkers goroutines and closes completed once every job is
// done. Results arrive in completion order; Index identifies the job that produced each one.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan Job[In], completed chan CompletedTask[Out], maxWorkers int) {
	workers := max(min(len(queue), maxWorkers), 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next.Input)
					completed <- CompletedTask[Out]{Index: next.Index, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}

// MapInPool applies worker to every input concurrently and returns the outputs in input order.
// The first error (by input position) is returned.
func MapInPool[In any, Out any](inputs []In, worker func(In) (Out, error), maxWorkers int) ([]Out, error) {
	queue := make(chan Job[In], len(inputs))
	for i, in := range inputs {
		queue <- Job[In]{Index: i, Input: in}
	}
	close(queue)

	completed := make(chan CompletedTask[Out], len(inputs))
	RunInPool(worker, queue, completed, maxWorkers)

	outputs := make([]Out, len(inputs))
	errs := make([]error, len(inputs))
	for task := range completed {
		outputs[task.Index] = task.Result
		errs[task.Index] = task.Error
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return outputs, nil
}
