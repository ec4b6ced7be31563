package scheduler

import "fmt"

// MergeReplicas adds every worker replica into shared, in worker order.
// It is called once the parallel region has ended, so nothing else writes to
// shared while it runs.
func MergeReplicas(shared []float64, replicas [][]float64) {
	for w, r := range replicas {
		if r == nil {
			continue
		}
		if len(r) != len(shared) {
			panic(fmt.Sprintf("scheduler: replica %d has %d slots, shared buffer has %d", w, len(r), len(shared)))
		}
		for i, x := range r {
			shared[i] += x
		}
	}
}
