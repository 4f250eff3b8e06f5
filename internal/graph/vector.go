package graph

import (
	"container/heap"
	"math"
)

// ============================================================================
// VECTOR MATH
// ============================================================================

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float32) []float32 {
	var norm float64
	for _, val := range v {
		norm += float64(val) * float64(val)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i, val := range v {
		v[i] = float32(float64(val) / norm)
	}
	return v
}

// isZero reports whether every component of v is zero.
func isZero(v []float32) bool {
	for _, val := range v {
		if val != 0 {
			return false
		}
	}
	return true
}

// ============================================================================
// MIN-HEAP FOR TOP-K SELECTION
// ============================================================================

// scored is a candidate neighbor with its similarity.
type scored struct {
	idx   int
	score float64
}

// better orders by score descending, then index ascending, so equal scores
// resolve the same way on every run.
func (s scored) better(o scored) bool {
	if s.score != o.score {
		return s.score > o.score
	}
	return s.idx < o.idx
}

// scoredHeap keeps the worst retained candidate at the root.
type scoredHeap []scored

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scoredHeap) Push(x any) { *h = append(*h, x.(scored)) }

func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK returns the k best candidates in descending order.
// Complexity: O(n log k).
func topK(items []scored, k int) []scored {
	if k <= 0 || len(items) == 0 {
		return nil
	}

	h := make(scoredHeap, 0, k)
	for _, it := range items {
		if h.Len() < k {
			heap.Push(&h, it)
			continue
		}
		if it.better(h[0]) {
			h[0] = it
			heap.Fix(&h, 0)
		}
	}

	result := make([]scored, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(&h).(scored)
	}
	return result
}
