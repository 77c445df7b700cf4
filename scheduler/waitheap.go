package scheduler

import "github.com/csopesy/csopesy-go/process"

// waitHeap is a min-heap of sleeping processes keyed on wakeup tick.
// Implements container/heap.Interface.
type waitHeap []*process.Process

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	return h[i].WakeupTick() < h[j].WakeupTick()
}

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) {
	*h = append(*h, x.(*process.Process))
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
