package job

import (
	"container/heap"

	"github.com/registry-scanner/internal/models"
)

// GapQueue orders open gaps for gap-fill: the most recent registration window first,
// then the densest. Not safe for concurrent use.
type GapQueue struct {
	items gapHeap
}

// NewGapQueue builds a queue holding gaps
func NewGapQueue(gaps []models.Gap) *GapQueue {
	q := &GapQueue{items: make(gapHeap, 0, len(gaps))}
	for _, g := range gaps {
		q.items = append(q.items, &gapItem{gap: g, index: len(q.items)})
	}
	heap.Init(&q.items)
	return q
}

// Push adds a gap
func (q *GapQueue) Push(g models.Gap) {
	heap.Push(&q.items, &gapItem{gap: g})
}

// Pop removes the next gap to fill
func (q *GapQueue) Pop() (models.Gap, bool) {
	if q.items.Len() == 0 {
		return models.Gap{}, false
	}
	item := heap.Pop(&q.items).(*gapItem)
	return item.gap, true
}

// Len returns the number of queued gaps
func (q *GapQueue) Len() int {
	return q.items.Len()
}

type gapItem struct {
	gap   models.Gap
	index int
}

// gapHeap implements heap.Interface
type gapHeap []*gapItem

func (h gapHeap) Len() int { return len(h) }

func (h gapHeap) Less(i, j int) bool {
	a, b := h[i].gap, h[j].gap
	if !a.Partition.To.Equal(b.Partition.To) {
		return a.Partition.To.After(b.Partition.To)
	}
	if a.EstimatedRecords != b.EstimatedRecords {
		return a.EstimatedRecords > b.EstimatedRecords
	}
	return a.ID < b.ID
}

func (h gapHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *gapHeap) Push(x interface{}) {
	item := x.(*gapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *gapHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}
