package sidetask

import (
	"fmt"
	"sort"
	"sync"

	"github.com/onflow/flow-sidetask/engine/common/fifoqueue"
)

// Registry maps due heights to the tasks that must be reconciled at that height. Tasks
// due at the same height are kept in insertion order, which is spawn order.
type Registry struct {
	mu          sync.Mutex
	byHeight    map[uint64]*fifoqueue.FifoQueue
	capacity    int
	size        int
	sizeChanged func(int)
}

// NewRegistry creates an empty registry. A positive capacity bounds the number of tasks
// due at any single height. sizeChanged, if not nil, is called with the total number of
// registered tasks whenever it changes; it must be non-blocking.
func NewRegistry(capacity int, sizeChanged func(int)) *Registry {
	if sizeChanged == nil {
		sizeChanged = func(int) {}
	}
	return &Registry{
		byHeight:    make(map[uint64]*fifoqueue.FifoQueue),
		capacity:    capacity,
		sizeChanged: sizeChanged,
	}
}

// Add appends the task to the list of its due height.
// Returns an error if the height is at capacity.
func (r *Registry) Add(t *task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.byHeight[t.dueHeight]
	if !ok {
		var opts []fifoqueue.ConstructorOption
		if r.capacity > 0 {
			opts = append(opts, fifoqueue.WithCapacity(r.capacity))
		}
		var err error
		queue, err = fifoqueue.NewFifoQueue(opts...)
		if err != nil {
			return fmt.Errorf("could not create task list for height %d: %w", t.dueHeight, err)
		}
		r.byHeight[t.dueHeight] = queue
	}

	if !queue.Push(t) {
		return fmt.Errorf("height %d already holds the maximum of %d tasks", t.dueHeight, r.capacity)
	}
	r.size++
	r.sizeChanged(r.size)
	return nil
}

// Drain removes and returns all tasks due at the given height, in spawn order.
func (r *Registry) Drain(height uint64) []*task {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.byHeight[height]
	if !ok {
		return nil
	}
	delete(r.byHeight, height)

	elements := queue.Drain()
	tasks := make([]*task, 0, len(elements))
	for _, element := range elements {
		tasks = append(tasks, element.(*task))
	}
	r.size -= len(tasks)
	r.sizeChanged(r.size)
	return tasks
}

// Remove deletes the given tasks from the registry. Returns the number of tasks removed.
func (r *Registry) Remove(tasks ...*task) int {
	if len(tasks) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byHeight := make(map[uint64]map[*task]struct{})
	for _, t := range tasks {
		if byHeight[t.dueHeight] == nil {
			byHeight[t.dueHeight] = make(map[*task]struct{})
		}
		byHeight[t.dueHeight][t] = struct{}{}
	}

	removed := 0
	for height, set := range byHeight {
		queue, ok := r.byHeight[height]
		if !ok {
			continue
		}
		removed += queue.RemoveFunc(func(element interface{}) bool {
			_, found := set[element.(*task)]
			return found
		})
		if queue.Len() == 0 {
			delete(r.byHeight, height)
		}
	}

	r.size -= removed
	r.sizeChanged(r.size)
	return removed
}

// Len returns the total number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// LenAt returns the number of tasks due at the given height.
func (r *Registry) LenAt(height uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.byHeight[height]
	if !ok {
		return 0
	}
	return queue.Len()
}

// Heights returns the due heights with at least one registered task, in ascending order.
func (r *Registry) Heights() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	heights := make([]uint64, 0, len(r.byHeight))
	for height := range r.byHeight {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}
