package tunnel

import (
	"container/heap"
	"time"
)

type taskKind uint8

const (
	taskRetryBuild taskKind = iota
	taskSendDestroy
	taskCleanCircuit
	taskSendCover
)

func (k taskKind) String() string {
	switch k {
	case taskRetryBuild:
		return "retry_build"
	case taskSendDestroy:
		return "send_destroy"
	case taskCleanCircuit:
		return "clean_circuit"
	case taskSendCover:
		return "send_cover"
	default:
		return "unknown"
	}
}

// task is one scheduled action on a circuit, identified by the tunnel id of
// its first hop. Destroy tasks carry the hops to encrypt through, since the
// circuit may already be gone when they fire.
type task struct {
	at       time.Time
	seq      uint64
	kind     taskKind
	tunnelID uint32
	hops     []HopState

	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// scheduler is a min-heap of tasks ordered by fire time, then by insertion.
// It is owned by the engine goroutine.
type scheduler struct {
	tasks taskHeap
	seq   uint64
}

func (s *scheduler) schedule(at time.Time, kind taskKind, tunnelID uint32, hops []HopState) *task {
	t := &task{at: at, seq: s.seq, kind: kind, tunnelID: tunnelID, hops: hops}
	s.seq++
	heap.Push(&s.tasks, t)
	return t
}

// cancel removes t if it is still pending. Cancelling nil or a fired task
// is a no-op.
func (s *scheduler) cancel(t *task) {
	if t == nil || t.index < 0 || t.index >= len(s.tasks) || s.tasks[t.index] != t {
		return
	}
	heap.Remove(&s.tasks, t.index)
}

// next returns the fire time of the earliest task.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].at, true
}

// popDue removes and returns the earliest task if it is due at now.
func (s *scheduler) popDue(now time.Time) *task {
	if len(s.tasks) == 0 || s.tasks[0].at.After(now) {
		return nil
	}
	return heap.Pop(&s.tasks).(*task)
}

func (s *scheduler) Len() int {
	return len(s.tasks)
}
