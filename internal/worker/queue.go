package worker

import "github.com/austindbirch/harbor_beacon/internal/wire"

// Queue is a FIFO of beacons waiting for dispatch. It is owned by the
// worker's run loop and is not safe for concurrent use.
type Queue struct {
	items []wire.Request
	head  int
}

func (q *Queue) Push(r wire.Request) {
	q.items = append(q.items, r)
}

// Pop removes and returns the oldest beacon
func (q *Queue) Pop() (wire.Request, bool) {
	if q.head >= len(q.items) {
		return wire.Request{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = wire.Request{}
	q.head++

	// Reclaim the backing array once it is mostly consumed
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return r, true
}

func (q *Queue) Len() int {
	return len(q.items) - q.head
}
