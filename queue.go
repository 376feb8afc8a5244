package questdb

// IOEvent is a resolved operation published to a worker. Receiving one
// transfers ownership of the context to the receiving worker.
type IOEvent struct {
	Operation int32
	Context   *ConnContext
}

type interestEvent struct {
	operation int32
	context   *ConnContext
}

// interestQueue is the only producer-side channel into the dispatcher: many
// workers enqueue, the dispatcher alone drains it once per tick. Bounded so
// the producers, not the loop, absorb backpressure.
type interestQueue struct {
	ch chan interestEvent
}

func newInterestQueue(size int) *interestQueue {
	return &interestQueue{ch: make(chan interestEvent, size)}
}

func (q *interestQueue) offer(operation int32, context *ConnContext) error {
	select {
	case q.ch <- interestEvent{operation: operation, context: context}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *interestQueue) poll() (interestEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return interestEvent{}, false
	}
}
