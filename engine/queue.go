// Implements the WaitQueue, which holds all sequences waiting to be admitted.
// Sequences are enqueued on arrival and re-queued at the front when they are
// preempted out of the running batch.

package engine

// WaitQueue represents a FIFO queue of sequences waiting to be scheduled for
// execution. It models the pool of incoming requests that are waiting for
// their next opportunity to be admitted into the running batch.
type WaitQueue struct {
	queue []*Sequence
}

// Enqueue adds a sequence to the back of the wait queue.
func (wq *WaitQueue) Enqueue(s *Sequence) {
	wq.queue = append(wq.queue, s)
}

// Dequeue removes and returns the sequence at the front of the queue, or nil
// when the queue is empty.
func (wq *WaitQueue) Dequeue() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	s := wq.queue[0]
	wq.queue = wq.queue[1:]
	return s
}

// Requeue puts a sequence back at the front, ahead of later arrivals. The
// engine calls it for a preempted sequence.
func (wq *WaitQueue) Requeue(s *Sequence) {
	wq.queue = append([]*Sequence{s}, wq.queue...)
}

// Len returns the number of waiting sequences.
func (wq *WaitQueue) Len() int { return len(wq.queue) }

// Pending exposes the queue contents for scheduler reordering.
func (wq *WaitQueue) Pending() []*Sequence { return wq.queue }
