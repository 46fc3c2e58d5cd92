package broadcast

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/openrobobrain/braincore/command"
	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// queuedCommand is one entry in a target's priority queue. seq breaks ties
// within a priority, preserving enqueue order.
type queuedCommand struct {
	cmd *command.BrainCommand
	seq uint64
}

// priorityQueue orders commands by priority rank descending, then by
// sequence ascending. Implements heap.Interface.
type priorityQueue []*queuedCommand

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	ri, rj := pq[i].cmd.Priority.Rank(), pq[j].cmd.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*queuedCommand))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

func (pq *priorityQueue) popHighest() *queuedCommand {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop(pq).(*queuedCommand)
}

func (pq *priorityQueue) push(qc *queuedCommand) {
	heap.Push(pq, qc)
}

// drain empties the queue, returning all entries in no particular order.
func (pq *priorityQueue) drain() []*queuedCommand {
	out := make([]*queuedCommand, len(*pq))
	copy(out, *pq)
	*pq = (*pq)[:0]
	return out
}

// consumerQueue is one consumer's bounded outbound queue, drained by a
// dedicated goroutine. Overflow drops the oldest entry with a warning, so a
// stalled consumer never blocks the broadcaster or its peers.
type consumerQueue struct {
	id   string
	send SendFunc
	log  *logging.Logger

	mu     sync.Mutex
	items  chan *protocol.Message
	closed atomic.Bool
	done   chan struct{}
}

func newConsumerQueue(id string, capacity int, send SendFunc, log *logging.Logger) *consumerQueue {
	q := &consumerQueue{
		id:    id,
		send:  send,
		log:   log,
		items: make(chan *protocol.Message, capacity),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// offer enqueues a message, evicting the oldest entries if the queue is
// full. The mutex serializes offers so the len check and send cannot race.
func (q *consumerQueue) offer(msg *protocol.Message) {
	if q.closed.Load() {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.items <- msg:
			return
		default:
		}
		select {
		case dropped := <-q.items:
			id, _ := dropped.Payload["commandId"].(string)
			q.log.QueueOverflow(q.id, id)
		default:
		}
	}
}

func (q *consumerQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case msg := <-q.items:
			if err := q.send(msg); err != nil {
				q.log.Warn("consumer_send_failed", map[string]interface{}{
					"consumer": q.id,
					"error":    err.Error(),
				})
			}
		}
	}
}

func (q *consumerQueue) stop() {
	if !q.closed.Swap(true) {
		close(q.done)
	}
}
