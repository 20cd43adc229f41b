package messaging

import (
	"sync"

	"github.com/BTreeMap/MediBot/internal/models"
)

// conversationQueues runs events one at a time per conversation, in the order they were
// enqueued. A conversation's worker starts with its first event and exits once its queue
// drains; different conversations proceed in parallel.
type conversationQueues struct {
	handle func(models.InboundEvent)

	mu      sync.Mutex
	pending map[string][]models.InboundEvent
	wg      sync.WaitGroup
}

func newConversationQueues(handle func(models.InboundEvent)) *conversationQueues {
	return &conversationQueues{handle: handle, pending: make(map[string][]models.InboundEvent)}
}

// enqueue appends ev to its conversation's queue, starting a worker when none is running.
func (q *conversationQueues) enqueue(ev models.InboundEvent) {
	key := ev.ConversationID
	q.mu.Lock()
	queue, running := q.pending[key]
	q.pending[key] = append(queue, ev)
	q.mu.Unlock()
	if running {
		return
	}
	q.wg.Add(1)
	go q.work(key)
}

func (q *conversationQueues) work(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		ev := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()

		q.handle(ev)
	}
}

// active returns the number of conversations with a running worker.
func (q *conversationQueues) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// wait blocks until every worker has drained its queue.
func (q *conversationQueues) wait() {
	q.wg.Wait()
}
