package annotator

import (
	"sync"

	"github.com/bayesmech/vision-server/internal/protomsg"
)

// frameQueue is the unbounded FIFO of frames awaiting a segmentation
// request. It is plain-mutex-guarded rather than channel-based because the
// worker needs to both pop-if-available (non-blocking, to know when a
// drain pass is complete) and push back to the tail (requeue on a
// transient disconnect) without risking a send-on-full-channel block.
type frameQueue struct {
	mu    sync.Mutex
	items []*protomsg.Frame
}

func (q *frameQueue) push(f *protomsg.Frame) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
}

func (q *frameQueue) pop() (*protomsg.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

// drainAll removes and returns every queued frame without processing it.
func (q *frameQueue) drainAll() []*protomsg.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
