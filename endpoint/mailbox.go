package endpoint

import "sync"

// mailbox is an unbounded FIFO queue with a blocking take side. Deliver
// never blocks, which lets it serve as a pipeline.Recipient.
type mailbox struct {
	mu     sync.Mutex
	cond   sync.Cond
	queue  []any
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond.L = &mb.mu
	return mb
}

func (mb *mailbox) Deliver(msg any) { _ = mb.offer(msg) }

// offer enqueues msg and reports whether the mailbox accepted it.
func (mb *mailbox) offer(msg any) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, msg)
	mb.cond.Signal()
	mb.mu.Unlock()
	return true
}

// takeAll swaps the queued messages into batch, blocking until at least one
// is present. ok turns false once the mailbox is closed and drained.
func (mb *mailbox) takeAll(batch []any) (_ []any, ok bool) {
	mb.mu.Lock()
	for len(mb.queue) == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if len(mb.queue) == 0 {
		mb.mu.Unlock()
		return batch[:0], false
	}
	batch, mb.queue = mb.queue, batch[:0]
	mb.mu.Unlock()
	return batch, true
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.cond.Broadcast()
	mb.mu.Unlock()
}

// oneshot is a Recipient that keeps only the first delivered message.
type oneshot struct {
	once sync.Once
	ch   chan any
}

func newOneshot() *oneshot { return &oneshot{ch: make(chan any, 1)} }

func (o *oneshot) Deliver(msg any) { o.once.Do(func() { o.ch <- msg }) }
